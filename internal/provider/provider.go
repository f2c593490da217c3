package provider

import (
	"context"
	"errors"
	"iter"

	"chat-gateway/internal/models"
)

// ErrProviderNotFound indicates the requested provider key is not registered.
var ErrProviderNotFound = errors.New("provider not found")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ErrInvalidEntry indicates a registration that cannot produce providers.
var ErrInvalidEntry = errors.New("invalid provider entry")

// Provider is the capability set every vendor adapter satisfies.
//
// Generate never returns an error: failures come back as a Response whose
// FinishReason is models.FinishReasonError. GenerateStream yields SSE data
// lines and, on failure, exactly one error fragment before stopping.
type Provider interface {
	Name() string
	DisplayName() string
	Generate(ctx context.Context, messages []models.Message, params models.GenerationParams) *models.Response
	GenerateStream(ctx context.Context, messages []models.Message, params models.GenerationParams) iter.Seq[string]
	GenerateImage(ctx context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error)
	ValidateConfig() bool
	ListModels() []string
}

// Descriptor is the static, data-only description of a vendor.
type Descriptor struct {
	Identity     string
	DisplayName  string
	BaseURL      string
	DefaultModel string
	Models       []string
	Images       *ImageProfile
}

// ImageProfile enables image synthesis for a vendor.
type ImageProfile struct {
	Model     string
	Size      string
	Watermark bool
}

// Info is provider metadata available without instantiation.
type Info struct {
	Key            string   `json:"key"`
	Implementation string   `json:"implementation"`
	DisplayName    string   `json:"display_name"`
	BaseURL        string   `json:"base_url,omitempty"`
	DefaultModel   string   `json:"default_model,omitempty"`
	Models         []string `json:"models"`
	SupportsImages bool     `json:"supports_images"`
}
