package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

const (
	imageFormatURL    = "url"
	imageFormatBase64 = "b64_json"
)

// ErrInvalidImageRequest indicates the image request cannot be sent.
var ErrInvalidImageRequest = errors.New("invalid image generation request")

type imagePayload struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format"`
	Image          string `json:"image,omitempty"`
	Watermark      bool   `json:"watermark"`
}

type imageResponse struct {
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Data    []struct {
		URL           string `json:"url"`
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Usage *struct {
		GeneratedImages int `json:"generated_images"`
		OutputTokens    int `json:"output_tokens"`
		TotalTokens     int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiErrorObject `json:"error,omitempty"`
}

// GenerateImage synthesises images for vendors whose descriptor carries an
// image profile. Other vendors return provider.ErrUnsupportedOperation.
func (p *Provider) GenerateImage(ctx context.Context, req models.ImageGenerationRequest) (*models.ImageGenerationResponse, error) {
	profile := p.desc.Images
	if profile == nil {
		return nil, fmt.Errorf("%s image generation: %w", p.desc.DisplayName, provider.ErrUnsupportedOperation)
	}
	if p.client == nil {
		return nil, ErrNotConfigured
	}

	payload, err := p.buildImagePayload(req, profile)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal image payload: %w", err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.baseURL+"/images/generations", body)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s image request failed: %w", p.key, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		err := parseAPIError(httpResp)
		p.logger.Error("image generation failed", "model", payload.Model, "err", err)
		return nil, err
	}

	var providerResp imageResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}
	if providerResp.Error != nil && providerResp.Error.Message != "" {
		return nil, &APIError{StatusCode: httpResp.StatusCode, Type: providerResp.Error.Type, Message: providerResp.Error.Message}
	}

	out := &models.ImageGenerationResponse{
		Created:  providerResp.Created,
		Data:     make([]models.ImageData, 0, len(providerResp.Data)),
		Model:    firstNonEmpty(providerResp.Model, payload.Model),
		Provider: p.key,
	}
	for _, d := range providerResp.Data {
		out.Data = append(out.Data, models.ImageData{
			URL:           d.URL,
			B64JSON:       d.B64JSON,
			RevisedPrompt: d.RevisedPrompt,
		})
	}
	if providerResp.Usage != nil {
		out.Usage = &models.ImageUsage{
			GeneratedImages: providerResp.Usage.GeneratedImages,
			OutputTokens:    providerResp.Usage.OutputTokens,
			TotalTokens:     providerResp.Usage.TotalTokens,
		}
	}

	p.logger.Info("image generation succeeded", "model", out.Model, "images", len(out.Data))
	return out, nil
}

func (p *Provider) buildImagePayload(req models.ImageGenerationRequest, profile *provider.ImageProfile) (imagePayload, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return imagePayload{}, fmt.Errorf("%w: prompt must not be empty", ErrInvalidImageRequest)
	}

	format, err := normaliseImageFormat(req.ResponseFormat)
	if err != nil {
		return imagePayload{}, err
	}

	watermark := profile.Watermark
	switch {
	case req.Watermark != nil:
		watermark = *req.Watermark
	case p.cfg.Watermark != nil:
		watermark = *p.cfg.Watermark
	}

	return imagePayload{
		Model:          firstNonEmpty(req.Model, profile.Model),
		Prompt:         prompt,
		Size:           firstNonEmpty(req.Size, profile.Size),
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: format,
		Image:          req.Image,
		Watermark:      watermark,
	}, nil
}

func normaliseImageFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", imageFormatURL:
		return imageFormatURL, nil
	case imageFormatBase64, "base64":
		return imageFormatBase64, nil
	default:
		return "", fmt.Errorf("%w: response_format %q must be %q or %q", ErrInvalidImageRequest, format, imageFormatURL, imageFormatBase64)
	}
}
