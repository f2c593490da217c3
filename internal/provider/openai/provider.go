// Package openai implements the provider contract for vendors that speak the
// OpenAI chat completions protocol. Vendor differences are carried by a
// provider.Descriptor rather than by separate implementations.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chat-gateway/0.1"
	maxErrorBody    = 64 * 1024
)

// Defaults applied when neither the call nor the provider configuration sets a value.
const (
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// ErrNotConfigured indicates the provider has no API key and cannot make calls.
var ErrNotConfigured = errors.New("provider is not configured")

// Provider implements provider.Provider for an OpenAI-compatible vendor.
type Provider struct {
	key     string
	desc    provider.Descriptor
	cfg     config.ProviderConfig
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates a provider for the vendor described by desc. A missing API key
// does not fail construction; the provider reports itself as invalid instead.
func New(key string, desc provider.Descriptor, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(firstNonEmpty(cfg.BaseURL, desc.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider %s: base url must not be empty", key)
	}

	p := &Provider{
		key:     key,
		desc:    desc,
		cfg:     cfg,
		baseURL: baseURL,
		logger:  slog.Default().With("component", "provider", "provider", key),
	}

	if cfg.Configured() {
		p.client = client
	} else {
		p.logger.Error("api key not configured", "display_name", desc.DisplayName)
	}

	return p, nil
}

// Constructor adapts New to the registry constructor signature.
func Constructor(desc provider.Descriptor, client *http.Client) provider.Constructor {
	return func(key string, cfg config.ProviderConfig) (provider.Provider, error) {
		return New(key, desc, cfg, client)
	}
}

func (p *Provider) Name() string {
	return p.key
}

func (p *Provider) DisplayName() string {
	return p.desc.DisplayName
}

// Descriptor returns the vendor description the provider was built from.
func (p *Provider) Descriptor() provider.Descriptor {
	return p.desc
}

func (p *Provider) ListModels() []string {
	return slices.Clone(p.desc.Models)
}

func (p *Provider) ValidateConfig() bool {
	if !p.cfg.Configured() {
		p.logger.Error("api key not configured", "display_name", p.desc.DisplayName)
		return false
	}
	if p.client == nil {
		p.logger.Error("client not initialised", "display_name", p.desc.DisplayName)
		return false
	}
	return true
}

// Generate performs a single-shot chat completion. Failures are returned as
// an error response and never as a Go error.
func (p *Provider) Generate(ctx context.Context, messages []models.Message, params models.GenerationParams) *models.Response {
	model := p.resolveModel(params)

	resp, err := p.complete(ctx, messages, params, model)
	if err != nil {
		p.logger.Error("generation failed", "model", model, "err", err)
		return p.errorResponse(model, err)
	}

	p.logger.Debug("generation succeeded", "model", resp.Model, "finish_reason", resp.FinishReason)
	return resp
}

func (p *Provider) complete(ctx context.Context, messages []models.Message, params models.GenerationParams, model string) (*models.Response, error) {
	if p.client == nil {
		return nil, ErrNotConfigured
	}

	body, err := p.buildChatBody(messages, params, model, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s chat request failed: %w", p.key, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var providerResp chatResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toResponse(p.key, model)
}

func (p *Provider) errorResponse(model string, err error) *models.Response {
	return &models.Response{
		Content:      p.unavailableMessage(err),
		Model:        model,
		Provider:     p.key,
		FinishReason: models.FinishReasonError,
		Err:          err,
	}
}

func (p *Provider) unavailableMessage(err error) string {
	return fmt.Sprintf("Sorry, %s is temporarily unavailable: %v", p.desc.DisplayName, err)
}

func (p *Provider) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []chatChoice    `json:"choices"`
	Usage   *usageBlock     `json:"usage,omitempty"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (r chatResponse) toResponse(key, requestedModel string) (*models.Response, error) {
	if r.Error != nil && r.Error.Message != "" {
		return nil, &APIError{StatusCode: http.StatusOK, Type: r.Error.Type, Message: r.Error.Message}
	}
	if len(r.Choices) == 0 {
		return nil, errors.New("response did not include choices")
	}

	choice := r.Choices[0]
	return &models.Response{
		Content:      choice.Message.Content,
		Model:        firstNonEmpty(r.Model, requestedModel),
		Provider:     key,
		FinishReason: choice.FinishReason,
		Usage: &models.Usage{
			PromptTokens:     valueOrZero(r.Usage, func(u *usageBlock) int { return u.PromptTokens }),
			CompletionTokens: valueOrZero(r.Usage, func(u *usageBlock) int { return u.CompletionTokens }),
			TotalTokens:      valueOrZero(r.Usage, func(u *usageBlock) int { return u.TotalTokens }),
		},
	}, nil
}

// APIError is a vendor error reported over HTTP.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream error status %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("upstream error status %d: %s", e.StatusCode, e.Message)
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Type: apiErr.Error.Type, Message: apiErr.Error.Message}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func valueOrZero[T any](ptr *T, getter func(*T) int) int {
	if ptr == nil {
		return 0
	}
	return getter(ptr)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
