// Package translator maps OpenAI chat/completions payloads onto the gateway's
// message model and back.
package translator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"chat-gateway/internal/models"
)

// ErrInvalidRequest wraps every validation failure of an ingress payload.
var ErrInvalidRequest = errors.New("invalid chat completion request")

var (
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
)

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	// Model is either a bare model id or "provider/model".
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	User        string
}

// UnmarshalJSON decodes and validates the payload.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		Stream      bool          `json:"stream"`
		MaxTokens   *int          `json:"max_tokens"`
		Temperature *float64      `json:"temperature"`
		User        string        `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: decode chat request: %w", ErrInvalidRequest, err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.User = strings.TrimSpace(raw.User)

	if err := r.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *r.MaxTokens)
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2], got %g", *r.Temperature)
	}
	return nil
}

// SplitModel separates an optional provider prefix from the model id.
func SplitModel(model string) (providerName, modelID string) {
	prefix, rest, found := strings.Cut(model, "/")
	if !found || prefix == "" || rest == "" {
		return "", model
	}
	return strings.ToLower(prefix), rest
}

// Routed is a request ready for fallback routing.
type Routed struct {
	Provider string
	Messages []models.Message
	Params   models.GenerationParams
}

// ToRouted converts the request into gateway messages. System messages are
// folded into the system prompt in order.
func (r ChatCompletionRequest) ToRouted() Routed {
	providerName, modelID := SplitModel(r.Model)

	var system []string
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == string(models.RoleSystem) {
			system = append(system, m.Content)
			continue
		}
		msg := models.NewMessage(models.Role(m.Role), m.Content)
		if m.ImageData != "" {
			msg = msg.WithImage(m.ImageData, m.ImageType)
		}
		msgs = append(msgs, msg)
	}

	return Routed{
		Provider: providerName,
		Messages: msgs,
		Params: models.GenerationParams{
			Model:        modelID,
			MaxTokens:    r.MaxTokens,
			Temperature:  r.Temperature,
			SystemPrompt: strings.Join(system, "\n\n"),
		},
	}
}

// ChatMessage captures a single inbound message. Content may be a string or
// an array of text and image_url parts; images must be base64 data URIs.
type ChatMessage struct {
	Role      string
	Content   string
	ImageData string
	ImageType string
}

// UnmarshalJSON supports string and array content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.TrimSpace(raw.Role)
	if err := m.extractContent(raw.Content); err != nil {
		return err
	}
	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" && m.ImageData == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func (m *ChatMessage) extractContent(raw json.RawMessage) error {
	if raw == nil {
		return fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		m.Content = text
		return nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	var builder strings.Builder
	for _, segment := range segments {
		switch segment.Type {
		case "text":
			builder.WriteString(segment.Text)
		case "image_url":
			if m.ImageData != "" {
				return fmt.Errorf("%w: only one image per message is supported", errInvalidContent)
			}
			mimeType, data, err := parseDataURI(segment.ImageURL.URL)
			if err != nil {
				return err
			}
			m.ImageType, m.ImageData = mimeType, data
		default:
			return fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	m.Content = builder.String()
	return nil
}

// parseDataURI splits "data:<mime>;base64,<payload>".
func parseDataURI(uri string) (mimeType, data string, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", fmt.Errorf("%w: image_url must be a base64 data URI", errInvalidContent)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok || payload == "" {
		return "", "", fmt.Errorf("%w: malformed data URI", errInvalidContent)
	}
	mimeType, ok = strings.CutSuffix(header, ";base64")
	if !ok || !strings.HasPrefix(mimeType, "image/") {
		return "", "", fmt.Errorf("%w: data URI must carry base64 image data", errInvalidContent)
	}
	return mimeType, payload, nil
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Provider string       `json:"provider,omitempty"`
	Choices  []ChatChoice `json:"choices"`
	Usage    *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ResponseMessage is the assistant message of a choice.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromResponse constructs the OpenAI response shape from a provider response.
func FromResponse(id string, createdUnix int64, resp *models.Response) ChatCompletionResponse {
	var usage *OpenAIUsage
	if resp.Usage != nil {
		usage = &OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	return ChatCompletionResponse{
		ID:       id,
		Object:   "chat.completion",
		Created:  createdUnix,
		Model:    resp.Model,
		Provider: resp.Provider,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      ResponseMessage{Role: string(models.RoleAssistant), Content: resp.Content},
				FinishReason: finish,
			},
		},
		Usage: usage,
	}
}
