package models

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FinishReasonError marks a Response produced from a failed call.
const FinishReasonError = "error"

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role      Role    `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
	ImageData string  `json:"image_data,omitempty"`
	ImageType string  `json:"image_type,omitempty"`
}

// NewMessage stamps a message with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: Now(),
	}
}

// WithImage returns a copy of the message carrying a base64 image payload.
func (m Message) WithImage(data, mimeType string) Message {
	m.ImageData = data
	m.ImageType = mimeType
	return m
}

// HasImage reports whether the message carries image data.
func (m Message) HasImage() bool {
	return m.ImageData != ""
}

// Now returns the current time as fractional seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// GenerationParams carries per-call overrides. Zero values mean "not set".
type GenerationParams struct {
	Model        string
	MaxTokens    *int
	Temperature  *float64
	SystemPrompt string
	Stream       bool
}

// Response captures a provider response in the unified schema.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Err holds the failure behind an error response.
	Err error `json:"-"`
}

// IsError reports whether the response represents a failed call.
func (r *Response) IsError() bool {
	return r == nil || r.FinishReason == FinishReasonError
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ImageGenerationRequest describes a text-to-image or image-to-image call.
type ImageGenerationRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Image          string `json:"image,omitempty"`
	Watermark      *bool  `json:"watermark,omitempty"`
}

// ImageData is a single generated image.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageGenerationResponse lists generated images.
type ImageGenerationResponse struct {
	Created  int64       `json:"created"`
	Data     []ImageData `json:"data"`
	Model    string      `json:"model"`
	Provider string      `json:"provider"`
	Usage    *ImageUsage `json:"usage,omitempty"`
}

// ImageUsage reports how many images were billed.
type ImageUsage struct {
	GeneratedImages int `json:"generated_images"`
	OutputTokens    int `json:"output_tokens,omitempty"`
	TotalTokens     int `json:"total_tokens,omitempty"`
}
