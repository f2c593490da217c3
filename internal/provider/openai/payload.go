package openai

import (
	"fmt"
	"slices"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/sjson"

	"chat-gateway/internal/models"
)

// thinkingFlag is sent with every chat request; vendors that do not know it ignore it.
const thinkingFlag = "enable_thinking"

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// formatMessages converts history into vendor wire messages. The system
// prompt, when set, comes first; messages carrying an image become a
// two-part content array; roles other than user and assistant are dropped.
func formatMessages(messages []models.Message, systemPrompt string) []chatMessage {
	out := make([]chatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, chatMessage{Role: string(models.RoleSystem), Content: systemPrompt})
	}

	for _, msg := range messages {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}

		if !msg.HasImage() {
			out = append(out, chatMessage{Role: string(msg.Role), Content: msg.Content})
			continue
		}

		out = append(out, chatMessage{
			Role: string(msg.Role),
			Content: []contentPart{
				{
					Type:     "image_url",
					ImageURL: &imageURL{URL: fmt.Sprintf("data:%s;base64,%s", msg.ImageType, msg.ImageData)},
				},
				{
					Type: "text",
					Text: msg.Content,
				},
			},
		})
	}
	return out
}

func (p *Provider) resolveModel(params models.GenerationParams) string {
	return firstNonEmpty(params.Model, p.cfg.Model, p.desc.DefaultModel)
}

func (p *Provider) resolveMaxTokens(params models.GenerationParams) int {
	switch {
	case params.MaxTokens != nil:
		return *params.MaxTokens
	case p.cfg.MaxTokens != nil:
		return *p.cfg.MaxTokens
	default:
		return DefaultMaxTokens
	}
}

func (p *Provider) resolveTemperature(params models.GenerationParams) float64 {
	switch {
	case params.Temperature != nil:
		return *params.Temperature
	case p.cfg.Temperature != nil:
		return *p.cfg.Temperature
	default:
		return DefaultTemperature
	}
}

func (p *Provider) buildChatBody(messages []models.Message, params models.GenerationParams, model string, stream bool) ([]byte, error) {
	payload := chatPayload{
		Model:       model,
		Messages:    formatMessages(messages, params.SystemPrompt),
		MaxTokens:   p.resolveMaxTokens(params),
		Temperature: p.resolveTemperature(params),
		Stream:      stream,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	body, err = sjson.SetBytes(body, thinkingFlag, true)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", thinkingFlag, err)
	}

	keys := make([]string, 0, len(p.cfg.ExtraBody))
	for k := range p.cfg.ExtraBody {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		body, err = sjson.SetBytes(body, escapePath(k), p.cfg.ExtraBody[k])
		if err != nil {
			return nil, fmt.Errorf("merge extra_body field %q: %w", k, err)
		}
	}

	return body, nil
}

var pathEscaper = strings.NewReplacer(
	".", `\.`,
	"*", `\*`,
	"?", `\?`,
	"|", `\|`,
	"#", `\#`,
	"@", `\@`,
)

// escapePath makes a literal object key safe to use as an sjson path.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}
