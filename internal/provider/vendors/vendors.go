// Package vendors lists the OpenAI-compatible vendors the gateway ships with.
package vendors

import (
	"net/http"

	"chat-gateway/internal/provider"
	"chat-gateway/internal/provider/openai"
)

// Descriptors returns the built-in vendor table.
func Descriptors() []provider.Descriptor {
	return []provider.Descriptor{
		{
			Identity:     "OpenAIProvider",
			DisplayName:  "OpenAI",
			BaseURL:      "https://api.openai.com/v1",
			DefaultModel: "gpt-4o",
			Models:       []string{"gpt-4o-mini"},
		},
		{
			Identity:     "DeepseekProvider",
			DisplayName:  "DeepSeek",
			BaseURL:      "https://api.deepseek.com/v1",
			DefaultModel: "deepseek-chat",
			Models:       []string{"deepseek-chat", "deepseek-reasoner"},
		},
		{
			Identity:     "DoubaoProvider",
			DisplayName:  "Doubao",
			BaseURL:      "https://ark.cn-beijing.volces.com/api/v3",
			DefaultModel: "doubao-seed-1-6-250615",
			Models:       []string{"doubao-seed-1-6-250615"},
			Images: &provider.ImageProfile{
				Model:     "doubao-seedream-4-0-250828",
				Size:      "1024x1024",
				Watermark: true,
			},
		},
		{
			Identity:     "KimiProvider",
			DisplayName:  "kimi",
			BaseURL:      "https://api.moonshot.cn/v1",
			DefaultModel: "moonshot-v1-8k",
			Models:       []string{"kimi-k2-0711-preview"},
		},
		{
			Identity:     "QianwenProvider",
			DisplayName:  "Qianwen",
			BaseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
			DefaultModel: "qwen-turbo",
			Models:       []string{"qwen-plus"},
		},
	}
}

// Builtins returns a registry source binding every descriptor to the
// OpenAI-compatible adapter over the shared client.
func Builtins(client *http.Client) func() []provider.Entry {
	return func() []provider.Entry {
		descs := Descriptors()
		entries := make([]provider.Entry, 0, len(descs))
		for _, d := range descs {
			entries = append(entries, provider.Entry{
				Descriptor: d,
				New:        openai.Constructor(d, client),
			})
		}
		return entries
	}
}
