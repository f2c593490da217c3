package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

func testDescriptor(baseURL string) provider.Descriptor {
	return provider.Descriptor{
		Identity:     "DeepseekProvider",
		DisplayName:  "DeepSeek",
		BaseURL:      baseURL,
		DefaultModel: "deepseek-chat",
		Models:       []string{"deepseek-chat", "deepseek-reasoner"},
	}
}

func newTestProvider(t *testing.T, handler http.HandlerFunc, cfg config.ProviderConfig) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New("deepseek", testDescriptor(srv.URL), cfg, srv.Client())
	require.NoError(t, err)
	return p, srv
}

func ptr[T any](v T) *T { return &v }

func TestNew_MissingKeyIsSoftFailure(t *testing.T) {
	p, err := New("deepseek", testDescriptor("https://api.example.test/v1"), config.ProviderConfig{}, http.DefaultClient)
	require.NoError(t, err)
	assert.False(t, p.ValidateConfig())

	resp := p.Generate(context.Background(), []models.Message{models.NewMessage(models.RoleUser, "hi")}, models.GenerationParams{})
	assert.Equal(t, models.FinishReasonError, resp.FinishReason)
	assert.Equal(t, "deepseek", resp.Provider)
	assert.ErrorIs(t, resp.Err, ErrNotConfigured)

	var fragments []string
	for f := range p.GenerateStream(context.Background(), nil, models.GenerationParams{}) {
		fragments = append(fragments, f)
	}
	require.Len(t, fragments, 1)
	kind, _, ok := provider.ParseFragment(fragments[0])
	require.True(t, ok)
	assert.Equal(t, provider.FragmentError, kind)
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New("deepseek", testDescriptor("https://api.example.test/v1"), config.ProviderConfig{APIKey: "k"}, nil)
	assert.Error(t, err)
}

func TestFormatMessages(t *testing.T) {
	history := []models.Message{
		models.Message{Role: models.RoleUser, Content: "describe this"}.WithImage("QUJD", "image/png"),
		{Role: models.RoleAssistant, Content: "a cat"},
		{Role: models.RoleSystem, Content: "stray system"},
		{Role: "tool", Content: "ignored"},
		{Role: models.RoleUser, Content: "thanks"},
	}

	out := formatMessages(history, "be brief")
	require.Len(t, out, 4)

	assert.Equal(t, chatMessage{Role: "system", Content: "be brief"}, out[0])

	parts, ok := out[1].Content.([]contentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[0].Type)
	assert.Equal(t, "data:image/png;base64,QUJD", parts[0].ImageURL.URL)
	assert.Equal(t, contentPart{Type: "text", Text: "describe this"}, parts[1])

	assert.Equal(t, chatMessage{Role: "assistant", Content: "a cat"}, out[2])
	assert.Equal(t, chatMessage{Role: "user", Content: "thanks"}, out[3])

	assert.Empty(t, formatMessages(nil, ""))
}

func TestBuildChatBody_ParameterResolution(t *testing.T) {
	tests := []struct {
		name            string
		cfg             config.ProviderConfig
		params          models.GenerationParams
		wantModel       string
		wantMaxTokens   int64
		wantTemperature float64
	}{
		{
			name:            "adapter defaults",
			cfg:             config.ProviderConfig{APIKey: "k"},
			wantModel:       "deepseek-chat",
			wantMaxTokens:   DefaultMaxTokens,
			wantTemperature: DefaultTemperature,
		},
		{
			name:            "provider configuration",
			cfg:             config.ProviderConfig{APIKey: "k", Model: "deepseek-reasoner", MaxTokens: ptr(2000), Temperature: ptr(0.2)},
			wantModel:       "deepseek-reasoner",
			wantMaxTokens:   2000,
			wantTemperature: 0.2,
		},
		{
			name:            "call values win",
			cfg:             config.ProviderConfig{APIKey: "k", Model: "deepseek-reasoner", MaxTokens: ptr(2000), Temperature: ptr(0.2)},
			params:          models.GenerationParams{Model: "custom", MaxTokens: ptr(50), Temperature: ptr(0.0)},
			wantModel:       "custom",
			wantMaxTokens:   50,
			wantTemperature: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("deepseek", testDescriptor("https://api.example.test/v1"), tt.cfg, http.DefaultClient)
			require.NoError(t, err)

			body, err := p.buildChatBody(nil, tt.params, p.resolveModel(tt.params), false)
			require.NoError(t, err)

			assert.Equal(t, tt.wantModel, gjson.GetBytes(body, "model").String())
			assert.Equal(t, tt.wantMaxTokens, gjson.GetBytes(body, "max_tokens").Int())
			assert.InDelta(t, tt.wantTemperature, gjson.GetBytes(body, "temperature").Float(), 1e-9)
			assert.True(t, gjson.GetBytes(body, "enable_thinking").Bool())
			assert.False(t, gjson.GetBytes(body, "stream").Exists())
		})
	}
}

func TestBuildChatBody_ExtraBody(t *testing.T) {
	p, err := New("deepseek", testDescriptor("https://api.example.test/v1"), config.ProviderConfig{
		APIKey:    "k",
		ExtraBody: map[string]any{"top_p": 0.9, "response.format": "text"},
	}, http.DefaultClient)
	require.NoError(t, err)

	body, err := p.buildChatBody(nil, models.GenerationParams{}, "m", true)
	require.NoError(t, err)

	assert.InDelta(t, 0.9, gjson.GetBytes(body, "top_p").Float(), 1e-9)
	assert.Equal(t, "text", gjson.GetBytes(body, `response\.format`).String())
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
}

func TestGenerate_Success(t *testing.T) {
	var gotBody []byte
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","model":"deepseek-chat","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}, config.ProviderConfig{APIKey: "secret"})

	resp := p.Generate(context.Background(), []models.Message{models.NewMessage(models.RoleUser, "hi")}, models.GenerationParams{SystemPrompt: "sys"})

	require.False(t, resp.IsError())
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "deepseek-chat", resp.Model)
	assert.Equal(t, "deepseek", resp.Provider)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, resp.Usage)

	assert.Equal(t, "system", gjson.GetBytes(gotBody, "messages.0.role").String())
	assert.Equal(t, "hi", gjson.GetBytes(gotBody, "messages.1.content").String())
}

func TestGenerate_MissingUsageIsZero(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}, config.ProviderConfig{APIKey: "k"})

	resp := p.Generate(context.Background(), nil, models.GenerationParams{})
	require.False(t, resp.IsError())
	assert.Equal(t, &models.Usage{}, resp.Usage)
	assert.Equal(t, "deepseek-chat", resp.Model)
}

func TestGenerate_FailuresBecomeErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "vendor error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error":{"message":"bad key","type":"auth"}}`)
			},
			want: "bad key",
		},
		{
			name: "plain error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprint(w, "upstream down")
			},
			want: "upstream down",
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":[]}`)
			},
			want: "did not include choices",
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"choices":`)
			},
			want: "decode provider response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, tt.handler, config.ProviderConfig{APIKey: "k"})

			resp := p.Generate(context.Background(), nil, models.GenerationParams{Model: "m"})
			require.NotNil(t, resp)
			assert.Equal(t, models.FinishReasonError, resp.FinishReason)
			assert.Equal(t, "deepseek", resp.Provider)
			assert.Equal(t, "m", resp.Model)
			assert.True(t, strings.HasPrefix(resp.Content, "Sorry, DeepSeek is temporarily unavailable: "))
			assert.Contains(t, resp.Content, tt.want)
			assert.Error(t, resp.Err)
		})
	}
}

func TestGenerate_TransportFailure(t *testing.T) {
	p, srv := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {}, config.ProviderConfig{APIKey: "k"})
	srv.Close()

	resp := p.Generate(context.Background(), nil, models.GenerationParams{})
	assert.Equal(t, models.FinishReasonError, resp.FinishReason)
	assert.Equal(t, "deepseek", resp.Provider)
}

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}
}

func collect(seq func(func(string) bool)) []string {
	var out []string
	for f := range seq {
		out = append(out, f)
	}
	return out
}

func TestGenerateStream_TagsReasoningAndContent(t *testing.T) {
	var gotBody []byte
	handler := sseHandler(
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"reasoning_content":"let me think"}}]}`,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"reasoning_content":"ok","content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"after done"}}]}`,
	)
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		handler(w, r)
	}, config.ProviderConfig{APIKey: "k"})

	got := collect(p.GenerateStream(context.Background(), []models.Message{models.NewMessage(models.RoleUser, "hi")}, models.GenerationParams{}))

	assert.Equal(t, []string{
		provider.Fragment(provider.FragmentReasoning, "let me think"),
		provider.Fragment(provider.FragmentReasoning, "ok"),
		provider.Fragment(provider.FragmentContent, "Hel"),
		provider.Fragment(provider.FragmentContent, "lo"),
	}, got)
	assert.True(t, gjson.GetBytes(gotBody, "stream").Bool())
	assert.True(t, gjson.GetBytes(gotBody, "enable_thinking").Bool())
}

func TestGenerateStream_SingleUse(t *testing.T) {
	p, _ := newTestProvider(t, sseHandler(`data: {"choices":[{"delta":{"content":"x"}}]}`), config.ProviderConfig{APIKey: "k"})

	seq := p.GenerateStream(context.Background(), nil, models.GenerationParams{})
	assert.Len(t, collect(seq), 1)
	assert.Empty(t, collect(seq))
}

func TestGenerateStream_ErrorsYieldOneFragment(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		prefix  int
	}{
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
			},
		},
		{
			name:    "error chunk mid stream",
			handler: sseHandler(`data: {"choices":[{"delta":{"content":"a"}}]}`, `data: {"error":{"message":"overloaded"}}`),
			prefix:  1,
		},
		{
			name:    "malformed chunk",
			handler: sseHandler(`data: {not json`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, tt.handler, config.ProviderConfig{APIKey: "k"})

			got := collect(p.GenerateStream(context.Background(), nil, models.GenerationParams{}))
			require.Len(t, got, tt.prefix+1)

			errIndex := slices.IndexFunc(got, func(f string) bool {
				kind, _, _ := provider.ParseFragment(f)
				return kind == provider.FragmentError
			})
			assert.Equal(t, tt.prefix, errIndex, "error fragment is last")

			_, content, _ := provider.ParseFragment(got[tt.prefix])
			assert.True(t, strings.HasPrefix(content, "Sorry, DeepSeek is temporarily unavailable"))
		})
	}
}

func TestGenerateStream_ConsumerStops(t *testing.T) {
	p, _ := newTestProvider(t, sseHandler(
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
	), config.ProviderConfig{APIKey: "k"})

	var got []string
	for f := range p.GenerateStream(context.Background(), nil, models.GenerationParams{}) {
		got = append(got, f)
		break
	}
	assert.Len(t, got, 1)
}

func TestGenerateImage_Unsupported(t *testing.T) {
	p, err := New("deepseek", testDescriptor("https://api.example.test/v1"), config.ProviderConfig{APIKey: "k"}, http.DefaultClient)
	require.NoError(t, err)

	_, err = p.GenerateImage(context.Background(), models.ImageGenerationRequest{Prompt: "cat"})
	assert.ErrorIs(t, err, provider.ErrUnsupportedOperation)
}

func newImageProvider(t *testing.T, handler http.HandlerFunc, cfg config.ProviderConfig) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	desc := provider.Descriptor{
		Identity:     "DoubaoProvider",
		DisplayName:  "Doubao",
		BaseURL:      srv.URL,
		DefaultModel: "doubao-seed-1-6-250615",
		Images:       &provider.ImageProfile{Model: "doubao-seedream-4-0-250828", Size: "1024x1024", Watermark: true},
	}
	p, err := New("doubao", desc, cfg, srv.Client())
	require.NoError(t, err)
	return p
}

func TestGenerateImage_TextToImage(t *testing.T) {
	var gotBody []byte
	p := newImageProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"created":1700000000,"model":"doubao-seedream-4-0-250828","data":[{"url":"https://img.test/1.png"}],"usage":{"generated_images":1,"output_tokens":16,"total_tokens":16}}`)
	}, config.ProviderConfig{APIKey: "k"})

	resp, err := p.GenerateImage(context.Background(), models.ImageGenerationRequest{Prompt: " a red fox "})
	require.NoError(t, err)

	assert.Equal(t, "a red fox", gjson.GetBytes(gotBody, "prompt").String())
	assert.Equal(t, "doubao-seedream-4-0-250828", gjson.GetBytes(gotBody, "model").String())
	assert.Equal(t, "1024x1024", gjson.GetBytes(gotBody, "size").String())
	assert.Equal(t, "url", gjson.GetBytes(gotBody, "response_format").String())
	assert.True(t, gjson.GetBytes(gotBody, "watermark").Bool())
	assert.False(t, gjson.GetBytes(gotBody, "image").Exists())

	assert.Equal(t, int64(1700000000), resp.Created)
	assert.Equal(t, "doubao", resp.Provider)
	assert.Equal(t, []models.ImageData{{URL: "https://img.test/1.png"}}, resp.Data)
	assert.Equal(t, &models.ImageUsage{GeneratedImages: 1, OutputTokens: 16, TotalTokens: 16}, resp.Usage)
}

func TestGenerateImage_ImageToImage(t *testing.T) {
	var gotBody []byte
	p := newImageProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"created":1,"data":[{"b64_json":"QUJD"}]}`)
	}, config.ProviderConfig{APIKey: "k", Watermark: ptr(true)})

	resp, err := p.GenerateImage(context.Background(), models.ImageGenerationRequest{
		Prompt:         "make it blue",
		Image:          "https://img.test/source.png",
		ResponseFormat: "base64",
		Size:           "2K",
		Watermark:      ptr(false),
	})
	require.NoError(t, err)

	assert.Equal(t, "https://img.test/source.png", gjson.GetBytes(gotBody, "image").String())
	assert.Equal(t, "b64_json", gjson.GetBytes(gotBody, "response_format").String())
	assert.Equal(t, "2K", gjson.GetBytes(gotBody, "size").String())
	assert.False(t, gjson.GetBytes(gotBody, "watermark").Bool())
	assert.Equal(t, []models.ImageData{{B64JSON: "QUJD"}}, resp.Data)
	assert.Nil(t, resp.Usage)
}

func TestGenerateImage_EmptyData(t *testing.T) {
	p := newImageProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"created":5,"data":null}`)
	}, config.ProviderConfig{APIKey: "k"})

	resp, err := p.GenerateImage(context.Background(), models.ImageGenerationRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
	assert.Equal(t, "doubao-seedream-4-0-250828", resp.Model)
}

func TestGenerateImage_Validation(t *testing.T) {
	p := newImageProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, config.ProviderConfig{APIKey: "k"})

	_, err := p.GenerateImage(context.Background(), models.ImageGenerationRequest{Prompt: "  "})
	assert.ErrorIs(t, err, ErrInvalidImageRequest)

	_, err = p.GenerateImage(context.Background(), models.ImageGenerationRequest{Prompt: "x", ResponseFormat: "gif"})
	assert.ErrorIs(t, err, ErrInvalidImageRequest)
}

func TestGenerateImage_VendorError(t *testing.T) {
	p := newImageProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"prompt rejected","type":"InvalidParameter"}}`)
	}, config.ProviderConfig{APIKey: "k"})

	_, err := p.GenerateImage(context.Background(), models.ImageGenerationRequest{Prompt: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "prompt rejected", apiErr.Message)
}

func TestListModelsReturnsCopy(t *testing.T) {
	p, err := New("deepseek", testDescriptor("https://api.example.test/v1"), config.ProviderConfig{APIKey: "k"}, http.DefaultClient)
	require.NoError(t, err)

	list := p.ListModels()
	list[0] = "mutated"
	assert.Equal(t, []string{"deepseek-chat", "deepseek-reasoner"}, p.ListModels())
	assert.True(t, p.ValidateConfig())
}
