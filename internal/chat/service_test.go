package chat

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"chat-gateway/internal/config"
	"chat-gateway/internal/conversation"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

type fakeGenerator struct {
	store conversation.Store

	reply     *models.Response
	err       error
	fragments []string

	gotMessages  []models.Message
	gotParams    models.GenerationParams
	gotProvider  string
	gotModel     string
	storedAtCall []models.Message
}

func (f *fakeGenerator) snapshot(ctx context.Context, messages []models.Message) {
	f.gotMessages = messages
	if f.store != nil {
		f.storedAtCall, _ = f.store.History(ctx, "user-1", "sess-1")
	}
}

func (f *fakeGenerator) GenerateWithFallback(ctx context.Context, messages []models.Message, preferred string, params models.GenerationParams) (*models.Response, error) {
	f.snapshot(ctx, messages)
	f.gotProvider = preferred
	f.gotParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, messages []models.Message, providerName, model string, params models.GenerationParams) (iter.Seq[string], error) {
	f.snapshot(ctx, messages)
	f.gotProvider = providerName
	f.gotModel = model
	f.gotParams = params
	if f.err != nil {
		return nil, f.err
	}
	return func(yield func(string) bool) {
		for _, frag := range f.fragments {
			if !yield(frag) {
				return
			}
		}
	}, nil
}

func newService(t *testing.T, gen *fakeGenerator, tweak ...func(*config.ChatConfig)) (*Service, conversation.Store) {
	t.Helper()
	store, err := conversation.NewMemoryStore(conversation.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gen.store = store
	cfg := config.Default().Chat
	for _, fn := range tweak {
		fn(&cfg)
	}
	return NewService(gen, store, cfg), store
}

func collect(seq iter.Seq[string]) []string {
	var out []string
	for f := range seq {
		out = append(out, f)
	}
	return out
}

func TestRoles(t *testing.T) {
	svc, _ := newService(t, &fakeGenerator{})
	roles := svc.Roles()
	require.Len(t, roles, 3)
	assert.Equal(t, "assistant", roles[0].ID)
	assert.Equal(t, "programmer", roles[2].ID)
}

func TestStartSession(t *testing.T) {
	svc, store := newService(t, &fakeGenerator{})

	started, err := svc.StartSession(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, started.SessionID, 36)

	history, err := store.History(context.Background(), "user-1", started.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleAssistant, history[0].Role)
	assert.Equal(t, started.WelcomeMessage, history[0].Content)
}

func TestSend(t *testing.T) {
	gen := &fakeGenerator{reply: &models.Response{Content: "pong", Provider: "deepseek", Model: "deepseek-chat"}}
	svc, store := newService(t, gen)

	reply, err := svc.Send(context.Background(), Request{
		UserID:    "user-1",
		SessionID: "sess-1",
		Message:   "ping",
		Role:      "teacher",
		Provider:  "kimi",
		Model:     "moonshot-v1-8k",
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Message)
	assert.Equal(t, "deepseek", reply.Provider)
	assert.Equal(t, "sess-1", reply.SessionID)

	assert.Equal(t, "kimi", gen.gotProvider)
	assert.Equal(t, "moonshot-v1-8k", gen.gotParams.Model)
	assert.Contains(t, gen.gotParams.SystemPrompt, "teacher")

	history, err := store.History(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ping", history[0].Content)
	assert.Equal(t, "pong", history[1].Content)
}

func TestSend_Validation(t *testing.T) {
	svc, _ := newService(t, &fakeGenerator{})

	_, err := svc.Send(context.Background(), Request{UserID: "u", Message: "hi", Role: "pirate"})
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = svc.Send(context.Background(), Request{UserID: "u", Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSend_GeneratesSessionID(t *testing.T) {
	gen := &fakeGenerator{reply: &models.Response{Content: "ok"}}
	svc, _ := newService(t, gen)

	reply, err := svc.Send(context.Background(), Request{UserID: "u", Message: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.SessionID)
}

func TestSend_GeneratorErrorKeepsUserTurn(t *testing.T) {
	boom := errors.New("exhausted")
	gen := &fakeGenerator{err: boom}
	svc, store := newService(t, gen)

	_, err := svc.Send(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Message: "hi"})
	assert.ErrorIs(t, err, boom)

	history, err := store.History(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleUser, history[0].Role)
}

func TestHistoryWindow(t *testing.T) {
	gen := &fakeGenerator{reply: &models.Response{Content: "ok"}}
	svc, store := newService(t, gen, func(c *config.ChatConfig) { c.MaxHistoryMessages = 3 })
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, store.Append(ctx, "user-1", "sess-1", models.NewMessage(models.RoleUser, content)))
	}
	require.NoError(t, store.Append(ctx, "user-1", "sess-1", models.NewMessage(models.RoleSystem, "ignored")))

	_, err := svc.Send(ctx, Request{UserID: "user-1", SessionID: "sess-1", Message: "five"})
	require.NoError(t, err)

	require.Len(t, gen.gotMessages, 3)
	assert.Equal(t, "three", gen.gotMessages[0].Content)
	assert.Equal(t, "five", gen.gotMessages[2].Content)
}

func TestStream_PersistsInOrder(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{
		provider.Fragment(provider.FragmentReasoning, "thinking"),
		provider.Fragment(provider.FragmentContent, "Hel"),
		provider.Fragment(provider.FragmentContent, "lo"),
	}}
	svc, store := newService(t, gen)
	ctx := context.Background()

	seq, err := svc.Stream(ctx, Request{UserID: "user-1", SessionID: "sess-1", Message: "hi", Provider: "doubao", Model: "m"})
	require.NoError(t, err)

	require.Len(t, gen.storedAtCall, 1, "user turn is stored before the manager is called")
	assert.Equal(t, "hi", gen.storedAtCall[0].Content)
	assert.Equal(t, "doubao", gen.gotProvider)
	assert.Equal(t, "m", gen.gotModel)

	frags := collect(seq)
	require.Len(t, frags, 4)
	assert.Equal(t, gen.fragments, frags[:3])

	kind, _, ok := provider.ParseFragment(frags[3])
	require.True(t, ok)
	assert.Equal(t, provider.FragmentEnd, kind)
	assert.Equal(t, "sess-1", gjson.Get(strings.TrimSuffix(strings.TrimPrefix(frags[3], "data: "), "\n\n"), "session_id").String())

	history, err := store.History(ctx, "user-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Hello", history[1].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
}

func TestStream_ErrorFragmentsNotStored(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{provider.Fragment(provider.FragmentError, "vendor down")}}
	svc, store := newService(t, gen)

	seq, err := svc.Stream(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Message: "hi"})
	require.NoError(t, err)

	frags := collect(seq)
	require.Len(t, frags, 2)
	kind, content, _ := provider.ParseFragment(frags[0])
	assert.Equal(t, provider.FragmentError, kind)
	assert.Equal(t, "vendor down", content)

	history, err := store.History(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStream_ManagerErrorBecomesFragment(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("no provider available")}
	svc, _ := newService(t, gen)

	seq, err := svc.Stream(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Message: "hi"})
	require.NoError(t, err)

	frags := collect(seq)
	require.Len(t, frags, 2)
	kind, content, _ := provider.ParseFragment(frags[0])
	assert.Equal(t, provider.FragmentError, kind)
	assert.Contains(t, content, "no provider available")
	assert.JSONEq(t, `{"type":"end","session_id":"sess-1"}`, strings.TrimSuffix(strings.TrimPrefix(frags[1], "data: "), "\n\n"))

	history, err := svc.History(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 1, "only the user turn is stored")
}

func TestStream_ConsumerStopKeepsPartialAnswer(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{
		provider.Fragment(provider.FragmentContent, "partial"),
		provider.Fragment(provider.FragmentContent, " never"),
	}}
	svc, store := newService(t, gen)

	seq, err := svc.Stream(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Message: "hi"})
	require.NoError(t, err)

	for range seq {
		break
	}

	history, err := store.History(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "partial", history[1].Content)
}

func TestStream_ValidationBeforePersist(t *testing.T) {
	gen := &fakeGenerator{}
	svc, store := newService(t, gen)

	_, err := svc.Stream(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Message: "hi", Role: "nope"})
	assert.ErrorIs(t, err, ErrUnknownRole)

	history, err := store.History(context.Background(), "user-1", "sess-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeleteSession(t *testing.T) {
	svc, _ := newService(t, &fakeGenerator{})
	ctx := context.Background()

	started, err := svc.StartSession(ctx, "u")
	require.NoError(t, err)

	sessions, err := svc.Sessions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, svc.DeleteSession(ctx, "u", started.SessionID))
	assert.ErrorIs(t, svc.DeleteSession(ctx, "u", started.SessionID), conversation.ErrSessionNotFound)
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestDecodeImage(t *testing.T) {
	svc, _ := newService(t, &fakeGenerator{}, func(c *config.ChatConfig) { c.MaxImageBytes = 64 })

	img, err := svc.DecodeImage(pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.NotEmpty(t, img.Data)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"too large", append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, 64)...)},
		{"text", []byte("just some text")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.DecodeImage(tt.raw)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestReadImage_LimitsReads(t *testing.T) {
	svc, _ := newService(t, &fakeGenerator{}, func(c *config.ChatConfig) { c.MaxImageBytes = 32 })

	_, err := svc.ReadImage(bytes.NewReader(append(append([]byte{}, pngHeader...), make([]byte, 1024)...)))
	assert.ErrorIs(t, err, ErrInvalidImage)

	img, err := svc.ReadImage(bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)
}

func TestSend_AttachesImage(t *testing.T) {
	gen := &fakeGenerator{reply: &models.Response{Content: "a cat"}}
	svc, _ := newService(t, gen)

	img, err := svc.DecodeImage(pngHeader)
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), Request{UserID: "user-1", SessionID: "sess-1", Image: img})
	require.NoError(t, err)

	require.Len(t, gen.gotMessages, 1)
	assert.True(t, gen.gotMessages[0].HasImage())
	assert.Equal(t, "image/png", gen.gotMessages[0].ImageType)
}
