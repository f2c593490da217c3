package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	for _, key := range []string{"OPENAI", "DEEPSEEK", "DOUBAO", "KIMI", "QIANWEN"} {
		t.Setenv(key+"_API_KEY", "")
		t.Setenv(key+"_BASE_URL", "")
		t.Setenv(key+"_MODEL", "")
	}
	t.Setenv("DEFAULT_PROVIDER", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProvidersCommand(t *testing.T) {
	isolateEnv(t)
	t.Setenv("KIMI_API_KEY", "sk-test")

	out, err := run(t, "providers")
	require.NoError(t, err)

	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "deepseek")
	assert.Contains(t, out, "doubao-seed-1-6-250615")
	assert.Regexp(t, `kimi\s+kimi\s+moonshot-v1-8k\s+-\s+active \(default\)`, out)
	assert.Regexp(t, `openai\s+OpenAI\s+gpt-4o\s+-\s+not configured`, out)
}

func TestAskCommand(t *testing.T) {
	isolateEnv(t)

	var gotPath string
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"deepseek-chat","choices":[{"index":0,"message":{"role":"assistant","content":"forty-two"},"finish_reason":"stop"}]}`))
	}))
	t.Cleanup(vendor.Close)

	t.Setenv("DEEPSEEK_API_KEY", "sk-test")
	t.Setenv("DEEPSEEK_BASE_URL", vendor.URL)

	out, err := run(t, "ask", "--raw", "--provider", "deepseek", "what", "is", "it?")
	require.NoError(t, err)
	assert.Equal(t, "forty-two\n", out)
	assert.Equal(t, "/chat/completions", gotPath)
}

func TestAskCommand_UnknownRole(t *testing.T) {
	isolateEnv(t)

	_, err := run(t, "ask", "--role", "pirate", "hi")
	assert.ErrorContains(t, err, "unknown role")
}

func TestAskCommand_NoProviders(t *testing.T) {
	isolateEnv(t)

	_, err := run(t, "ask", "hi")
	assert.ErrorContains(t, err, "no provider available")
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o600))

	_, err := run(t, "serve", "--config", path)
	assert.ErrorContains(t, err, "server.port")

	_, err = run(t, "serve", "--port", "-1")
	assert.Error(t, err)
}
