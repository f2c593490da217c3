package openai

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
	maxSSELine    = 1 << 20
)

// GenerateStream streams a chat completion as SSE fragments tagged
// "reasoning" or "content". The returned sequence may be ranged over once.
func (p *Provider) GenerateStream(ctx context.Context, messages []models.Message, params models.GenerationParams) iter.Seq[string] {
	var consumed atomic.Bool

	return func(yield func(string) bool) {
		if !consumed.CompareAndSwap(false, true) {
			return
		}

		model := p.resolveModel(params)

		body, err := p.openStream(ctx, messages, params, model)
		if err != nil {
			p.logger.Error("stream failed to start", "model", model, "err", err)
			yield(provider.Fragment(provider.FragmentError, p.unavailableMessage(err)))
			return
		}
		defer body.Close()

		if err := p.relay(body, yield); err != nil {
			if ctx.Err() != nil {
				p.logger.Debug("stream cancelled", "model", model, "err", ctx.Err())
				return
			}
			p.logger.Error("stream interrupted", "model", model, "err", err)
			yield(provider.Fragment(provider.FragmentError, p.unavailableMessage(err)))
		}
	}
}

func (p *Provider) openStream(ctx context.Context, messages []models.Message, params models.GenerationParams, model string) (io.ReadCloser, error) {
	if p.client == nil {
		return nil, ErrNotConfigured
	}

	body, err := p.buildChatBody(messages, params, model, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s stream request failed: %w", p.key, err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return httpResp.Body, nil
}

// errStopped signals that the consumer stopped ranging.
var errStopped = errors.New("consumer stopped")

// relay reads SSE lines and forwards deltas. A nil return means the stream
// ended normally or the consumer stopped early.
func (p *Provider) relay(body io.Reader, yield func(string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, sseDataPrefix)
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == sseDone {
			return nil
		}

		if err := forwardChunk(data, yield); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

// forwardChunk emits the reasoning delta, then the content delta, of one
// chunk. Chunks carrying neither emit nothing.
func forwardChunk(data string, yield func(string) bool) error {
	if !gjson.Valid(data) {
		return fmt.Errorf("malformed stream chunk: %.120s", data)
	}

	if msg := gjson.Get(data, "error.message"); msg.Exists() {
		return &APIError{StatusCode: http.StatusOK, Type: gjson.Get(data, "error.type").String(), Message: msg.String()}
	}

	delta := gjson.Get(data, "choices.0.delta")
	if !delta.Exists() {
		return nil
	}

	if reasoning := delta.Get("reasoning_content").String(); reasoning != "" {
		if !yield(provider.Fragment(provider.FragmentReasoning, reasoning)) {
			return errStopped
		}
	}
	if content := delta.Get("content").String(); content != "" {
		if !yield(provider.Fragment(provider.FragmentContent, content)) {
			return errStopped
		}
	}
	return nil
}
