// Package chat runs conversation turns: it applies personas, persists turns
// in order and turns provider output into replies or SSE fragments.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"chat-gateway/internal/config"
	"chat-gateway/internal/conversation"
	"chat-gateway/internal/logging"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

var (
	// ErrUnknownRole is returned for a persona that is not configured.
	ErrUnknownRole = errors.New("unknown role")
	// ErrEmptyMessage is returned for a turn with neither text nor image.
	ErrEmptyMessage = errors.New("message is empty")
)

// Generator is the routing surface the service depends on.
type Generator interface {
	GenerateWithFallback(ctx context.Context, messages []models.Message, preferred string, params models.GenerationParams) (*models.Response, error)
	GenerateStream(ctx context.Context, messages []models.Message, providerName, model string, params models.GenerationParams) (iter.Seq[string], error)
}

// Role is a selectable persona.
type Role struct {
	ID     string `json:"key"`
	Name   string `json:"name"`
	Prompt string `json:"description"`
}

// Request describes one user turn.
type Request struct {
	UserID    string
	SessionID string
	Message   string
	Role      string
	Provider  string
	Model     string
	Image     *Image
}

// Reply is the outcome of a non-streaming turn.
type Reply struct {
	SessionID string        `json:"session_id"`
	Message   string        `json:"message"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Timestamp float64       `json:"timestamp"`
	Usage     *models.Usage `json:"usage,omitempty"`
}

// StartedSession is returned by StartSession.
type StartedSession struct {
	SessionID      string `json:"session_id"`
	WelcomeMessage string `json:"welcome_message"`
}

// Service coordinates the store and the provider manager.
type Service struct {
	gen   Generator
	store conversation.Store

	roles       []Role
	rolesByID   map[string]Role
	defaultRole string
	welcome     string
	maxHistory  int
	maxImage    int64

	logger *slog.Logger
}

// NewService builds a service from the chat configuration.
func NewService(gen Generator, store conversation.Store, cfg config.ChatConfig) *Service {
	s := &Service{
		gen:         gen,
		store:       store,
		rolesByID:   make(map[string]Role, len(cfg.Roles)),
		defaultRole: cfg.DefaultRole,
		welcome:     cfg.WelcomeMessage,
		maxHistory:  cfg.MaxHistoryMessages,
		maxImage:    cfg.MaxImageBytes,
		logger:      slog.Default().With("component", "chat"),
	}
	if s.maxImage <= 0 {
		s.maxImage = 10 << 20
	}
	for _, rc := range cfg.Roles {
		role := Role{ID: rc.ID, Name: rc.Name, Prompt: rc.Prompt}
		s.roles = append(s.roles, role)
		s.rolesByID[role.ID] = role
	}
	return s
}

// Roles lists the configured personas in configuration order.
func (s *Service) Roles() []Role {
	out := make([]Role, len(s.roles))
	copy(out, s.roles)
	return out
}

func (s *Service) role(id string) (Role, error) {
	if id == "" {
		id = s.defaultRole
	}
	role, ok := s.rolesByID[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrUnknownRole, id)
	}
	return role, nil
}

// StartSession creates a session and stores the welcome message as its
// first assistant turn.
func (s *Service) StartSession(ctx context.Context, userID string) (*StartedSession, error) {
	sessionID := uuid.NewString()
	welcome := models.NewMessage(models.RoleAssistant, s.welcome)

	if err := s.store.Append(ctx, userID, sessionID, welcome); err != nil {
		return nil, fmt.Errorf("store welcome message: %w", err)
	}

	s.logger.Info("session started", "user", logging.ShortID(userID), "session", logging.ShortID(sessionID))
	return &StartedSession{SessionID: sessionID, WelcomeMessage: welcome.Content}, nil
}

// prepare validates req, persists the user turn and returns the persona and
// the history window sent upstream.
func (s *Service) prepare(ctx context.Context, req *Request) (Role, []models.Message, error) {
	role, err := s.role(req.Role)
	if err != nil {
		return Role{}, nil, err
	}
	if strings.TrimSpace(req.Message) == "" && req.Image == nil {
		return Role{}, nil, ErrEmptyMessage
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	turn := models.NewMessage(models.RoleUser, req.Message)
	if req.Image != nil {
		turn = turn.WithImage(req.Image.Data, req.Image.MIMEType)
	}
	if err := s.store.Append(ctx, req.UserID, req.SessionID, turn); err != nil {
		return Role{}, nil, fmt.Errorf("store user message: %w", err)
	}

	history, err := s.store.History(ctx, req.UserID, req.SessionID)
	if err != nil {
		return Role{}, nil, fmt.Errorf("load history: %w", err)
	}
	return role, s.window(history), nil
}

// window keeps the most recent user and assistant turns.
func (s *Service) window(history []models.Message) []models.Message {
	turns := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleUser || msg.Role == models.RoleAssistant {
			turns = append(turns, msg)
		}
	}
	if s.maxHistory > 0 && len(turns) > s.maxHistory {
		turns = turns[len(turns)-s.maxHistory:]
	}
	return turns
}

// Send runs a non-streaming turn through fallback routing.
func (s *Service) Send(ctx context.Context, req Request) (*Reply, error) {
	role, window, err := s.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}

	resp, err := s.gen.GenerateWithFallback(ctx, window, req.Provider, models.GenerationParams{
		Model:        req.Model,
		SystemPrompt: role.Prompt,
	})
	if err != nil {
		return nil, err
	}

	answer := models.NewMessage(models.RoleAssistant, resp.Content)
	if err := s.store.Append(ctx, req.UserID, req.SessionID, answer); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	s.logger.Info("turn completed",
		"user", logging.ShortID(req.UserID),
		"session", logging.ShortID(req.SessionID),
		"provider", resp.Provider,
	)

	return &Reply{
		SessionID: req.SessionID,
		Message:   resp.Content,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Timestamp: answer.Timestamp,
		Usage:     resp.Usage,
	}, nil
}

// Stream runs a streaming turn. Validation and persistence failures are
// returned before any fragment is produced. Afterwards every failure is
// reported as an error fragment. Content fragments are accumulated into the
// stored assistant turn and the sequence ends with an end fragment carrying
// the session id.
func (s *Service) Stream(ctx context.Context, req Request) (iter.Seq[string], error) {
	role, window, err := s.prepare(ctx, &req)
	if err != nil {
		return nil, err
	}

	upstream, err := s.gen.GenerateStream(ctx, window, req.Provider, req.Model, models.GenerationParams{
		SystemPrompt: role.Prompt,
	})

	return func(yield func(string) bool) {
		if err != nil {
			s.logger.Warn("stream unavailable", "session", logging.ShortID(req.SessionID), "error", err)
			if yield(provider.Fragment(provider.FragmentError, "Sorry, the service hit an error: "+err.Error())) {
				yield(endFragment(req.SessionID))
			}
			return
		}

		var answer strings.Builder
		stopped := false
		for fragment := range upstream {
			if kind, content, ok := provider.ParseFragment(fragment); ok && kind == provider.FragmentContent {
				answer.WriteString(content)
			}
			if !yield(fragment) {
				stopped = true
				break
			}
		}

		if answer.Len() > 0 {
			msg := models.NewMessage(models.RoleAssistant, answer.String())
			// The client may already be gone; the partial answer is still kept.
			if err := s.store.Append(context.WithoutCancel(ctx), req.UserID, req.SessionID, msg); err != nil {
				s.logger.Error("store assistant message failed", "session", logging.ShortID(req.SessionID), "error", err)
				if !stopped {
					yield(provider.Fragment(provider.FragmentError, "Sorry, the service hit an error: "+err.Error()))
				}
				return
			}
		}
		if stopped {
			return
		}

		yield(endFragment(req.SessionID))
	}, nil
}

func endFragment(sessionID string) string {
	payload, err := sjson.SetBytes([]byte(`{"type":"end"}`), "session_id", sessionID)
	if err != nil {
		return provider.Fragment(provider.FragmentEnd, "")
	}
	return provider.RawFragment(payload)
}

// History returns every stored turn of a session, oldest first.
func (s *Service) History(ctx context.Context, userID, sessionID string) ([]models.Message, error) {
	return s.store.History(ctx, userID, sessionID)
}

// Sessions lists a user's sessions, most recent first.
func (s *Service) Sessions(ctx context.Context, userID string) ([]conversation.Session, error) {
	return s.store.Sessions(ctx, userID)
}

// DeleteSession removes a session and its summary.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := s.store.Delete(ctx, userID, sessionID); err != nil {
		return err
	}
	s.logger.Info("session deleted", "user", logging.ShortID(userID), "session", logging.ShortID(sessionID))
	return nil
}
