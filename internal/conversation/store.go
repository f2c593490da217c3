// Package conversation persists chat turns per user session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
)

// ErrSessionNotFound is returned when deleting a session that holds no data.
var ErrSessionNotFound = errors.New("session not found")

// TimeLayout formats session timestamps for listings.
const TimeLayout = "2006-01-02 15:04:05"

// Session summarises the latest activity of one conversation.
type Session struct {
	ID            string  `json:"session_id"`
	LastMessage   string  `json:"last_message"`
	LastTimestamp float64 `json:"last_timestamp"`
}

// LastTime renders LastTimestamp in local time.
func (s Session) LastTime() string {
	sec := int64(s.LastTimestamp)
	nsec := int64((s.LastTimestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).Format(TimeLayout)
}

// Store keeps conversation history and the per-user session index.
//
// Append refreshes both the conversation TTL and the session index TTL.
// History returns messages oldest first; an unknown session yields an empty
// slice. Sessions are ordered by most recent activity.
type Store interface {
	Append(ctx context.Context, userID, sessionID string, msg models.Message) error
	History(ctx context.Context, userID, sessionID string) ([]models.Message, error)
	Sessions(ctx context.Context, userID string) ([]Session, error)
	Delete(ctx context.Context, userID, sessionID string) error
	Close() error
}

// Options tune expiry and previews for every backend.
type Options struct {
	ConversationTTL time.Duration
	SessionTTL      time.Duration
	PreviewLength   int
	SweepSchedule   string
}

func (o Options) withDefaults() Options {
	if o.ConversationTTL <= 0 {
		o.ConversationTTL = 7 * 24 * time.Hour
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 30 * 24 * time.Hour
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = 50
	}
	return o
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig, previewLength int) (Store, error) {
	opts := Options{
		ConversationTTL: cfg.ConversationTTL,
		SessionTTL:      cfg.SessionTTL,
		PreviewLength:   previewLength,
		SweepSchedule:   cfg.SweepSchedule,
	}

	switch strings.ToLower(cfg.Backend) {
	case "", config.StorageMemory:
		return NewMemoryStore(opts)
	case config.StorageRedis:
		return NewRedisStore(ctx, cfg.Redis, opts)
	case config.StorageSQLite:
		return NewSQLiteStore(cfg.SQLite.Path, opts)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Preview truncates content to n runes, marking the cut with "...".
func Preview(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "..."
}

func sessionFor(sessionID string, msg models.Message, previewLength int) Session {
	return Session{
		ID:            sessionID,
		LastMessage:   Preview(msg.Content, previewLength),
		LastTimestamp: msg.Timestamp,
	}
}
