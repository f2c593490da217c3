package conversation

import (
	"context"
	"slices"
	"sync"
	"time"

	"chat-gateway/internal/models"
)

type memoryKey struct {
	userID    string
	sessionID string
}

type memoryConversation struct {
	messages  []models.Message
	expiresAt time.Time
}

type memoryIndex struct {
	sessions  map[string]Session
	expiresAt time.Time
}

// MemoryStore keeps conversations in process memory. Expired entries are
// hidden on read and purged by the sweeper.
type MemoryStore struct {
	opts Options
	now  func() time.Time

	mu            sync.RWMutex
	conversations map[memoryKey]*memoryConversation
	indexes       map[string]*memoryIndex

	sweeper *sweeper
}

// NewMemoryStore creates an in-memory store and starts its sweeper when
// opts.SweepSchedule is set.
func NewMemoryStore(opts Options) (*MemoryStore, error) {
	s := &MemoryStore{
		opts:          opts.withDefaults(),
		now:           time.Now,
		conversations: make(map[memoryKey]*memoryConversation),
		indexes:       make(map[string]*memoryIndex),
	}

	sw, err := startSweeper(s.opts.SweepSchedule, "conversation.memory", func() (int, error) {
		return s.purge(), nil
	})
	if err != nil {
		return nil, err
	}
	s.sweeper = sw
	return s, nil
}

func (s *MemoryStore) Append(ctx context.Context, userID, sessionID string, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := memoryKey{userID, sessionID}

	conv, ok := s.conversations[key]
	if !ok || now.After(conv.expiresAt) {
		conv = &memoryConversation{}
		s.conversations[key] = conv
	}
	conv.messages = append(conv.messages, msg)
	conv.expiresAt = now.Add(s.opts.ConversationTTL)

	idx, ok := s.indexes[userID]
	if !ok || now.After(idx.expiresAt) {
		idx = &memoryIndex{sessions: make(map[string]Session)}
		s.indexes[userID] = idx
	}
	idx.sessions[sessionID] = sessionFor(sessionID, msg, s.opts.PreviewLength)
	idx.expiresAt = now.Add(s.opts.SessionTTL)

	return nil
}

func (s *MemoryStore) History(ctx context.Context, userID, sessionID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[memoryKey{userID, sessionID}]
	if !ok || s.now().After(conv.expiresAt) {
		return []models.Message{}, nil
	}
	return slices.Clone(conv.messages), nil
}

func (s *MemoryStore) Sessions(ctx context.Context, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	idx, ok := s.indexes[userID]
	if !ok || s.now().After(idx.expiresAt) {
		s.mu.RUnlock()
		return []Session{}, nil
	}
	sessions := make([]Session, 0, len(idx.sessions))
	for _, session := range idx.sessions {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	sortSessions(sessions)
	return sessions, nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	found := false

	key := memoryKey{userID, sessionID}
	if conv, ok := s.conversations[key]; ok {
		found = !now.After(conv.expiresAt)
		delete(s.conversations, key)
	}
	if idx, ok := s.indexes[userID]; ok {
		if _, ok := idx.sessions[sessionID]; ok && !now.After(idx.expiresAt) {
			found = true
		}
		delete(idx.sessions, sessionID)
		if len(idx.sessions) == 0 {
			delete(s.indexes, userID)
		}
	}

	if !found {
		return ErrSessionNotFound
	}
	return nil
}

// purge drops expired conversations and session indexes.
func (s *MemoryStore) purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, conv := range s.conversations {
		if now.After(conv.expiresAt) {
			delete(s.conversations, key)
			removed++
		}
	}
	for userID, idx := range s.indexes {
		if now.After(idx.expiresAt) {
			delete(s.indexes, userID)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Close() error {
	s.sweeper.stop()
	return nil
}
