package conversation

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
)

// RedisStore keeps each conversation in a list and each user's session index
// in a hash, relying on key expiry for TTLs.
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisStore connects to cfg.Addr and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, opts: opts.withDefaults()}, nil
}

func conversationKey(userID, sessionID string) string {
	return "conversation:" + userID + ":" + sessionID
}

func sessionsKey(userID string) string {
	return "user_sessions:" + userID
}

func (s *RedisStore) Append(ctx context.Context, userID, sessionID string, msg models.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	session, err := json.Marshal(sessionFor(sessionID, msg, s.opts.PreviewLength))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	convKey := conversationKey(userID, sessionID)
	idxKey := sessionsKey(userID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, convKey, encoded)
		pipe.Expire(ctx, convKey, s.opts.ConversationTTL)
		pipe.HSet(ctx, idxKey, sessionID, session)
		pipe.Expire(ctx, idxKey, s.opts.SessionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, userID, sessionID string) ([]models.Message, error) {
	raw, err := s.client.LRange(ctx, conversationKey(userID, sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) Sessions(ctx context.Context, userID string) ([]Session, error) {
	raw, err := s.client.HGetAll(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	sessions := make([]Session, 0, len(raw))
	for id, item := range raw {
		var session Session
		if err := json.Unmarshal([]byte(item), &session); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		session.ID = id
		sessions = append(sessions, session)
	}

	sortSessions(sessions)
	return sessions, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID, sessionID string) error {
	var (
		delCmd  *redis.IntCmd
		hdelCmd *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		delCmd = pipe.Del(ctx, conversationKey(userID, sessionID))
		hdelCmd = pipe.HDel(ctx, sessionsKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if delCmd.Val() == 0 && hdelCmd.Val() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
