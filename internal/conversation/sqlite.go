package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"chat-gateway/internal/models"
)

// SQLiteStore persists conversations in a single SQLite database. Expiry
// timestamps are refreshed on every append, hidden on read and purged by
// the sweeper.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	now  func() time.Time

	closeOnce sync.Once
	sweeper   *sweeper

	insertStmt   *sql.Stmt
	touchStmt    *sql.Stmt
	upsertStmt   *sql.Stmt
	historyStmt  *sql.Stmt
	sessionsStmt *sql.Stmt
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, opts: opts.withDefaults(), now: time.Now}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	sw, err := startSweeper(s.opts.SweepSchedule, "conversation.sqlite", func() (int, error) {
		n, err := s.purge(context.Background())
		return int(n), err
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.sweeper = sw

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp REAL NOT NULL,
		image_data TEXT NOT NULL DEFAULT '',
		image_type TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(user_id, session_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_expiry ON messages(expires_at);

	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		last_message TEXT NOT NULL,
		last_timestamp REAL NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO messages (user_id, session_id, role, content, timestamp, image_data, image_type, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	s.touchStmt, err = s.db.Prepare(`
		UPDATE messages SET expires_at = ? WHERE user_id = ? AND session_id = ?`)
	if err != nil {
		return fmt.Errorf("touch: %w", err)
	}

	// The session index expires as a whole per user, like a Redis hash.
	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO sessions (user_id, session_id, last_message, last_timestamp, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			last_message = excluded.last_message,
			last_timestamp = excluded.last_timestamp`)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	s.historyStmt, err = s.db.Prepare(`
		SELECT role, content, timestamp, image_data, image_type
		FROM messages
		WHERE user_id = ? AND session_id = ? AND expires_at > ?
		ORDER BY id`)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	s.sessionsStmt, err = s.db.Prepare(`
		SELECT session_id, last_message, last_timestamp
		FROM sessions
		WHERE user_id = ? AND expires_at > ?`)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, userID, sessionID string, msg models.Message) error {
	now := s.now()
	convExpiry := now.Add(s.opts.ConversationTTL).UnixNano()
	idxExpiry := now.Add(s.opts.SessionTTL).UnixNano()
	session := sessionFor(sessionID, msg, s.opts.PreviewLength)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.insertStmt).ExecContext(ctx,
		userID, sessionID, string(msg.Role), msg.Content, msg.Timestamp, msg.ImageData, msg.ImageType, convExpiry,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.touchStmt).ExecContext(ctx, convExpiry, userID, sessionID); err != nil {
		return fmt.Errorf("refresh conversation expiry: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.upsertStmt).ExecContext(ctx,
		userID, sessionID, session.LastMessage, session.LastTimestamp, idxExpiry,
	); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE user_id = ?`, idxExpiry, userID,
	); err != nil {
		return fmt.Errorf("refresh session expiry: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, userID, sessionID string) ([]models.Message, error) {
	rows, err := s.historyStmt.QueryContext(ctx, userID, sessionID, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			msg  models.Message
			role string
		)
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp, &msg.ImageData, &msg.ImageType); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) Sessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.sessionsStmt.QueryContext(ctx, userID, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.LastMessage, &session.LastTimestamp); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortSessions(sessions)
	return sessions, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, sessionID string) error {
	now := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var live int
	if err := tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM messages WHERE user_id = ? AND session_id = ? AND expires_at > ?)
		     + (SELECT COUNT(*) FROM sessions WHERE user_id = ? AND session_id = ? AND expires_at > ?)`,
		userID, sessionID, now, userID, sessionID, now,
	).Scan(&live); err != nil {
		return fmt.Errorf("count session rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ? AND session_id = ?`, userID, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if live == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// purge deletes expired rows and reports how many were removed.
func (s *SQLiteStore) purge(ctx context.Context) (int64, error) {
	now := s.now().UnixNano()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return n, fmt.Errorf("purge sessions: %w", err)
	}
	m, _ := res.RowsAffected()

	return n + m, nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sweeper.stop()
		for _, stmt := range []*sql.Stmt{s.insertStmt, s.touchStmt, s.upsertStmt, s.historyStmt, s.sessionsStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}
