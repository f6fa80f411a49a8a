package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/store"
)

// Store implements store.Store using SQLite. Each message row keeps the full
// message as JSON next to the columns used for lookups.
type Store struct {
	db  *sql.DB
	hub *store.Hub

	// mu serializes writes so the read-compare-write of Upsert is atomic.
	mu sync.Mutex
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, hub: store.NewHub()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the subscriptions and the underlying database connection.
func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		active_message_id TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		thread_id TEXT NOT NULL,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		is_streaming INTEGER NOT NULL DEFAULT 0,
		finish_reason TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		PRIMARY KEY (thread_id, id),
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_streaming ON messages(is_streaming);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Upsert(ctx context.Context, m *domain.Message) (bool, error) {
	if err := store.Validate(m); err != nil {
		return false, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encoding message %s: %w", m.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var prev *domain.Message
	var prevBody string
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM messages WHERE thread_id=? AND id=?`, m.ThreadID, m.ID,
	).Scan(&prevBody)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, err
	default:
		prev = &domain.Message{}
		if err := json.Unmarshal([]byte(prevBody), prev); err != nil {
			return false, fmt.Errorf("decoding stored message %s: %w", m.ID, err)
		}
	}
	if !domain.Supersedes(m, prev) {
		return false, nil
	}

	var th domain.Thread
	err = tx.QueryRowContext(ctx,
		`SELECT id, active_message_id, message_count, updated_at FROM threads WHERE id=?`, m.ThreadID,
	).Scan(&th.ID, &th.ActiveMessageID, &th.MessageCount, &th.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	th = store.NextThread(th, m, prev == nil)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (id, active_message_id, message_count, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active_message_id=excluded.active_message_id,
		   message_count=excluded.message_count, updated_at=excluded.updated_at`,
		th.ID, th.ActiveMessageID, th.MessageCount, th.UpdatedAt,
	)
	if err != nil {
		return false, err
	}

	if prev == nil {
		// Get next sequence number.
		var maxSeq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id=?`, m.ThreadID,
		).Scan(&maxSeq); err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (thread_id, id, seq, role, is_streaming, finish_reason, revision, body)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ThreadID, m.ID, maxSeq+1, m.Role, m.IsStreaming, m.FinishReason, m.Revision, string(body),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET role=?, is_streaming=?, finish_reason=?, revision=?, body=?
			 WHERE thread_id=? AND id=?`,
			m.Role, m.IsStreaming, m.FinishReason, m.Revision, string(body), m.ThreadID, m.ID,
		)
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	// Notify subscribers.
	s.hub.Publish(m)
	return true, nil
}

func (s *Store) Get(ctx context.Context, threadID, id string) (*domain.Message, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM messages WHERE thread_id=? AND id=?`, threadID, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s in thread %s: %w", id, threadID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m := &domain.Message{}
	if err := json.Unmarshal([]byte(body), m); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) GetByThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT body FROM messages WHERE thread_id=? ORDER BY seq ASC`, threadID)
}

func (s *Store) ListStreaming(ctx context.Context) ([]domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT body FROM messages WHERE is_streaming=1 ORDER BY thread_id, seq`)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var m domain.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	th := &domain.Thread{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, active_message_id, message_count, updated_at FROM threads WHERE id=?`, threadID,
	).Scan(&th.ID, &th.ActiveMessageID, &th.MessageCount, &th.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	return th, err
}

func (s *Store) ListThreads(ctx context.Context) ([]domain.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, active_message_id, message_count, updated_at FROM threads ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		var th domain.Thread
		if err := rows.Scan(&th.ID, &th.ActiveMessageID, &th.MessageCount, &th.UpdatedAt); err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id=?`, threadID); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id=?`, threadID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.hub.CloseThread(threadID)
	return nil
}

func (s *Store) Subscribe(threadID string) *store.Subscription {
	return s.hub.Subscribe(threadID)
}
