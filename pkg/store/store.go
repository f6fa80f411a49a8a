package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nstogner/ideacheck/pkg/domain"
)

var (
	// ErrNotFound is returned when a thread or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("store closed")
)

// Store is the durable, thread-partitioned collection of reconstructed
// messages.
type Store interface {
	// Upsert writes m if it supersedes the stored message with the same id
	// (see domain.Supersedes). It reports whether the write was applied;
	// a write that loses to the stored message is a no-op, not an error.
	// Applied writes are published to the thread's subscribers.
	Upsert(ctx context.Context, m *domain.Message) (bool, error)

	// Get returns one message of a thread.
	Get(ctx context.Context, threadID, id string) (*domain.Message, error)

	// GetByThread returns the messages of a thread in first-insertion order.
	// An unknown thread has no messages.
	GetByThread(ctx context.Context, threadID string) ([]domain.Message, error)

	// GetThread returns the thread summary.
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)

	// ListThreads returns every thread, most recently updated first.
	ListThreads(ctx context.Context) ([]domain.Thread, error)

	// ListStreaming returns every message still marked as streaming, across
	// all threads.
	ListStreaming(ctx context.Context) ([]domain.Message, error)

	// DeleteThread removes a thread with its messages and closes its
	// subscriptions.
	DeleteThread(ctx context.Context, threadID string) error

	// Subscribe returns a subscription receiving every applied upsert of the
	// thread.
	Subscribe(threadID string) *Subscription

	Close() error
}

// Validate checks the fields every stored message needs.
func Validate(m *domain.Message) error {
	switch {
	case m == nil:
		return errors.New("nil message")
	case m.ID == "":
		return errors.New("message id is required")
	case m.ThreadID == "":
		return fmt.Errorf("message %s: thread id is required", m.ID)
	case m.Role != domain.RoleUser && m.Role != domain.RoleAssistant:
		return fmt.Errorf("message %s: invalid role %q", m.ID, m.Role)
	}
	return nil
}

// NextThread returns the thread summary after m was applied to t.
func NextThread(t domain.Thread, m *domain.Message, inserted bool) domain.Thread {
	t.ID = m.ThreadID
	if inserted {
		t.MessageCount++
	}
	switch {
	case m.IsStreaming:
		t.ActiveMessageID = m.ID
	case t.ActiveMessageID == m.ID:
		t.ActiveMessageID = ""
	}
	at := m.Metadata.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if at.After(t.UpdatedAt) {
		t.UpdatedAt = at
	}
	return t
}
