// Package controller supervises agent streams: it opens the transport,
// feeds decoded events through the merger into the store and guarantees that
// every stream ends with its messages in a terminal state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/ideacheck/pkg/activity"
	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/merge"
	"github.com/nstogner/ideacheck/pkg/store"
	"github.com/nstogner/ideacheck/pkg/transport"
)

var (
	// ErrEmptyThreadID is returned by Start without a thread id.
	ErrEmptyThreadID = errors.New("thread id is required")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("controller closed")
	// ErrIdleTimeout is reported when a stream stays silent for longer than
	// Config.IdleTimeout.
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrCancelled is the cause recorded when Cancel stops a stream.
	ErrCancelled = errors.New("stream cancelled")
	// ErrReplaced is the cause recorded when a newer Start on the same
	// thread stops a stream.
	ErrReplaced = errors.New("stream replaced by a newer request")
	// ErrDeleting is returned by Start while the thread is being deleted.
	ErrDeleting = errors.New("thread is being deleted")
)

// Config tunes retries and timeouts.
type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	IdleTimeout    time.Duration
	ReadBufferSize int
	ActivityLimit  int
}

// DefaultConfig returns the default stream settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		IdleTimeout:    60 * time.Second,
		ReadBufferSize: 4096,
		ActivityLimit:  activity.DefaultLimit,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	return c
}

// Controller runs at most one stream per thread.
type Controller struct {
	store     store.Store
	transport transport.Transport
	cfg       Config
	activity  *activity.Registry
	now       func() time.Time
	jitter    func() float64

	mu       sync.Mutex
	streams  map[string]*run
	deleting map[string]int
	closed   bool
	wg      sync.WaitGroup
}

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for event and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithJitter overrides the random source for retry backoff. f returns a
// value in [0, 1).
func WithJitter(f func() float64) Option {
	return func(c *Controller) { c.jitter = f }
}

// New creates a Controller.
func New(st store.Store, tr transport.Transport, cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		store:     st,
		transport: tr,
		cfg:       cfg,
		activity:  activity.NewRegistry(cfg.ActivityLimit),
		now:       func() time.Time { return time.Now().UTC() },
		jitter:    randomJitter,
		streams:   make(map[string]*run),
		deleting:  make(map[string]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start sends req on the thread and blocks until the resulting stream
// settles. The returned message is terminal; callers branch on its
// FinishReason. An error is returned only for an invalid request or a closed
// controller.
//
// A stream already running on the thread is cancelled first.
func (c *Controller) Start(ctx context.Context, threadID string, req domain.StreamRequest) (*domain.Message, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	req.ThreadID = threadID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.deleting[threadID] > 0 {
		c.mu.Unlock()
		return nil, ErrDeleting
	}
	prev := c.streams[threadID]
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.streams[threadID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.streams[threadID] == r {
			delete(c.streams, threadID)
		}
		c.mu.Unlock()
		cancel(nil)
		close(r.done)
		c.wg.Done()
	}()

	if prev != nil {
		slog.Info("Replacing active stream", "threadID", threadID)
		prev.cancel(ErrReplaced)
		<-prev.done
	}

	s, err := c.newSession(runCtx, threadID, req)
	if err != nil {
		slog.Error("Preparing stream", "threadID", threadID, "error", err)
	}
	return s.run(runCtx), nil
}

// Cancel stops the thread's active stream and waits until its messages are
// finalized. It is a no-op when no stream is running.
func (c *Controller) Cancel(threadID string) error {
	c.mu.Lock()
	r := c.streams[threadID]
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel(ErrCancelled)
	<-r.done
	return nil
}

// Active reports whether a stream is running on the thread.
func (c *Controller) Active(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[threadID]
	return ok
}

// Activity returns the activity timeline of the thread's latest stream.
func (c *Controller) Activity(threadID string) []activity.Entry {
	t, ok := c.activity.Get(threadID)
	if !ok {
		return nil
	}
	return t.Entries()
}

// Delete stops the thread's stream, then removes the thread from the store
// along with its activity. Start fails with ErrDeleting until Delete returns,
// so no stream can write into the thread while it goes away.
func (c *Controller) Delete(ctx context.Context, threadID string) error {
	c.mu.Lock()
	c.deleting[threadID]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.deleting[threadID]--; c.deleting[threadID] == 0 {
			delete(c.deleting, threadID)
		}
		c.mu.Unlock()
	}()

	c.Cancel(threadID)
	c.activity.Delete(threadID)
	return c.store.DeleteThread(ctx, threadID)
}

// Close cancels every stream and waits for them to finish. Start fails with
// ErrClosed afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, r := range c.streams {
		r.cancel(ErrClosed)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// Recover finalizes messages left streaming by a previous process, so the
// conversations can be continued. It returns the number of messages fixed.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	msgs, err := c.store.ListStreaming(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing streaming messages: %w", err)
	}
	n := 0
	for i := range msgs {
		m := &msgs[i]
		if c.Active(m.ThreadID) {
			continue
		}
		final := merge.Finalize(m, domain.FinishInterrupted, "stream interrupted by restart", c.now())
		final.Revision = m.Revision + 1
		applied, err := c.store.Upsert(ctx, final)
		if err != nil {
			return n, fmt.Errorf("finalizing message %s: %w", m.ID, err)
		}
		if applied {
			slog.Info("Recovered interrupted message", "threadID", m.ThreadID, "messageID", m.ID)
			n++
		}
	}
	return n, nil
}

// userMessage is the persisted form of the caller's prompt.
func (c *Controller) userMessage(req domain.StreamRequest) *domain.Message {
	text := req.Content
	if text == "" {
		text = req.InterruptFeedback
	}
	if text == "" {
		return nil
	}
	at := c.now()
	m := merge.New(uuid.New().String(), req.ThreadID, domain.RoleUser, at)
	m.Content = text
	m.IsStreaming = false
	m.FinishReason = domain.FinishCompleted
	m.Metadata.Agent = req.Agent
	m.Metadata.FinishedAt = at
	return m
}
