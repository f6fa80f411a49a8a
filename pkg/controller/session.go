package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/ideacheck/pkg/activity"
	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/event"
	"github.com/nstogner/ideacheck/pkg/merge"
)

// session is the state of one Start call. It is owned by the goroutine
// running Start; only the reader goroutine runs beside it.
type session struct {
	c        *Controller
	threadID string
	req      domain.StreamRequest
	tracker  *activity.Tracker
	router   *merge.Router

	// stale holds the open drafts of a failed attempt whose stream carried
	// no sequence ids. They are replaced when the replay recreates them.
	stale []*domain.Message

	seen         map[string]struct{}
	cursor       string
	rev          uint64
	idleTimeouts int
}

func (c *Controller) newSession(ctx context.Context, threadID string, req domain.StreamRequest) (*session, error) {
	s := &session{
		c:        c,
		threadID: threadID,
		req:      req,
		tracker:  c.activity.Reset(threadID),
		router:   merge.NewRouter(threadID, c.now),
		seen:     make(map[string]struct{}),
	}

	msgs, err := c.store.GetByThread(ctx, threadID)
	if err != nil {
		err = fmt.Errorf("loading thread: %w", err)
	}
	for _, m := range msgs {
		s.rev = max(s.rev, m.Revision)
	}

	if m := c.userMessage(req); m != nil {
		s.write(ctx, m)
	}
	return s, err
}

// run drives attempts until the stream settles and returns the stored form
// of the response.
func (s *session) run(ctx context.Context) *domain.Message {
	retries := 0
	for {
		err := s.attempt(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			slog.Info("Stream cancelled", "threadID", s.threadID, "cause", context.Cause(ctx))
			s.finalize(ctx, domain.FinishInterrupted, context.Cause(ctx).Error())
			break
		}
		if !s.retryable(err) || retries >= s.c.cfg.MaxRetries {
			note := err.Error()
			if retries > 0 {
				note = fmt.Sprintf("stream failed after %d retries: %v", retries, err)
			}
			slog.Error("Stream failed", "threadID", s.threadID, "retries", retries, "error", err)
			s.finalize(ctx, domain.FinishError, note)
			break
		}

		retries++
		d := s.c.backoff(retries)
		slog.Warn("Stream interrupted, retrying", "threadID", s.threadID, "attempt", retries, "backoff", d, "error", err)
		if !sleep(ctx, d) {
			s.finalize(ctx, domain.FinishInterrupted, context.Cause(ctx).Error())
			break
		}
		if s.cursor == "" {
			s.discard()
		}
	}
	return s.result(ctx)
}

// attempt opens the transport once and consumes it until a terminal event,
// cancellation or failure. It returns nil when the stream reached its end.
func (s *session) attempt(ctx context.Context) error {
	body, err := s.c.transport.Open(ctx, s.req, s.cursor)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	rc := &onceCloser{ReadCloser: body}

	actx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(actx)
	events := make(chan event.Event)
	g.Go(func() error {
		defer close(events)
		return s.read(gctx, rc, events)
	})

	terminal := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if s.handle(ctx, ev) {
				terminal = true
				break loop
			}
		}
	}
	stop()
	rc.Close()
	readErr := g.Wait()

	switch {
	case terminal:
		return nil
	case ctx.Err() != nil:
		return context.Cause(ctx)
	case readErr == nil:
		// The stream ended with the terminator sentinel instead of an event.
		s.handle(ctx, event.Done{Meta: event.Meta{At: s.c.now()}})
		return nil
	default:
		return readErr
	}
}

// read pulls bytes from rc, decodes them and sends the events to out. It
// returns nil when the terminator sentinel was seen and an error otherwise.
func (s *session) read(ctx context.Context, rc io.ReadCloser, out chan<- event.Event) error {
	dec := event.NewDecoder(event.WithClock(s.c.now))
	timeout := s.c.cfg.IdleTimeout

	w := newWatchdog(timeout, func() { rc.Close() })
	defer w.stop()
	stopClose := context.AfterFunc(ctx, func() { rc.Close() })
	defer stopClose()

	send := func(evs []event.Event) bool {
		for _, ev := range evs {
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	buf := make([]byte, s.c.cfg.ReadBufferSize)
	raced := false
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			// The clock only runs while waiting on the transport.
			if w.pause() {
				raced = true
			}
			if !send(dec.Feed(buf[:n])) {
				return ctx.Err()
			}
			if dec.Terminated() {
				return nil
			}
			w.rearm()
		}
		if err == nil {
			continue
		}
		switch {
		case raced:
			// The deadline passed just as data arrived: the stream was alive.
			return fmt.Errorf("%w: stream closed at the idle deadline", io.ErrUnexpectedEOF)
		case w.expired():
			return fmt.Errorf("%w: no data for %s", ErrIdleTimeout, timeout)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF):
			if !send(dec.Flush()) {
				return ctx.Err()
			}
			if dec.Terminated() {
				return nil
			}
			return io.ErrUnexpectedEOF
		default:
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}

// handle applies one event and reports whether it ended the stream.
func (s *session) handle(ctx context.Context, ev event.Event) bool {
	if seq := ev.Metadata().Seq; seq != "" {
		if _, dup := s.seen[seq]; dup {
			slog.Debug("Dropping retransmitted event", "threadID", s.threadID, "seq", seq)
			return false
		}
		s.seen[seq] = struct{}{}
		s.cursor = seq
	}
	if u, ok := ev.(event.Unknown); ok {
		slog.Debug("Ignoring unknown event", "threadID", s.threadID, "event", u.Name)
		return false
	}
	s.tracker.Observe(ev)

	for _, m := range s.router.Route(ev) {
		s.put(ctx, m)
	}
	return event.IsTerminal(ev)
}

// put persists a new draft state. A draft rebuilt by the replay replaces its
// stale copy.
func (s *session) put(ctx context.Context, m *domain.Message) {
	s.stale = deleteByID(s.stale, m.ID)
	s.write(ctx, m)
}

// write stamps a revision and upserts m. Streaming writes are skipped once
// ctx is cancelled; terminal writes always go through.
func (s *session) write(ctx context.Context, m *domain.Message) {
	if m.IsStreaming && ctx.Err() != nil {
		return
	}
	s.rev++
	m.Revision = s.rev
	if _, err := s.c.store.Upsert(context.WithoutCancel(ctx), m); err != nil {
		slog.Error("Storing message", "threadID", s.threadID, "messageID", m.ID, "error", err)
	}
}

// discard forgets the drafts of a failed attempt so the replay rebuilds them.
func (s *session) discard() {
	for _, d := range s.router.Drafts() {
		if !d.Terminal() {
			s.stale = append(s.stale, d)
		}
	}
	s.router.Reset()
	s.tracker = s.c.activity.Reset(s.threadID)
}

// finalize moves every open draft to reason. When nothing was rebuilt since
// the last discard, the stale drafts are the best partial response.
func (s *session) finalize(ctx context.Context, reason domain.FinishReason, note string) {
	at := s.c.now()
	if s.router.Len() == 0 {
		for _, d := range s.stale {
			s.router.Add(d)
		}
		s.stale = nil
	}
	if s.router.Len() == 0 {
		s.router.Synthetic(at)
	}
	for _, m := range s.router.Finalize(reason, note, at) {
		s.put(ctx, m)
	}

	status := activity.StatusCompleted
	if reason == domain.FinishError {
		status = activity.StatusError
	}
	s.tracker.Finish(status, at)
}

// result settles leftovers and re-reads the response from the store, so the
// caller sees the canonical stored value.
func (s *session) result(ctx context.Context) *domain.Message {
	at := s.c.now()
	for _, d := range s.stale {
		s.write(ctx, merge.Finalize(d, domain.FinishError, "response discarded after a retry", at))
	}
	s.stale = nil

	m := s.router.Current()
	if m == nil {
		s.finalize(ctx, domain.FinishError, "stream produced no message")
		m = s.router.Current()
	}

	stored, err := s.c.store.Get(context.WithoutCancel(ctx), s.threadID, m.ID)
	if err != nil {
		slog.Warn("Re-reading response", "threadID", s.threadID, "messageID", m.ID, "error", err)
		return m.Clone()
	}
	return stored
}

func deleteByID(msgs []*domain.Message, id string) []*domain.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}
