// Package transport opens byte streams of agent events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/nstogner/ideacheck/pkg/domain"
)

// Transport opens the event stream for one request.
type Transport interface {
	// Open starts a stream. cursor is the sequence id of the last event the
	// caller has seen; a transport that supports resumption continues after
	// it, others replay from the start. The returned reader is closed by the
	// caller; cancelling ctx aborts any blocked Read.
	Open(ctx context.Context, req domain.StreamRequest, cursor string) (io.ReadCloser, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req domain.StreamRequest, cursor string) (io.ReadCloser, error)

// Open calls f.
func (f Func) Open(ctx context.Context, req domain.StreamRequest, cursor string) (io.ReadCloser, error) {
	return f(ctx, req, cursor)
}

// StatusError is returned when the agent endpoint answers with a non-success
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("agent returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// ErrPermanent marks failures that must not be retried.
var ErrPermanent = errors.New("permanent transport failure")

// IsRetryable classifies a transport failure: dropped connections, resets,
// timeouts and 5xx/429 responses are retryable; 4xx responses, cancellation
// and errors wrapping ErrPermanent are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrPermanent) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
