package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unexpected eof", fmt.Errorf("reading: %w", io.ErrUnexpectedEOF), true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"deadline", context.DeadlineExceeded, true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"429", fmt.Errorf("open: %w", &StatusError{StatusCode: 429}), true},
		{"400", &StatusError{StatusCode: 400, Body: "bad request"}, false},
		{"404", &StatusError{StatusCode: 404}, false},
		{"cancelled", context.Canceled, false},
		{"permanent", fmt.Errorf("%w: handshake rejected", ErrPermanent), false},
		{"unknown", errors.New("something odd"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "agent returned 502 Bad Gateway", (&StatusError{StatusCode: 502}).Error())
	assert.Equal(t, "agent returned 400 Bad Request: nope", (&StatusError{StatusCode: 400, Body: "nope"}).Error())
}
