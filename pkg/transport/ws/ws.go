// Package ws opens agent streams over a WebSocket. The request is sent as the
// first text message; every text message received afterwards is one frame.
package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/transport"
)

// OpenMessage is the first message sent on a new connection.
type OpenMessage struct {
	Request domain.StreamRequest `json:"request"`
	Cursor  string               `json:"cursor,omitempty"`
}

// Client implements transport.Transport against a WebSocket agent endpoint.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
}

// New creates a Client for url (ws:// or wss://).
func New(url string, header http.Header) *Client {
	if header == nil {
		header = make(http.Header)
	}
	return &Client{url: url, dialer: websocket.DefaultDialer, header: header}
}

var _ transport.Transport = (*Client)(nil)

// Open dials the endpoint and sends the request.
func (c *Client) Open(ctx context.Context, req domain.StreamRequest, cursor string) (io.ReadCloser, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			return nil, &transport.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		return nil, fmt.Errorf("dialing %s: %w", c.url, err)
	}
	if err := conn.WriteJSON(OpenMessage{Request: req, Cursor: cursor}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending request: %w", err)
	}

	s := &stream{conn: conn}
	s.stop = context.AfterFunc(ctx, func() { s.Close() })
	return s, nil
}

// stream exposes incoming text messages as newline-terminated frames.
type stream struct {
	conn *websocket.Conn
	stop func() bool
	buf  bytes.Buffer

	closeOnce sync.Once
}

func (s *stream) Read(p []byte) (int, error) {
	for s.buf.Len() == 0 {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, closeErr)
			}
			return 0, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		s.buf.Write(data)
		if len(data) == 0 || data[len(data)-1] != '\n' {
			s.buf.WriteByte('\n')
		}
	}
	return s.buf.Read(p)
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
