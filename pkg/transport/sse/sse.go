// Package sse opens agent streams over HTTP: the request is POSTed as JSON
// and the response body is read as Server-Sent Events.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/transport"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

// Client implements transport.Transport against an HTTP agent endpoint.
type Client struct {
	endpoint string
	client   *http.Client
	header   http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It should not set a total request
// timeout; idle detection is done by the caller.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithHeader adds a header sent with every request (for example an API key).
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.header.Add(key, value) }
}

// New creates a Client posting to endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		client:   &http.Client{},
		header:   make(http.Header),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ transport.Transport = (*Client)(nil)

// Open posts req and returns the event-stream body. A non-empty cursor is sent
// as Last-Event-ID.
func (c *Client) Open(ctx context.Context, req domain.StreamRequest, cursor string) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", transport.ErrPermanent, err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if cursor != "" {
		httpReq.Header.Set("Last-Event-ID", cursor)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &transport.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}
