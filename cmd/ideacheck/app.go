package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nstogner/ideacheck/pkg/config"
	"github.com/nstogner/ideacheck/pkg/controller"
	"github.com/nstogner/ideacheck/pkg/store"
	"github.com/nstogner/ideacheck/pkg/store/jsonl"
	"github.com/nstogner/ideacheck/pkg/store/sqlite"
	"github.com/nstogner/ideacheck/pkg/transport"
	"github.com/nstogner/ideacheck/pkg/transport/gemini"
	"github.com/nstogner/ideacheck/pkg/transport/sse"
	"github.com/nstogner/ideacheck/pkg/transport/ws"
)

// openStore opens the configured backend. watch is non-nil for a jsonl store
// configured to follow other writers; it blocks until ctx is done.
func openStore(c *config.Config) (st store.Store, watch func(context.Context) error, err error) {
	switch c.Store.Backend {
	case "jsonl":
		if err := os.MkdirAll(c.Store.Path, 0755); err != nil {
			return nil, nil, fmt.Errorf("creating store directory: %w", err)
		}
		js, err := jsonl.Open(c.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening jsonl store: %w", err)
		}
		if c.Store.Watch {
			watch = js.Watch
		}
		return js, watch, nil
	default:
		if err := os.MkdirAll(filepath.Dir(c.Store.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating store directory: %w", err)
		}
		db, err := sqlite.New(c.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return db, nil, nil
	}
}

// newTransport builds the configured agent transport. The gemini agent reads
// the conversation history from st.
func newTransport(ctx context.Context, c *config.Config, st store.Store) (transport.Transport, error) {
	t := c.Transport
	switch t.Kind {
	case "sse":
		var opts []sse.Option
		for k, v := range t.Headers {
			opts = append(opts, sse.WithHeader(k, v))
		}
		return sse.New(t.Endpoint, opts...), nil
	case "ws":
		header := make(http.Header)
		for k, v := range t.Headers {
			header.Set(k, v)
		}
		return ws.New(t.Endpoint, header), nil
	default:
		if t.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
		}
		agent, err := gemini.New(ctx, t.APIKey,
			gemini.WithModel(t.Model),
			gemini.WithHistory(st),
			gemini.WithThoughts(t.Thoughts),
		)
		if err != nil {
			return nil, fmt.Errorf("initializing Gemini agent: %w", err)
		}
		slog.Info("Using local Gemini agent", "model", t.Model)
		return agent, nil
	}
}

func controllerConfig(c *config.Config) controller.Config {
	return controller.Config{
		MaxRetries:     c.Stream.MaxRetries,
		BackoffBase:    c.GetBackoffBase(),
		BackoffMax:     c.GetBackoffMax(),
		IdleTimeout:    c.GetIdleTimeout(),
		ReadBufferSize: c.Stream.ReadBufferSize,
		ActivityLimit:  c.Stream.ActivityLimit,
	}
}
