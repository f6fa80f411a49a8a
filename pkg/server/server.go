package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nstogner/ideacheck/pkg/controller"
	"github.com/nstogner/ideacheck/pkg/store"
)

// Server serves the thread API.
type Server struct {
	store      store.Store
	controller *controller.Controller
	srv        *http.Server
}

// New creates a new Server.
func New(st store.Store, ctrl *controller.Controller) *Server {
	return &Server{
		store:      st,
		controller: ctrl,
	}
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Threads
	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", s.handleDeleteThread)

	// Messages
	mux.HandleFunc("GET /api/threads/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/threads/{id}/messages", s.handlePostMessage)

	// Stream actions
	mux.HandleFunc("POST /api/threads/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/threads/{id}/activity", s.handleActivity)

	// WebSocket
	mux.HandleFunc("GET /api/threads/{id}/ws", s.handleThreadWebSocket)

	return corsMiddleware(mux)
}

// Start starts the HTTP server. It blocks until the server stops and returns
// nil after Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting server", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Encoding response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrEmptyThreadID):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrDeleting):
		return http.StatusConflict
	case errors.Is(err, controller.ErrClosed), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
