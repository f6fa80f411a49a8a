package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nstogner/ideacheck/pkg/activity"
	"github.com/nstogner/ideacheck/pkg/domain"
)

var errEmptyRequest = errors.New("content or interrupt_feedback is required")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Threads ---

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context())
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	if threads == nil {
		threads = []domain.Thread{}
	}
	s.jsonResponse(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.store.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.controller.Delete(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	slog.Info("Deleted thread", "threadID", id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Messages ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.GetByThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

// handlePostMessage sends a prompt or interrupt feedback and responds with
// the settled assistant message once the stream ends.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Content == "" && req.InterruptFeedback == "" {
		s.errorResponse(w, http.StatusBadRequest, errEmptyRequest)
		return
	}

	msg, err := s.controller.Start(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, msg)
}

// --- Stream actions ---

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.controller.Cancel(id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries := s.controller.Activity(r.PathValue("id"))
	if entries == nil {
		entries = []activity.Entry{}
	}
	s.jsonResponse(w, http.StatusOK, entries)
}
