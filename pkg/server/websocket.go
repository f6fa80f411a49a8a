package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/ideacheck/pkg/domain"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientFrame is sent by websocket clients.
type clientFrame struct {
	// Type is "send" or "cancel".
	Type    string               `json:"type"`
	Request domain.StreamRequest `json:"request"`
}

// serverFrame is pushed to websocket clients.
type serverFrame struct {
	// Type is "message", "error" or "deleted".
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleThreadWebSocket pushes every stored revision of the thread's
// messages, starting with the current state. Clients may send prompts and
// cancel the active stream over the same connection.
func (s *Server) handleThreadWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	// Subscribe before the snapshot so no revision falls in between. Clients
	// may see a revision twice and keep the higher one.
	sub := s.store.Subscribe(threadID)
	defer sub.Close()

	initial, err := s.store.GetByThread(r.Context(), threadID)
	if err != nil {
		slog.Error("Failed initial thread sync", "threadID", threadID, "error", err)
		return
	}

	done := make(chan struct{})
	replies := make(chan serverFrame, 8)

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: the only one writing to ws.
	go func() {
		defer wg.Done()
		defer ws.Close()

		for i := range initial {
			if err := ws.WriteJSON(serverFrame{Type: "message", Message: &initial[i]}); err != nil {
				slog.Error("Failed thread sync", "threadID", threadID, "error", err)
				return
			}
		}

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			var frame serverFrame
			select {
			case <-done:
				return
			case m, ok := <-sub.C:
				if !ok {
					ws.WriteJSON(serverFrame{Type: "deleted"})
					return
				}
				frame = serverFrame{Type: "message", Message: m}
			case frame = <-replies:
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingInterval)); err != nil {
					return
				}
				continue
			}
			if err := ws.WriteJSON(frame); err != nil {
				slog.Debug("WebSocket write failed", "threadID", threadID, "error", err)
				return
			}
		}
	}()

	// Streams outlive the connection; the client picks them up on reconnect.
	streamCtx := context.WithoutCancel(r.Context())
	reply := func(f serverFrame) {
		select {
		case replies <- f:
		case <-done:
		default:
			slog.Warn("Dropping websocket reply", "threadID", threadID, "type", f.Type)
		}
	}

	// Reader loop: receives prompts and cancellations.
	for {
		var msg clientFrame
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "threadID", threadID, "error", err)
			}
			break
		}

		switch msg.Type {
		case "send":
			if msg.Request.Content == "" && msg.Request.InterruptFeedback == "" {
				reply(serverFrame{Type: "error", Error: errEmptyRequest.Error()})
				continue
			}
			go func(req domain.StreamRequest) {
				if _, err := s.controller.Start(streamCtx, threadID, req); err != nil {
					reply(serverFrame{Type: "error", Error: err.Error()})
				}
			}(msg.Request)
		case "cancel":
			s.controller.Cancel(threadID)
		default:
			reply(serverFrame{Type: "error", Error: "unknown frame type " + msg.Type})
		}
	}

	close(done)
	wg.Wait()
}
