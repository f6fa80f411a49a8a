package store

import (
	"sync"

	"github.com/nstogner/ideacheck/pkg/domain"
)

// SubscriptionBuffer is the number of messages a subscriber may lag behind
// before further messages are dropped for it.
const SubscriptionBuffer = 64

// Subscription receives the applied upserts of one thread. A subscriber that
// falls behind misses messages and should re-query the store.
type Subscription struct {
	C <-chan *domain.Message

	ch       chan *domain.Message
	threadID string
	hub      *Hub
	once     sync.Once
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans applied messages out to the subscribers of each thread.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for threadID. On a closed hub the
// returned subscription's channel is already closed.
func (h *Hub) Subscribe(threadID string) *Subscription {
	ch := make(chan *domain.Message, SubscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, threadID: threadID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		sub.once.Do(func() {})
		return sub
	}
	if h.subs[threadID] == nil {
		h.subs[threadID] = make(map[*Subscription]struct{})
	}
	h.subs[threadID][sub] = struct{}{}
	return sub
}

// Publish delivers a copy of m to every subscriber of its thread without
// blocking.
func (h *Hub) Publish(m *domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[m.ThreadID] {
		select {
		case sub.ch <- m.Clone():
		default:
		}
	}
}

// CloseThread closes every subscription of threadID.
func (h *Hub) CloseThread(threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[threadID] {
		close(sub.ch)
	}
	delete(h.subs, threadID)
}

// Close closes every subscription; later subscriptions are closed at birth.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.closed = true
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[sub.threadID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subs, sub.threadID)
	}
}
