package merge

import (
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/event"
)

// Router assigns the events of one stream to the messages they build.
//
// Events naming a message go to it; events without an id go to the current
// message, the one most recently started. Events that arrive before any
// message get an empty assistant draft of their own. A terminal event ends
// every message of the stream.
type Router struct {
	threadID string
	now      func() time.Time

	drafts  map[string]*domain.Message
	order   []string
	current string
}

// NewRouter creates a Router for the thread. now stamps synthetic drafts
// created for events that carry no timestamp.
func NewRouter(threadID string, now func() time.Time) *Router {
	return &Router{
		threadID: threadID,
		now:      now,
		drafts:   make(map[string]*domain.Message),
	}
}

// Route applies ev and returns the drafts it changed, in the order they
// changed. Unknown events change nothing.
func (r *Router) Route(ev event.Event) []*domain.Message {
	if _, ok := ev.(event.Unknown); ok {
		return nil
	}

	id := event.MessageID(ev)
	if _, ok := ev.(event.MessageStart); ok || (id != "" && r.current == "") {
		r.current = id
	}
	if id == "" {
		id = r.current
	}
	if id == "" {
		id = r.Synthetic(ev.Metadata().At).ID
	}

	var changed []*domain.Message
	if next := Apply(r.drafts[id], ev); r.put(next) {
		changed = append(changed, next)
	}
	if !event.IsTerminal(ev) {
		return changed
	}

	// Only the routed message carries the terminal payload.
	done := event.Done{Meta: ev.Metadata()}
	for _, other := range r.order {
		if d := r.drafts[other]; other != id && !d.Terminal() {
			next := Apply(d, done)
			r.put(next)
			changed = append(changed, next)
		}
	}
	return changed
}

// Synthetic registers an empty assistant draft and makes it current.
func (r *Router) Synthetic(at time.Time) *domain.Message {
	if at.IsZero() {
		at = r.now()
	}
	d := New(uuid.New().String(), r.threadID, domain.RoleAssistant, at)
	r.Add(d)
	return d
}

// Add registers an existing draft and makes it current.
func (r *Router) Add(d *domain.Message) {
	r.put(d)
	r.current = d.ID
}

// Finalize moves every open draft to reason and returns the drafts it
// changed.
func (r *Router) Finalize(reason domain.FinishReason, note string, at time.Time) []*domain.Message {
	var changed []*domain.Message
	for _, id := range r.order {
		if d := r.drafts[id]; !d.Terminal() {
			next := Finalize(d, reason, note, at)
			r.put(next)
			changed = append(changed, next)
		}
	}
	return changed
}

// Drafts returns the drafts in order of first appearance.
func (r *Router) Drafts() []*domain.Message {
	out := make([]*domain.Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.drafts[id])
	}
	return out
}

// Current returns the current draft, or the latest one when no message was
// started. It is nil before any event was routed.
func (r *Router) Current() *domain.Message {
	if d, ok := r.drafts[r.current]; ok {
		return d
	}
	if n := len(r.order); n > 0 {
		return r.drafts[r.order[n-1]]
	}
	return nil
}

// Len returns the number of drafts.
func (r *Router) Len() int { return len(r.order) }

// Reset forgets every draft.
func (r *Router) Reset() {
	r.drafts = make(map[string]*domain.Message)
	r.order = nil
	r.current = ""
}

// put records next and reports whether it is a new state.
func (r *Router) put(next *domain.Message) bool {
	if next == nil {
		return false
	}
	prev, known := r.drafts[next.ID]
	if known && prev == next {
		return false
	}
	next.ThreadID = r.threadID
	next.Metadata.ThreadID = r.threadID
	if !known {
		r.order = append(r.order, next.ID)
	}
	r.drafts[next.ID] = next
	return true
}
