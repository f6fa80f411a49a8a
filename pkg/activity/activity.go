// Package activity keeps a short human-readable timeline of what the agent is
// doing, derived from the same events that rebuild the message.
package activity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nstogner/ideacheck/pkg/event"
)

// DefaultLimit is the number of entries a tracker keeps.
const DefaultLimit = 50

// Status of a timeline entry. An entry only moves from StatusActive to one of
// the final statuses.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Entry is one step of the timeline.
type Entry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker builds a bounded timeline from an event sequence. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
	seq     int

	// evicted remembers the ids of entries trimmed off the front, so late
	// events for them are ignored instead of starting a new entry. The
	// oldest ids are forgotten beyond evictedFactor*limit.
	evicted      map[string]struct{}
	evictedOrder []string
}

const evictedFactor = 4

// NewTracker creates a tracker keeping at most limit entries; limit <= 0 uses
// DefaultLimit.
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Tracker{limit: limit, evicted: make(map[string]struct{})}
}

// Entries returns a copy of the timeline, oldest first.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Observe folds one event into the timeline.
func (t *Tracker) Observe(ev event.Event) {
	at := ev.Metadata().At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case event.MessageStart:
		t.settleExcept("", StatusCompleted, at)
		t.add("message:"+e.ID, "message", "Started "+string(e.Role)+" message", at)

	case event.MessageChunk:
		id := "writing:" + e.ID
		if !t.known(id) {
			t.settleExcept("", StatusCompleted, at)
			t.add(id, "writing", "Writing response", at)
		}

	case event.Activity:
		key := e.ID
		if key == "" {
			key = e.Step
		}
		id := string(e.Kind) + ":" + key
		if entry := t.find(id); entry != nil {
			if entry.Status == StatusActive {
				entry.Content += e.Content
				entry.Timestamp = at
			}
			return
		}
		if t.wasEvicted(id) {
			return
		}
		t.settleExcept("tool:", StatusCompleted, at)
		t.add(id, string(e.Kind), describe(e), at)

	case event.ToolCall:
		id := "tool:" + e.ID
		if t.known(id) {
			return
		}
		name := e.Name
		if name == "" {
			name = "tool"
		}
		t.add(id, "tool_call", "Calling "+name, at)

	case event.ToolCallResult:
		entry := t.find("tool:" + e.ID)
		if entry == nil {
			return
		}
		if e.Error != "" {
			entry.Content += ": " + e.Error
			settle(entry, StatusError, at)
		} else {
			settle(entry, StatusCompleted, at)
		}

	case event.Interrupt:
		t.settleExcept("", StatusCompleted, at)
		t.add(t.nextID("interrupt"), "interrupt", e.Content, at)
		settle(&t.entries[len(t.entries)-1], StatusCompleted, at)

	case event.Done:
		t.settleExcept("", StatusCompleted, at)

	case event.Error:
		t.settleExcept("", StatusError, at)
		t.add(t.nextID("error"), "error", e.Message, at)
		settle(&t.entries[len(t.entries)-1], StatusError, at)
	}
}

// Finish settles every active entry, for streams that end without a terminal
// event.
func (t *Tracker) Finish(status Status, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settleExcept("", status, at)
}

func describe(e event.Activity) string {
	switch e.Kind {
	case event.TypeSearch:
		return fmt.Sprintf("Searching for %q", e.Step)
	case event.TypeVisit:
		return "Reading " + e.Step
	}
	if e.Content != "" {
		return e.Content
	}
	if e.Step != "" {
		return e.Step
	}
	return string(e.Kind)
}

func (t *Tracker) nextID(prefix string) string {
	t.seq++
	return fmt.Sprintf("%s:%d", prefix, t.seq)
}

func (t *Tracker) find(id string) *Entry {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].ID == id {
			return &t.entries[i]
		}
	}
	return nil
}

// known reports whether id is in the timeline or was trimmed from it.
func (t *Tracker) known(id string) bool {
	return t.find(id) != nil || t.wasEvicted(id)
}

func (t *Tracker) wasEvicted(id string) bool {
	_, ok := t.evicted[id]
	return ok
}

func (t *Tracker) add(id, typ, content string, at time.Time) {
	t.entries = append(t.entries, Entry{ID: id, Type: typ, Content: content, Status: StatusActive, Timestamp: at})
	n := len(t.entries) - t.limit
	if n <= 0 {
		return
	}
	for _, e := range t.entries[:n] {
		t.evict(e.ID)
	}
	t.entries = append(t.entries[:0:0], t.entries[n:]...)
}

func (t *Tracker) evict(id string) {
	if _, ok := t.evicted[id]; ok {
		return
	}
	t.evicted[id] = struct{}{}
	t.evictedOrder = append(t.evictedOrder, id)
	if n := len(t.evictedOrder) - evictedFactor*t.limit; n > 0 {
		for _, old := range t.evictedOrder[:n] {
			delete(t.evicted, old)
		}
		t.evictedOrder = append(t.evictedOrder[:0:0], t.evictedOrder[n:]...)
	}
}

// settleExcept settles every active entry whose id does not start with keep.
func (t *Tracker) settleExcept(keep string, status Status, at time.Time) {
	for i := range t.entries {
		e := &t.entries[i]
		if keep != "" && strings.HasPrefix(e.ID, keep) {
			continue
		}
		settle(e, status, at)
	}
}

func settle(e *Entry, status Status, at time.Time) {
	if e.Status != StatusActive {
		return
	}
	e.Status = status
	e.Timestamp = at
}

// Registry keeps one tracker per thread.
type Registry struct {
	mu       sync.Mutex
	limit    int
	trackers map[string]*Tracker
}

// NewRegistry creates a registry whose trackers keep limit entries.
func NewRegistry(limit int) *Registry {
	return &Registry{limit: limit, trackers: make(map[string]*Tracker)}
}

// Reset replaces the tracker of a thread with an empty one and returns it.
// A new stream starts a new timeline.
func (r *Registry) Reset(threadID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := NewTracker(r.limit)
	r.trackers[threadID] = t
	return t
}

// Get returns the tracker of a thread, if any.
func (r *Registry) Get(threadID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[threadID]
	return t, ok
}

// Delete drops the tracker of a thread.
func (r *Registry) Delete(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, threadID)
}
