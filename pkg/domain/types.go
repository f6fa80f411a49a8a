package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Message is one user or assistant turn of a thread. Assistant messages are
// rebuilt incrementally from the agent event stream.
type Message struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"thread_id"`
	Role         Role         `json:"role"`
	Content      string       `json:"content"`
	IsStreaming  bool         `json:"is_streaming"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Options      []Option     `json:"options,omitempty"`
	Metadata     Metadata     `json:"metadata"`

	// PendingResults holds tool outcomes that arrived before their call.
	PendingResults []ToolResult `json:"pending_results,omitempty"`

	// Revision orders writes for the same ID by event arrival. The store
	// never replaces a message with a lower revision.
	Revision uint64 `json:"revision"`
}

// Metadata carries everything about a message that is not its text.
type Metadata struct {
	Agent           string           `json:"agent,omitempty"`
	ThreadID        string           `json:"thread_id,omitempty"`
	Citations       []Citation       `json:"citations,omitempty"`
	Activities      []ActivityRecord `json:"activities,omitempty"`
	InterruptPrompt string           `json:"interrupt_prompt,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	FinishedAt      time.Time        `json:"finished_at,omitzero"`
}

// ToolCall is one capability invoked by the agent within a message.
type ToolCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ArgsFragments []string        `json:"args_fragments,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	ArgsError     string          `json:"args_error,omitempty"`
	Complete      bool            `json:"complete"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// HasOutcome reports whether a result or an error was attached.
func (tc *ToolCall) HasOutcome() bool {
	return len(tc.Result) > 0 || tc.Error != ""
}

// ArgsMap decodes the completed arguments as a JSON object.
func (tc *ToolCall) ArgsMap() (map[string]any, error) {
	var m map[string]any
	if len(tc.Args) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(tc.Args, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToolResult is the outcome of a tool call as delivered by the agent.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Option is a selectable feedback choice offered on interrupt.
type Option struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// Citation is a source the agent consulted while answering.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ActivityRecord is one reasoning or research step attached to a message.
type ActivityRecord struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread groups the messages of one conversation.
type Thread struct {
	ID              string    `json:"id"`
	ActiveMessageID string    `json:"active_message_id,omitempty"`
	MessageCount    int       `json:"message_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StreamRequest is the payload sent to the agent to open a stream.
type StreamRequest struct {
	ThreadID          string            `json:"thread_id"`
	Content           string            `json:"content,omitempty"`
	Agent             string            `json:"agent,omitempty"`
	InterruptFeedback string            `json:"interrupt_feedback,omitempty"`
	Resources         []string          `json:"resources,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Terminal reports whether the message reached an absorbing state.
func (m *Message) Terminal() bool {
	return !m.IsStreaming && m.FinishReason.Terminal()
}

// ToolCall returns the tool call with the given id, or nil.
func (m *Message) ToolCall(id string) *ToolCall {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == id {
			return &m.ToolCalls[i]
		}
	}
	return nil
}

// Clone returns a deep copy that shares no mutable state with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		tc.ArgsFragments = slices.Clone(tc.ArgsFragments)
		tc.Args = slices.Clone(tc.Args)
		tc.Result = slices.Clone(tc.Result)
		c.ToolCalls[i] = tc
	}
	if m.ToolCalls == nil {
		c.ToolCalls = nil
	}
	c.Options = slices.Clone(m.Options)
	c.PendingResults = slices.Clone(m.PendingResults)
	for i := range c.PendingResults {
		c.PendingResults[i].Result = slices.Clone(c.PendingResults[i].Result)
	}
	c.Metadata.Citations = slices.Clone(m.Metadata.Citations)
	c.Metadata.Activities = slices.Clone(m.Metadata.Activities)
	return &c
}

// Supersedes reports whether next may replace prev in a store.
//
// A terminal message is never replaced. A streaming message is replaced by
// any write of the same or a newer revision; older revisions are dropped.
func Supersedes(next, prev *Message) bool {
	if prev == nil {
		return true
	}
	if prev.Terminal() {
		return false
	}
	return next.Revision >= prev.Revision
}
