// Package merge rebuilds a message from the events of an agent stream.
//
// Apply is a pure function: it never mutates its input draft and performs no
// I/O, so a message can be reconstructed (and tested) without a transport.
package merge

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/event"
)

// New returns an empty streaming draft.
func New(id, threadID string, role domain.Role, at time.Time) *domain.Message {
	return &domain.Message{
		ID:          id,
		ThreadID:    threadID,
		Role:        role,
		IsStreaming: true,
		Metadata: domain.Metadata{
			ThreadID:  threadID,
			CreatedAt: at,
			UpdatedAt: at,
		},
	}
}

// Apply returns the draft that results from applying ev to draft.
//
// draft may be nil; message_start and message_chunk events carrying an id
// create it. Any other event on a nil draft yields nil. A terminal draft is
// returned unchanged.
func Apply(draft *domain.Message, ev event.Event) *domain.Message {
	if draft != nil && draft.Terminal() {
		return draft
	}
	at := ev.Metadata().At

	if draft == nil {
		switch e := ev.(type) {
		case event.MessageStart:
			draft = New(e.ID, e.ThreadID, e.Role, at)
		case event.MessageChunk:
			if e.ID == "" {
				return nil
			}
			draft = New(e.ID, e.ThreadID, domain.RoleAssistant, at)
		default:
			return nil
		}
	} else {
		if _, ok := ev.(event.Unknown); ok {
			return draft
		}
		draft = draft.Clone()
	}

	// Any event other than a further fragment of the same call completes the
	// open argument streams.
	open := ""
	if tc, ok := ev.(event.ToolCall); ok {
		open = tc.ID
	}
	sealExcept(draft, open)

	switch e := ev.(type) {
	case event.MessageStart:
		if draft.Role == "" {
			draft.Role = e.Role
		}
		if draft.ThreadID == "" {
			draft.ThreadID = e.ThreadID
			draft.Metadata.ThreadID = e.ThreadID
		}
		if e.Agent != "" {
			draft.Metadata.Agent = e.Agent
		}

	case event.MessageChunk:
		draft.Content += e.Content

	case event.ToolCall:
		applyToolCall(draft, e)

	case event.ToolCallResult:
		tc := draft.ToolCall(e.ID)
		if tc == nil {
			draft.PendingResults = append(draft.PendingResults, domain.ToolResult{
				ToolCallID: e.ID,
				Result:     slices.Clone(e.Result),
				Error:      e.Error,
			})
			break
		}
		attach(tc, e.Result, e.Error)

	case event.Activity:
		applyActivity(draft, e, at)

	case event.Interrupt:
		draft.Options = slices.Clone(e.Options)
		draft.Metadata.InterruptPrompt = e.Content
		finish(draft, domain.FinishInterrupted, at)

	case event.Done:
		finish(draft, domain.FinishCompleted, at)

	case event.Error:
		appendError(draft, e.Message)
		finish(draft, domain.FinishError, at)
	}

	draft.Metadata.UpdatedAt = at
	return draft
}

// Finalize moves a non-terminal draft to reason. It is used when the stream
// ends without a terminal event: cancellation, timeout or transport failure.
// For FinishError the note is appended to the content as the error text; for
// other reasons it is recorded as the interrupt prompt when none was given.
func Finalize(draft *domain.Message, reason domain.FinishReason, note string, at time.Time) *domain.Message {
	if draft == nil || draft.Terminal() {
		return draft
	}
	draft = draft.Clone()
	sealExcept(draft, "")

	switch reason {
	case domain.FinishError:
		appendError(draft, note)
	default:
		if draft.Metadata.InterruptPrompt == "" {
			draft.Metadata.InterruptPrompt = note
		}
	}
	finish(draft, reason, at)
	draft.Metadata.UpdatedAt = at
	return draft
}

func finish(m *domain.Message, reason domain.FinishReason, at time.Time) {
	m.IsStreaming = false
	m.FinishReason = reason
	m.Metadata.FinishedAt = at
}

func appendError(m *domain.Message, text string) {
	if text == "" {
		return
	}
	if m.Content != "" {
		m.Content += "\n\n"
	}
	m.Content += text
	m.Metadata.Error = text
}

func applyToolCall(m *domain.Message, e event.ToolCall) {
	tc := m.ToolCall(e.ID)
	if tc == nil {
		m.ToolCalls = append(m.ToolCalls, domain.ToolCall{ID: e.ID, Name: e.Name})
		tc = &m.ToolCalls[len(m.ToolCalls)-1]

		// Attach a result that overtook its call.
		for i, r := range m.PendingResults {
			if r.ToolCallID == e.ID {
				m.PendingResults = slices.Delete(m.PendingResults, i, i+1)
				if e.Args != "" {
					tc.ArgsFragments = append(tc.ArgsFragments, e.Args)
				}
				attach(tc, r.Result, r.Error)
				return
			}
		}
	} else if e.Name != "" && tc.Name == "" {
		tc.Name = e.Name
	}

	if e.Args == "" {
		return
	}
	if tc.Complete {
		// A late fragment reopens the call.
		tc.Complete = false
		tc.Args = nil
		tc.ArgsError = ""
	}
	tc.ArgsFragments = append(tc.ArgsFragments, e.Args)
}

// attach sets the outcome of tc once and completes its arguments. An error
// takes precedence over a result.
func attach(tc *domain.ToolCall, result json.RawMessage, errText string) {
	seal(tc)
	if tc.HasOutcome() {
		return
	}
	if errText != "" {
		tc.Error = errText
		return
	}
	tc.Result = slices.Clone(result)
}

func sealExcept(m *domain.Message, id string) {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID != id {
			seal(&m.ToolCalls[i])
		}
	}
}

// seal completes a call: the fragments collapse into one string which is
// parsed as the call arguments.
func seal(tc *domain.ToolCall) {
	if tc.Complete {
		return
	}
	tc.Complete = true
	joined := strings.Join(tc.ArgsFragments, "")
	tc.Args = nil
	tc.ArgsError = ""
	if joined == "" {
		tc.ArgsFragments = nil
		return
	}
	tc.ArgsFragments = []string{joined}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(joined)); err != nil {
		tc.ArgsError = err.Error()
		return
	}
	tc.Args = buf.Bytes()
}

func applyActivity(m *domain.Message, e event.Activity, at time.Time) {
	kind := string(e.Kind)
	acts := m.Metadata.Activities
	if n := len(acts); n > 0 {
		last := &acts[n-1]
		if last.Kind == kind && last.ID == e.ID && (e.ID != "" || last.Step == e.Step || e.Step == "") {
			last.Content += e.Content
			if e.Step != "" {
				last.Step = e.Step
			}
			last.Timestamp = at
			addCitations(m, e.Sources)
			return
		}
	}
	m.Metadata.Activities = append(acts, domain.ActivityRecord{
		Kind:      kind,
		ID:        e.ID,
		Step:      e.Step,
		Content:   e.Content,
		Timestamp: at,
	})
	addCitations(m, e.Sources)
}

func addCitations(m *domain.Message, sources []domain.Citation) {
	for _, src := range sources {
		i := slices.IndexFunc(m.Metadata.Citations, func(c domain.Citation) bool { return c.URL == src.URL })
		if i < 0 {
			m.Metadata.Citations = append(m.Metadata.Citations, src)
			continue
		}
		if m.Metadata.Citations[i].Title == "" {
			m.Metadata.Citations[i].Title = src.Title
		}
	}
}
