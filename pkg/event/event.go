// Package event defines the envelope events emitted by a remote agent stream
// and a decoder that turns raw transport bytes into those events.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nstogner/ideacheck/pkg/domain"
)

// Type names an envelope event.
type Type string

const (
	TypeMessageStart   Type = "message_start"
	TypeMessageChunk   Type = "message_chunk"
	TypeToolCall       Type = "tool_call"
	TypeToolCallResult Type = "tool_call_result"
	TypeThinking       Type = "thinking"
	TypeReasoning      Type = "reasoning"
	TypeSearch         Type = "search"
	TypeVisit          Type = "visit"
	TypeInterrupt      Type = "interrupt"
	TypeDone           Type = "done"
	TypeError          Type = "error"
)

// Meta is carried by every event: the frame sequence id assigned by the
// transport (may be empty) and the time the frame was decoded.
type Meta struct {
	Seq string    `json:"seq,omitempty"`
	At  time.Time `json:"at"`
}

// Metadata returns the frame metadata.
func (m Meta) Metadata() Meta { return m }

// Event is a decoded envelope. The set of implementations is closed; a type
// switch over the variants below is exhaustive.
type Event interface {
	Type() Type
	Metadata() Meta
	sealed()
}

// MessageStart opens a message.
type MessageStart struct {
	Meta
	ID       string      `json:"id"`
	ThreadID string      `json:"thread_id,omitempty"`
	Role     domain.Role `json:"role,omitempty"`
	Agent    string      `json:"agent,omitempty"`
}

// MessageChunk carries a piece of message text.
type MessageChunk struct {
	Meta
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content"`
}

// ToolCall creates a tool call or extends its arguments. Args is the raw
// argument text of this frame: a fragment or the whole payload.
type ToolCall struct {
	Meta
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Args string `json:"args,omitempty"`
}

// ToolCallResult attaches an outcome to a tool call.
type ToolCallResult struct {
	Meta
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Activity is a thinking, reasoning, search or visit trace.
type Activity struct {
	Meta
	Kind    Type              `json:"kind"`
	ID      string            `json:"id,omitempty"`
	Step    string            `json:"step,omitempty"`
	Content string            `json:"content,omitempty"`
	Sources []domain.Citation `json:"sources,omitempty"`
}

// Interrupt pauses the turn and asks the user to choose an option.
type Interrupt struct {
	Meta
	Content string          `json:"content,omitempty"`
	Options []domain.Option `json:"options,omitempty"`
}

// Done ends the turn normally.
type Done struct {
	Meta
}

// Error ends the turn with a failure reported by the agent.
type Error struct {
	Meta
	Message string `json:"error"`
}

// Unknown is an event type this build does not understand.
type Unknown struct {
	Meta
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (MessageStart) Type() Type   { return TypeMessageStart }
func (MessageChunk) Type() Type   { return TypeMessageChunk }
func (ToolCall) Type() Type       { return TypeToolCall }
func (ToolCallResult) Type() Type { return TypeToolCallResult }
func (a Activity) Type() Type     { return a.Kind }
func (Interrupt) Type() Type      { return TypeInterrupt }
func (Done) Type() Type           { return TypeDone }
func (Error) Type() Type          { return TypeError }
func (u Unknown) Type() Type      { return Type(u.Name) }

func (MessageStart) sealed()   {}
func (MessageChunk) sealed()   {}
func (ToolCall) sealed()       {}
func (ToolCallResult) sealed() {}
func (Activity) sealed()       {}
func (Interrupt) sealed()      {}
func (Done) sealed()           {}
func (Error) sealed()          {}
func (Unknown) sealed()        {}

// IsTerminal reports whether ev ends a message's streaming phase.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Done, Interrupt, Error:
		return true
	}
	return false
}

// MessageID returns the message id an event addresses, or "" for events that
// apply to the current message.
func MessageID(ev Event) string {
	switch e := ev.(type) {
	case MessageStart:
		return e.ID
	case MessageChunk:
		return e.ID
	}
	return ""
}

// Envelope is the wire shape of one frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Seq   json.RawMessage `json:"seq,omitempty"`
}

// ErrMalformed is wrapped by every payload validation failure.
var ErrMalformed = errors.New("malformed event")

// Parse converts a named payload into a typed event.
func Parse(name string, data json.RawMessage, meta Meta) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	if name == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}

	switch Type(name) {
	case TypeMessageStart:
		var p struct {
			ID       string      `json:"id"`
			ThreadID string      `json:"thread_id"`
			Role     domain.Role `json:"role"`
			Agent    string      `json:"agent"`
		}
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformed, name)
		}
		if p.Role == "" {
			p.Role = domain.RoleAssistant
		}
		if p.Role != domain.RoleAssistant && p.Role != domain.RoleUser {
			return nil, fmt.Errorf("%w: %s with role %q", ErrMalformed, name, p.Role)
		}
		return MessageStart{Meta: meta, ID: p.ID, ThreadID: p.ThreadID, Role: p.Role, Agent: p.Agent}, nil

	case TypeMessageChunk:
		var p struct {
			ID       string `json:"id"`
			ThreadID string `json:"thread_id"`
			Content  string `json:"content"`
		}
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		return MessageChunk{Meta: meta, ID: p.ID, ThreadID: p.ThreadID, Content: p.Content}, nil

	case TypeToolCall:
		var p struct {
			ID   string          `json:"id"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		}
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformed, name)
		}
		args, err := argsText(p.Args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s args: %v", ErrMalformed, name, err)
		}
		return ToolCall{Meta: meta, ID: p.ID, Name: p.Name, Args: args}, nil

	case TypeToolCallResult:
		var p struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: %s without id", ErrMalformed, name)
		}
		ev := ToolCallResult{Meta: meta, ID: p.ID, Error: errorText(p.Error)}
		if r := bytes.TrimSpace(p.Result); len(r) > 0 && !bytes.Equal(r, []byte("null")) {
			ev.Result = r
		}
		return ev, nil

	case TypeThinking, TypeReasoning, TypeSearch, TypeVisit:
		var p struct {
			ID      string            `json:"id"`
			Phase   string            `json:"phase"`
			Step    string            `json:"step"`
			Query   string            `json:"query"`
			URL     string            `json:"url"`
			Title   string            `json:"title"`
			Content string            `json:"content"`
			Results []domain.Citation `json:"results"`
		}
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		ev := Activity{Meta: meta, Kind: Type(name), ID: p.ID, Content: p.Content}
		switch ev.Kind {
		case TypeThinking:
			ev.Step = p.Phase
		case TypeReasoning:
			ev.Step = p.Step
		case TypeSearch:
			ev.Step = p.Query
			for _, r := range p.Results {
				if r.URL != "" {
					ev.Sources = append(ev.Sources, r)
				}
			}
		case TypeVisit:
			ev.Step = p.URL
			if p.URL != "" {
				ev.Sources = []domain.Citation{{URL: p.URL, Title: p.Title}}
			}
		}
		return ev, nil

	case TypeInterrupt:
		var p struct {
			Content string          `json:"content"`
			Options []domain.Option `json:"options"`
		}
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		return Interrupt{Meta: meta, Content: p.Content, Options: p.Options}, nil

	case TypeDone:
		return Done{Meta: meta}, nil

	case TypeError:
		var p struct {
			Error json.RawMessage `json:"error"`
		}
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		msg := errorText(p.Error)
		if msg == "" {
			msg = "agent reported an error"
		}
		return Error{Meta: meta, Message: msg}, nil

	default:
		return Unknown{Meta: meta, Name: name, Data: data}, nil
	}
}

func unmarshal(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, name, err)
	}
	return nil
}

// argsText returns the argument text of a tool_call frame. A JSON string is a
// raw fragment; any other JSON value is a complete payload kept verbatim.
func argsText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

// errorText accepts either a string or an object with a message field.
func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// seqText normalizes an envelope seq that may be a number or a string.
func seqText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
