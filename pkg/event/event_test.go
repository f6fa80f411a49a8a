package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/ideacheck/pkg/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		data    string
		want    Event
		wantErr bool
	}{
		{
			name:  "message start defaults role",
			event: "message_start",
			data:  `{"id":"m1"}`,
			want:  MessageStart{ID: "m1", Role: domain.RoleAssistant},
		},
		{
			name:  "user message start",
			event: "message_start",
			data:  `{"id":"u1","role":"user","thread_id":"th"}`,
			want:  MessageStart{ID: "u1", Role: domain.RoleUser, ThreadID: "th"},
		},
		{
			name:    "message start without id",
			event:   "message_start",
			data:    `{}`,
			wantErr: true,
		},
		{
			name:  "tool call fragment",
			event: "tool_call",
			data:  `{"id":"t","name":"search","args":"{\"q\""}`,
			want:  ToolCall{ID: "t", Name: "search", Args: `{"q"`},
		},
		{
			name:  "tool call full payload",
			event: "tool_call",
			data:  `{"id":"t","args":{"q":1}}`,
			want:  ToolCall{ID: "t", Args: `{"q":1}`},
		},
		{
			name:  "tool result object error",
			event: "tool_call_result",
			data:  `{"id":"t","error":{"message":"denied"}}`,
			want:  ToolCallResult{ID: "t", Error: "denied"},
		},
		{
			name:  "tool result",
			event: "tool_call_result",
			data:  `{"id":"t","result":{"n":2}}`,
			want:  ToolCallResult{ID: "t", Result: json.RawMessage(`{"n":2}`)},
		},
		{
			name:  "search with results",
			event: "search",
			data:  `{"query":"tam","results":[{"url":"https://a","title":"A"},{"title":"no url"}]}`,
			want:  Activity{Kind: TypeSearch, Step: "tam", Sources: []domain.Citation{{URL: "https://a", Title: "A"}}},
		},
		{
			name:  "visit",
			event: "visit",
			data:  `{"url":"https://b","title":"B"}`,
			want:  Activity{Kind: TypeVisit, Step: "https://b", Sources: []domain.Citation{{URL: "https://b", Title: "B"}}},
		},
		{
			name:  "thinking phase",
			event: "thinking",
			data:  `{"phase":"planning","content":"hmm"}`,
			want:  Activity{Kind: TypeThinking, Step: "planning", Content: "hmm"},
		},
		{
			name:  "interrupt",
			event: "interrupt",
			data:  `{"content":"Which?","options":[{"text":"Yes","value":"y"}]}`,
			want:  Interrupt{Content: "Which?", Options: []domain.Option{{Text: "Yes", Value: "y"}}},
		},
		{
			name:  "error without text",
			event: "error",
			data:  `null`,
			want:  Error{Message: "agent reported an error"},
		},
		{
			name:  "unknown event",
			event: "heartbeat",
			data:  `{"x":1}`,
			want:  Unknown{Name: "heartbeat", Data: json.RawMessage(`{"x":1}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.event, json.RawMessage(tt.data), Meta{})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Done{}))
	assert.True(t, IsTerminal(Error{}))
	assert.True(t, IsTerminal(Interrupt{}))
	assert.False(t, IsTerminal(MessageChunk{}))
	assert.False(t, IsTerminal(Unknown{Name: "done"}))
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "m", MessageID(MessageChunk{ID: "m"}))
	assert.Equal(t, "s", MessageID(MessageStart{ID: "s"}))
	assert.Empty(t, MessageID(ToolCall{ID: "t"}))
}
