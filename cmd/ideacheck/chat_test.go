package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nstogner/ideacheck/pkg/domain"
)

func TestFeedbackFor(t *testing.T) {
	interrupted := []domain.Message{
		{ID: "u1", Role: domain.RoleUser, FinishReason: domain.FinishCompleted},
		{ID: "a1", Role: domain.RoleAssistant, FinishReason: domain.FinishInterrupted, Options: []domain.Option{
			{Text: "Small businesses", Value: "smb"},
			{Text: "Enterprise", Value: "enterprise"},
		}},
	}

	tests := []struct {
		name   string
		msgs   []domain.Message
		input  string
		want   string
		wantOK bool
	}{
		{name: "number", msgs: interrupted, input: "2", want: "enterprise", wantOK: true},
		{name: "text", msgs: interrupted, input: "small businesses", want: "smb", wantOK: true},
		{name: "value", msgs: interrupted, input: "SMB", want: "smb", wantOK: true},
		{name: "out of range", msgs: interrupted, input: "3"},
		{name: "free text", msgs: interrupted, input: "Consumers, actually"},
		{name: "not interrupted", msgs: interrupted[:1], input: "1"},
		{name: "empty thread", input: "1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := feedbackFor(tc.msgs, tc.input)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUpsertMessage(t *testing.T) {
	msgs := []domain.Message{
		{ID: "u1", Revision: 1, FinishReason: domain.FinishCompleted},
		{ID: "a1", Revision: 2, IsStreaming: true, Content: "Hel"},
	}

	msgs = upsertMessage(msgs, domain.Message{ID: "a1", Revision: 3, IsStreaming: true, Content: "Hello"})
	assert.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)

	// A late, older revision does not roll the message back.
	msgs = upsertMessage(msgs, domain.Message{ID: "a1", Revision: 2, IsStreaming: true, Content: "Hel"})
	assert.Equal(t, "Hello", msgs[1].Content)

	msgs = upsertMessage(msgs, domain.Message{ID: "a2", Revision: 4, IsStreaming: true})
	assert.Len(t, msgs, 3)
}

func TestRenderMessages(t *testing.T) {
	out := renderMessages([]domain.Message{
		{Role: domain.RoleUser, Content: "Dog walking app", FinishReason: domain.FinishCompleted},
		{
			Role:         domain.RoleAssistant,
			Content:      "Which segment?",
			FinishReason: domain.FinishInterrupted,
			ToolCalls: []domain.ToolCall{
				{ID: "c1", Name: "market_size", Complete: true, Result: []byte(`{"som":3000}`)},
				{ID: "c2", Name: "break_even", Complete: true, Error: "no break-even point"},
			},
			Options: []domain.Option{{Text: "SMB", Value: "smb"}},
		},
		{Role: domain.RoleAssistant, Content: "Partial", FinishReason: domain.FinishError, Metadata: domain.Metadata{Error: "quota exceeded"}},
		{Role: domain.RoleAssistant, Content: "Half", FinishReason: domain.FinishInterrupted, Metadata: domain.Metadata{InterruptPrompt: "stream cancelled"}},
	}, nil)

	assert.Contains(t, out, "Dog walking app")
	assert.Contains(t, out, "[Tool: market_size]")
	assert.Contains(t, out, `{"som":3000}`)
	assert.Contains(t, out, "no break-even point")
	assert.Contains(t, out, "1. SMB")
	assert.Contains(t, out, "quota exceeded")
	assert.Contains(t, out, "Interrupted: stream cancelled")

	assert.Contains(t, renderMessages(nil, nil), "business idea")
}
