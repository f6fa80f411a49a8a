package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/event"
	"github.com/nstogner/ideacheck/pkg/transport"
)

// scripted replays one canned response list per round and records what the
// agent sent.
type scripted struct {
	rounds [][]*genai.Part
	err    error
	seen   [][]*genai.Content
}

func (s *scripted) stream(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	s.seen = append(s.seen, append([]*genai.Content(nil), contents...))
	round := len(s.seen) - 1
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		if s.err != nil {
			yield(nil, s.err)
			return
		}
		if round >= len(s.rounds) {
			return
		}
		for _, p := range s.rounds[round] {
			resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{p}},
			}}}
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func collect(t *testing.T, a *Agent, req domain.StreamRequest) ([]event.Event, error) {
	t.Helper()
	rc, err := a.Open(context.Background(), req, "")
	require.NoError(t, err)
	defer rc.Close()

	var evs []event.Event
	for ev, err := range event.Decode(context.Background(), rc) {
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func TestTurnWithToolCall(t *testing.T) {
	s := &scripted{rounds: [][]*genai.Part{
		{
			{Text: "Sizing the market first.", Thought: true},
			{Text: "Let me size it. "},
			{FunctionCall: &genai.FunctionCall{ID: "c1", Name: "market_size", Args: map[string]any{
				"customers": 1000.0, "annual_price": 120.0, "serviceable_share": 0.5,
			}}},
		},
		{{Text: "The obtainable market is about $3k."}},
	}}
	a := NewAgent(s.stream)

	evs, err := collect(t, a, domain.StreamRequest{ThreadID: "t1", Content: "Dog walking app"})
	require.NoError(t, err)

	var types []event.Type
	for _, ev := range evs {
		types = append(types, ev.Type())
	}
	assert.Equal(t, []event.Type{
		event.TypeMessageStart, event.TypeThinking, event.TypeMessageChunk,
		event.TypeToolCall, event.TypeToolCallResult, event.TypeMessageChunk, event.TypeDone,
	}, types)

	start := evs[0].(event.MessageStart)
	assert.Equal(t, AgentName, start.Agent)
	assert.Equal(t, "t1", start.ThreadID)
	assert.Equal(t, start.ID, evs[2].(event.MessageChunk).ID)

	res := evs[4].(event.ToolCallResult)
	assert.Equal(t, "c1", res.ID)
	assert.JSONEq(t, `{"tam":120000,"sam":60000,"som":3000}`, string(res.Result))

	require.Len(t, s.seen, 2)
	second := s.seen[1]
	require.Len(t, second, 3)
	assert.Equal(t, genai.RoleModel, second[1].Role)
	fr := second[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "c1", fr.ID)
	assert.Contains(t, fr.Response, "result")
}

func TestToolErrorIsReported(t *testing.T) {
	s := &scripted{rounds: [][]*genai.Part{
		{{FunctionCall: &genai.FunctionCall{ID: "c1", Name: "break_even", Args: map[string]any{
			"fixed_costs": 100.0, "unit_price": 5.0, "variable_cost": 9.0,
		}}}},
		{{Text: "That price cannot break even."}},
	}}
	evs, err := collect(t, NewAgent(s.stream), domain.StreamRequest{ThreadID: "t", Content: "x"})
	require.NoError(t, err)

	var res event.ToolCallResult
	for _, ev := range evs {
		if r, ok := ev.(event.ToolCallResult); ok {
			res = r
		}
	}
	assert.Contains(t, res.Error, "no break-even point")
	assert.Contains(t, s.seen[1][2].Parts[0].FunctionResponse.Response, "error")
}

func TestFeedbackInterrupts(t *testing.T) {
	s := &scripted{rounds: [][]*genai.Part{{
		{Text: "Before I go on:"},
		{FunctionCall: &genai.FunctionCall{Name: FeedbackTool, Args: map[string]any{
			"question": "Which segment?", "options": []any{"SMB", "Enterprise"},
		}}},
	}}}
	evs, err := collect(t, NewAgent(s.stream), domain.StreamRequest{ThreadID: "t", Content: "x"})
	require.NoError(t, err)

	last := evs[len(evs)-1].(event.Interrupt)
	assert.Equal(t, "Which segment?", last.Content)
	assert.Equal(t, []domain.Option{{Text: "SMB", Value: "SMB"}, {Text: "Enterprise", Value: "Enterprise"}}, last.Options)
	for _, ev := range evs {
		assert.NotEqual(t, event.TypeToolCall, ev.Type())
	}
	assert.Len(t, s.seen, 1)
}

func TestAPIErrorIsClassified(t *testing.T) {
	s := &scripted{err: genai.APIError{Code: http.StatusServiceUnavailable, Message: "overloaded"}}
	_, err := collect(t, NewAgent(s.stream), domain.StreamRequest{ThreadID: "t", Content: "x"})

	var se *transport.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, transport.IsRetryable(err))
}

type history []domain.Message

func (h history) GetByThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	return h, nil
}

func TestHistoryBecomesContents(t *testing.T) {
	s := &scripted{rounds: [][]*genai.Part{{{Text: "ok"}}}}
	h := history{
		{Role: domain.RoleUser, Content: "Idea: dog walking"},
		{Role: domain.RoleAssistant, Content: "Sounds crowded."},
		{Role: domain.RoleAssistant, Content: "partial", IsStreaming: true},
		{Role: domain.RoleUser, Content: "What about cats?"},
	}
	_, err := collect(t, NewAgent(s.stream, WithHistory(h)), domain.StreamRequest{ThreadID: "t", Content: "What about cats?"})
	require.NoError(t, err)

	got := s.seen[0]
	require.Len(t, got, 3)
	assert.Equal(t, []string{genai.RoleUser, genai.RoleModel, genai.RoleUser}, []string{got[0].Role, got[1].Role, got[2].Role})
	assert.Equal(t, "What about cats?", got[2].Parts[0].Text)
}

func TestFailedTurnsAreLeftOut(t *testing.T) {
	s := &scripted{rounds: [][]*genai.Part{{{Text: "ok"}}}}
	h := history{
		{Role: domain.RoleUser, Content: "Idea: dog walking", FinishReason: domain.FinishCompleted},
		{Role: domain.RoleAssistant, Content: "Sounds\n\nstream failed after 3 retries: unexpected EOF", FinishReason: domain.FinishError},
		{Role: domain.RoleAssistant, Content: "Sounds crowded", FinishReason: domain.FinishError},
		{Role: domain.RoleAssistant, Content: "Sounds crowded.", FinishReason: domain.FinishInterrupted},
		{Role: domain.RoleUser, Content: "What about cats?", FinishReason: domain.FinishCompleted},
	}
	_, err := collect(t, NewAgent(s.stream, WithHistory(h)), domain.StreamRequest{ThreadID: "t", Content: "What about cats?"})
	require.NoError(t, err)

	got := s.seen[0]
	require.Len(t, got, 3)
	assert.Equal(t, genai.RoleModel, got[1].Role)
	assert.Equal(t, "Sounds crowded.", got[1].Parts[0].Text)
	for _, c := range got {
		assert.NotContains(t, c.Parts[0].Text, "stream failed")
	}
}

func TestEmptyRequestIsPermanent(t *testing.T) {
	_, err := NewAgent((&scripted{}).stream).Open(context.Background(), domain.StreamRequest{ThreadID: "t"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrPermanent))
}

func TestDeclarations(t *testing.T) {
	cfg := NewAgent(nil).config()
	var names []string
	for _, d := range cfg.Tools[0].FunctionDeclarations {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"break_even", "market_size", "unit_economics", FeedbackTool}, names)

	raw, err := json.Marshal(cfg.Tools[0].FunctionDeclarations[1].ParametersJsonSchema)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"annual_price"`)
}
