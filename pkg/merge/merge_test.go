package merge

import (
	"encoding/json"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/event"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func applyAll(draft *domain.Message, evs ...event.Event) *domain.Message {
	for _, ev := range evs {
		draft = Apply(draft, ev)
	}
	return draft
}

func start(id string) event.Event {
	return event.MessageStart{ID: id, Role: domain.RoleAssistant}
}

func chunk(id, s string) event.Event {
	return event.MessageChunk{ID: id, Content: s}
}

func TestHelloWorld(t *testing.T) {
	m := applyAll(nil, start("1"), chunk("1", "Hello "), chunk("1", "world"), event.Done{})

	require.NotNil(t, m)
	assert.Equal(t, "1", m.ID)
	assert.Equal(t, "Hello world", m.Content)
	assert.False(t, m.IsStreaming)
	assert.Equal(t, domain.FinishCompleted, m.FinishReason)
}

func TestToolCallWithResult(t *testing.T) {
	m := applyAll(nil,
		start("2"),
		event.ToolCall{ID: "t1", Name: "search", Args: `{"query": "x"}`},
		event.ToolCallResult{ID: "t1", Result: json.RawMessage(`["r1"]`)},
		event.Done{},
	)

	tc := m.ToolCall("t1")
	require.NotNil(t, tc)
	assert.Equal(t, "search", tc.Name)
	assert.JSONEq(t, `{"query":"x"}`, string(tc.Args))
	assert.JSONEq(t, `["r1"]`, string(tc.Result))
	assert.True(t, tc.Complete)
	assert.Empty(t, tc.ArgsError)
}

func TestInterruptWithOptions(t *testing.T) {
	m := applyAll(nil,
		start("3"),
		chunk("3", "Proposed plan"),
		event.Interrupt{Content: "Accept the plan?", Options: []domain.Option{{Text: "Accept", Value: "accepted"}}},
	)

	assert.Equal(t, domain.FinishInterrupted, m.FinishReason)
	assert.False(t, m.IsStreaming)
	assert.Equal(t, []domain.Option{{Text: "Accept", Value: "accepted"}}, m.Options)
	assert.Equal(t, "Accept the plan?", m.Metadata.InterruptPrompt)
	assert.Equal(t, "Proposed plan", m.Content)
}

func TestToolArgsSplitInvariance(t *testing.T) {
	payload := `{"market":"pet insurance","regions":["EU","US"],"note":"a \"quoted\" word"}`
	whole := applyAll(nil, start("m"), event.ToolCall{ID: "t", Name: "size", Args: payload}, event.Done{})

	for i := 0; i <= len(payload); i++ {
		for j := i; j <= len(payload); j++ {
			split := applyAll(nil, start("m"),
				event.ToolCall{ID: "t", Name: "size", Args: payload[:i]},
				event.ToolCall{ID: "t", Args: payload[i:j]},
				event.ToolCall{ID: "t", Args: payload[j:]},
				event.Done{},
			)
			if diff := cmp.Diff(whole, split); diff != "" {
				t.Fatalf("split at %d,%d (-whole +split):\n%s", i, j, diff)
			}
		}
	}
}

func TestDoneAlwaysCompletes(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	gen := []func() event.Event{
		func() event.Event { return chunk("m", "x") },
		func() event.Event { return event.ToolCall{ID: "t", Args: `{"a":`} },
		func() event.Event { return event.ToolCall{ID: "u", Name: "n"} },
		func() event.Event { return event.ToolCallResult{ID: "t", Result: json.RawMessage(`1`)} },
		func() event.Event { return event.ToolCallResult{ID: "zz", Error: "nope"} },
		func() event.Event { return event.Activity{Kind: event.TypeThinking, Content: "hm"} },
		func() event.Event { return event.Activity{Kind: event.TypeVisit, Step: "https://a", Sources: []domain.Citation{{URL: "https://a"}}} },
		func() event.Event { return event.Unknown{Name: "ping"} },
	}

	for run := 0; run < 200; run++ {
		evs := []event.Event{start("m")}
		for n := r.IntN(20); n > 0; n-- {
			evs = append(evs, gen[r.IntN(len(gen))]())
		}
		evs = append(evs, event.Done{})

		m := applyAll(nil, evs...)
		require.False(t, m.IsStreaming, "run %d", run)
		require.Equal(t, domain.FinishCompleted, m.FinishReason, "run %d", run)
		for _, tc := range m.ToolCalls {
			require.True(t, tc.Complete, "run %d: call %s left open", run, tc.ID)
		}
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	draft := applyAll(nil, start("m"), chunk("m", "a"), event.ToolCall{ID: "t", Args: `{"x"`})
	before := draft.Clone()

	_ = Apply(draft, event.ToolCall{ID: "t", Args: `:1}`})
	_ = Apply(draft, chunk("m", "b"))
	_ = Apply(draft, event.Error{Message: "boom"})

	assert.Empty(t, cmp.Diff(before, draft))
}

func TestTerminalIsAbsorbing(t *testing.T) {
	done := applyAll(nil, start("m"), chunk("m", "final"), event.Done{})

	for _, ev := range []event.Event{
		chunk("m", "more"),
		event.Error{Message: "late"},
		event.Interrupt{Options: []domain.Option{{Text: "x"}}},
		event.ToolCall{ID: "t", Args: "{}"},
	} {
		got := Apply(done, ev)
		assert.Same(t, done, got)
	}
	assert.Equal(t, "final", done.Content)
}

func TestErrorAppendsText(t *testing.T) {
	m := applyAll(nil, start("m"), chunk("m", "partial"), event.Error{Message: "upstream failed"})
	assert.Equal(t, "partial\n\nupstream failed", m.Content)
	assert.Equal(t, domain.FinishError, m.FinishReason)
	assert.Equal(t, "upstream failed", m.Metadata.Error)

	m = applyAll(nil, start("m"), event.Error{Message: "upstream failed"})
	assert.Equal(t, "upstream failed", m.Content)
}

func TestResultBeforeCall(t *testing.T) {
	m := applyAll(nil, start("m"), event.ToolCallResult{ID: "t", Result: json.RawMessage(`42`)})
	require.Empty(t, m.ToolCalls)
	require.Len(t, m.PendingResults, 1)

	m = Apply(m, event.ToolCall{ID: "t", Name: "calc", Args: `{"n":1}`})
	require.Empty(t, m.PendingResults)
	tc := m.ToolCall("t")
	require.NotNil(t, tc)
	assert.Equal(t, `42`, string(tc.Result))
	assert.Equal(t, `{"n":1}`, string(tc.Args))
}

func TestToolOutcomeSetOnce(t *testing.T) {
	m := applyAll(nil, start("m"),
		event.ToolCall{ID: "t", Name: "fetch"},
		event.ToolCallResult{ID: "t", Result: json.RawMessage(`"ok"`), Error: "timeout"},
		event.ToolCallResult{ID: "t", Result: json.RawMessage(`"second"`)},
	)
	tc := m.ToolCall("t")
	assert.Equal(t, "timeout", tc.Error)
	assert.Nil(t, tc.Result)
}

func TestLateFragmentReopensCall(t *testing.T) {
	m := applyAll(nil, start("m"),
		event.ToolCall{ID: "t", Args: `{"a":`},
		chunk("m", "text"),
	)
	tc := m.ToolCall("t")
	require.True(t, tc.Complete)
	assert.NotEmpty(t, tc.ArgsError)

	m = applyAll(m, event.ToolCall{ID: "t", Args: `1}`}, event.Done{})
	tc = m.ToolCall("t")
	assert.True(t, tc.Complete)
	assert.Empty(t, tc.ArgsError)
	assert.Equal(t, `{"a":1}`, string(tc.Args))
	assert.Equal(t, []string{`{"a":1}`}, tc.ArgsFragments)
}

func TestActivitiesAndCitations(t *testing.T) {
	m := applyAll(nil, start("m"),
		event.Activity{Meta: event.Meta{At: t0}, Kind: event.TypeThinking, ID: "r1", Content: "Consider "},
		event.Activity{Meta: event.Meta{At: t0.Add(time.Second)}, Kind: event.TypeThinking, ID: "r1", Content: "competitors"},
		event.Activity{Kind: event.TypeSearch, Step: "pet insurance tam", Sources: []domain.Citation{{URL: "https://a"}, {URL: "https://b", Title: "B"}}},
		event.Activity{Kind: event.TypeVisit, Step: "https://a", Sources: []domain.Citation{{URL: "https://a", Title: "A"}}},
		event.Activity{Kind: event.TypeVisit, Step: "https://c", Sources: []domain.Citation{{URL: "https://c"}}},
	)

	assert.Empty(t, m.Content)
	require.Len(t, m.Metadata.Activities, 4)
	assert.Equal(t, "Consider competitors", m.Metadata.Activities[0].Content)
	assert.Equal(t, t0.Add(time.Second), m.Metadata.Activities[0].Timestamp)
	assert.Equal(t, []domain.Citation{
		{URL: "https://a", Title: "A"},
		{URL: "https://b", Title: "B"},
		{URL: "https://c"},
	}, m.Metadata.Citations)
}

func TestEventsWithoutDraft(t *testing.T) {
	assert.Nil(t, Apply(nil, event.Done{}))
	assert.Nil(t, Apply(nil, event.ToolCall{ID: "t"}))
	assert.Nil(t, Apply(nil, event.MessageChunk{Content: "no id"}))

	m := Apply(nil, chunk("c", "hi"))
	require.NotNil(t, m)
	assert.Equal(t, domain.RoleAssistant, m.Role)
	assert.True(t, m.IsStreaming)
}

func TestMessageStartFillsExistingDraft(t *testing.T) {
	m := applyAll(nil, chunk("m", "early"), event.MessageStart{ID: "m", Agent: "analyst", ThreadID: "th", Role: domain.RoleUser})
	assert.Equal(t, "early", m.Content)
	assert.Equal(t, "analyst", m.Metadata.Agent)
	assert.Equal(t, domain.RoleAssistant, m.Role)
	assert.Equal(t, "th", m.ThreadID)
}

func TestFinalize(t *testing.T) {
	draft := applyAll(nil, start("m"), chunk("m", "half"), event.ToolCall{ID: "t", Args: `{"q":1}`})

	m := Finalize(draft, domain.FinishInterrupted, "cancelled", t0)
	assert.Equal(t, domain.FinishInterrupted, m.FinishReason)
	assert.False(t, m.IsStreaming)
	assert.Equal(t, "half", m.Content)
	assert.Equal(t, "cancelled", m.Metadata.InterruptPrompt)
	assert.Equal(t, t0, m.Metadata.FinishedAt)
	assert.True(t, m.ToolCall("t").Complete)
	assert.True(t, draft.IsStreaming)

	m = Finalize(draft, domain.FinishError, "connection reset", t0)
	assert.Equal(t, "half\n\nconnection reset", m.Content)

	assert.Same(t, m, Finalize(m, domain.FinishCompleted, "", t0))
	assert.Nil(t, Finalize(nil, domain.FinishError, "x", t0))
}
