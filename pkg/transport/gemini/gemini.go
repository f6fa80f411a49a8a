// Package gemini is a local agent that answers stream requests with Gemini
// and writes its progress in the envelope event vocabulary, so it plugs into
// the controller like any remote agent.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nstogner/ideacheck/pkg/domain"
	"github.com/nstogner/ideacheck/pkg/event"
	"github.com/nstogner/ideacheck/pkg/tools"
	"github.com/nstogner/ideacheck/pkg/transport"
)

// AgentName is reported in message_start.
const AgentName = "gemini"

// FeedbackTool is the function the model calls to pause and ask the user to
// pick an option. It ends the turn with an interrupt.
const FeedbackTool = "request_feedback"

const defaultInstructions = `You are a critical but constructive startup advisor.
Assess the business idea you are given: target customer, problem severity,
market size, competition, unit economics and the riskiest assumptions.
Use the calculation tools for any numbers instead of estimating them in your head.
When you need a decision from the user before continuing, call request_feedback.`

// StreamFunc produces the model response stream for one generation round.
// It has the shape of genai's Models.GenerateContentStream.
type StreamFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// History returns the earlier messages of a thread.
type History interface {
	GetByThread(ctx context.Context, threadID string) ([]domain.Message, error)
}

// Agent implements transport.Transport on top of a Gemini model.
type Agent struct {
	stream       StreamFunc
	model        string
	instructions string
	tools        *tools.Registry
	history      History
	maxRounds    int
	thoughts     bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithModel selects the Gemini model. An empty name keeps the default.
func WithModel(model string) Option {
	return func(a *Agent) {
		if model != "" {
			a.model = model
		}
	}
}

// WithInstructions replaces the system instructions.
func WithInstructions(s string) Option {
	return func(a *Agent) { a.instructions = s }
}

// WithTools sets the tools the model may call.
func WithTools(r *tools.Registry) Option {
	return func(a *Agent) { a.tools = r }
}

// WithHistory gives the agent access to earlier turns of the thread.
func WithHistory(h History) Option {
	return func(a *Agent) { a.history = h }
}

// WithMaxRounds bounds the number of function-calling rounds per turn.
func WithMaxRounds(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxRounds = n
		}
	}
}

// WithThoughts asks the model to include thought summaries, which are
// emitted as thinking events.
func WithThoughts(on bool) Option {
	return func(a *Agent) { a.thoughts = on }
}

// New creates an Agent backed by the Gemini API.
func New(ctx context.Context, apiKey string, opts ...Option) (*Agent, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return NewAgent(client.Models.GenerateContentStream, opts...), nil
}

// NewAgent creates an Agent on an arbitrary stream function.
func NewAgent(stream StreamFunc, opts ...Option) *Agent {
	a := &Agent{
		stream:       stream,
		model:        "gemini-2.5-flash",
		instructions: defaultInstructions,
		tools:        tools.Default(),
		maxRounds:    8,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

var _ transport.Transport = (*Agent)(nil)

// Open starts a turn. The cursor is ignored: a local turn cannot be resumed,
// so every attempt replays from the start.
func (a *Agent) Open(ctx context.Context, req domain.StreamRequest, cursor string) (io.ReadCloser, error) {
	contents, err := a.contents(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.run(ctx, pw, req, contents))
	}()
	return &pipe{PipeReader: pr, cancel: cancel}, nil
}

type pipe struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (p *pipe) Close() error {
	p.cancel()
	return p.PipeReader.Close()
}

func (a *Agent) contents(ctx context.Context, req domain.StreamRequest) ([]*genai.Content, error) {
	var contents []*genai.Content
	if a.history != nil {
		msgs, err := a.history.GetByThread(ctx, req.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
		for _, m := range msgs {
			// Failed turns carry transport errors and discarded attempts,
			// not anything the model said.
			if m.IsStreaming || m.Content == "" || m.FinishReason == domain.FinishError {
				continue
			}
			role := genai.RoleUser
			if m.Role == domain.RoleAssistant {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
		}
	}

	prompt := req.Content
	if prompt == "" {
		prompt = req.InterruptFeedback
	}
	last := len(contents) - 1
	if prompt != "" && (last < 0 || contents[last].Role != genai.RoleUser) {
		contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("%w: nothing to send for thread %q", transport.ErrPermanent, req.ThreadID)
	}
	return contents, nil
}

func (a *Agent) config() *genai.GenerateContentConfig {
	var decls []*genai.FunctionDeclaration
	for _, t := range a.tools.List() {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name(),
			Description:          t.Description(),
			ParametersJsonSchema: t.InputSchema(),
		})
	}
	decls = append(decls, &genai.FunctionDeclaration{
		Name:        FeedbackTool,
		Description: "Pause and ask the user to choose between options before continuing.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"question": {Type: genai.TypeString, Description: "The question to ask."},
				"options": {
					Type:        genai.TypeArray,
					Description: "The choices offered to the user.",
					Items:       &genai.Schema{Type: genai.TypeString},
				},
			},
			Required: []string{"question", "options"},
		},
	})

	cfg := &genai.GenerateContentConfig{
		Tools:             []*genai.Tool{{FunctionDeclarations: decls}},
		SystemInstruction: genai.NewContentFromText(a.instructions, genai.RoleUser),
	}
	if a.thoughts {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	return cfg
}

// writer emits envelope frames as NDJSON.
type writer struct {
	enc *json.Encoder
}

func (w *writer) emit(name event.Type, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return w.enc.Encode(event.Envelope{Event: string(name), Data: raw})
}

func (a *Agent) run(ctx context.Context, out io.Writer, req domain.StreamRequest, contents []*genai.Content) error {
	w := &writer{enc: json.NewEncoder(out)}
	id := uuid.New().String()
	slog.Debug("Gemini turn", "threadID", req.ThreadID, "messageID", id, "model", a.model)

	if err := w.emit(event.TypeMessageStart, map[string]any{
		"id": id, "thread_id": req.ThreadID, "role": domain.RoleAssistant, "agent": AgentName,
	}); err != nil {
		return err
	}

	cfg := a.config()
	for round := 0; round < a.maxRounds; round++ {
		var modelParts []*genai.Part
		var calls []*genai.FunctionCall

		for resp, err := range a.stream(ctx, a.model, contents, cfg) {
			if err != nil {
				return classify(err)
			}
			if resp == nil {
				continue
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					modelParts = append(modelParts, part)
					switch {
					case part.Thought && part.Text != "":
						err = w.emit(event.TypeThinking, map[string]any{
							"id": fmt.Sprintf("round-%d", round), "phase": "thinking", "content": part.Text,
						})
					case part.Text != "":
						err = w.emit(event.TypeMessageChunk, map[string]any{"id": id, "content": part.Text})
					case part.FunctionCall != nil:
						fc := part.FunctionCall
						if fc.ID == "" {
							fc.ID = "call-" + uuid.New().String()
						}
						calls = append(calls, fc)
						if fc.Name != FeedbackTool {
							err = w.emit(event.TypeToolCall, map[string]any{"id": fc.ID, "name": fc.Name, "args": fc.Args})
						}
					}
					if err != nil {
						return err
					}
				}
			}
		}

		if len(calls) == 0 {
			return w.emit(event.TypeDone, struct{}{})
		}
		contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: modelParts})

		var responses []*genai.Part
		for _, fc := range calls {
			if fc.Name == FeedbackTool {
				return w.emit(event.TypeInterrupt, feedback(fc.Args))
			}
			resp, err := a.call(ctx, w, fc)
			if err != nil {
				return err
			}
			responses = append(responses, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				Name: fc.Name, ID: fc.ID, Response: resp,
			}})
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responses})
	}

	slog.Warn("Gemini turn hit round limit", "threadID", req.ThreadID, "rounds", a.maxRounds)
	return w.emit(event.TypeDone, struct{}{})
}

// call executes one tool and reports its outcome both on the wire and as the
// function response for the next round.
func (a *Agent) call(ctx context.Context, w *writer, fc *genai.FunctionCall) (map[string]any, error) {
	args, err := json.Marshal(fc.Args)
	if err != nil {
		return nil, err
	}
	result, callErr := a.tools.Call(ctx, fc.Name, args)
	if callErr != nil {
		slog.Debug("Tool failed", "tool", fc.Name, "error", callErr)
		return map[string]any{"error": callErr.Error()},
			w.emit(event.TypeToolCallResult, map[string]any{"id": fc.ID, "error": callErr.Error()})
	}
	var decoded any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, err
	}
	return map[string]any{"result": decoded},
		w.emit(event.TypeToolCallResult, map[string]any{"id": fc.ID, "result": result})
}

func feedback(args map[string]any) map[string]any {
	question, _ := args["question"].(string)
	var opts []domain.Option
	if list, ok := args["options"].([]any); ok {
		for _, o := range list {
			if s, ok := o.(string); ok && s != "" {
				opts = append(opts, domain.Option{Text: s, Value: s})
			}
		}
	}
	return map[string]any{"content": question, "options": opts}
}

// classify maps API failures onto transport errors so the controller can
// decide whether to retry.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &transport.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &transport.StatusError{StatusCode: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return err
}
