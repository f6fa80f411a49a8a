package domain

// Role defines the sender of a message.
type Role string

const (
	// RoleUser indicates a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message reconstructed from the agent stream.
	RoleAssistant Role = "assistant"
)

// FinishReason records how a message left the streaming state.
type FinishReason string

const (
	// FinishNone is the reason of a message that is still streaming.
	FinishNone FinishReason = ""
	// FinishCompleted indicates the agent signalled the end of the turn.
	FinishCompleted FinishReason = "completed"
	// FinishInterrupted indicates the agent (or the caller) paused the turn,
	// usually to ask the user to pick one of the message options.
	FinishInterrupted FinishReason = "interrupted"
	// FinishError indicates the turn ended on a protocol or transport failure.
	FinishError FinishReason = "error"
)

// Terminal reports whether the reason ends a message lifecycle.
func (r FinishReason) Terminal() bool {
	return r == FinishCompleted || r == FinishInterrupted || r == FinishError
}

// Activity kinds recorded in message metadata.
const (
	ActivityThinking  = "thinking"
	ActivityReasoning = "reasoning"
	ActivitySearch    = "search"
	ActivityVisit     = "visit"
)
