package fsm

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/querymt/querymt/pkg/types"
)

// Driver supplies the side effects a Machine needs at each transition. A
// sessionactor.Actor implements this by closing over its storage, provider
// registry, and tool registry; fsm itself stays free of those dependencies
// so it can be driven by a test double.
//
// Grounded on the teacher's Processor methods in internal/session/loop.go
// (buildCompletionRequest, CreateCompletion, executeToolCalls) split into
// one method per state transition.
type Driver interface {
	// LoadHistory returns the messages the next CallLlm request should be
	// built from, most recent last.
	LoadHistory(ctx context.Context) ([]*types.Message, error)

	// CallLLM sends the built request and returns the drained response: the
	// assistant message so far, any tool calls the model emitted, and the
	// provider's finish reason string ("stop", "tool_calls", "length", ...).
	CallLLM(ctx context.Context, history []*types.Message, step int) (*types.Message, []schema.ToolCall, string, error)

	// DispatchToolCall executes one tool call synchronously and returns its
	// result part, UNLESS the call is delegate-shaped, in which case ok is
	// false and correlationID identifies the pending delegation; the caller
	// transitions to WaitingForEvent instead of AfterTool.
	DispatchToolCall(ctx context.Context, msg *types.Message, call schema.ToolCall) (result types.Part, correlationID string, ok bool, err error)

	// FoldToolResult appends a completed tool result to the message under
	// construction.
	FoldToolResult(ctx context.Context, msg *types.Message, callID string, result types.Part) error

	// PersistMessage saves the in-progress assistant message.
	PersistMessage(ctx context.Context, msg *types.Message) error

	// ShouldCompact reports whether history exceeds the context budget.
	ShouldCompact(history []*types.Message) bool

	// Compact reduces history in place and returns the replacement.
	Compact(ctx context.Context, history []*types.Message) ([]*types.Message, error)

	// MaxSteps returns the per-agent step budget (teacher default: 50).
	MaxSteps() int
}

// EventWaker is implemented by whatever woke a WaitingForEvent machine; it
// carries either a completion summary or a failure reason, never both.
type EventWaker struct {
	CorrelationID string
	Summary       string
	Failed        bool
	FailureReason string
}
