// Package fsm implements the session execution state machine: the tagged
// variant that replaces the teacher's ad-hoc for{switch} agentic loop
// (internal/session/loop.go) with explicit states a caller can inspect,
// persist, and resume from.
package fsm

import (
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/querymt/querymt/pkg/types"
)

// Kind names a state for logging, persistence, and switch dispatch without
// a type assertion.
type Kind string

const (
	KindBeforeTurn           Kind = "before_turn"
	KindCallLlm              Kind = "call_llm"
	KindAfterLlm             Kind = "after_llm"
	KindBeforeToolCall       Kind = "before_tool_call"
	KindProcessingToolCalls  Kind = "processing_tool_calls"
	KindAfterTool            Kind = "after_tool"
	KindWaitingForEvent      Kind = "waiting_for_event"
	KindComplete             Kind = "complete"
	KindStopped              Kind = "stopped"
	KindCancelled            Kind = "cancelled"
)

// State is one variant of the execution state machine. Each concrete type
// below carries exactly the data that state needs; there is no shared
// mutable "context" struct threaded through transitions other than what a
// Driver resolves fresh each step.
type State interface {
	Kind() Kind
}

// BeforeTurn is the entry state: a turn is about to start, optionally
// continuing a prior step count (loop re-entry after a tool call).
type BeforeTurn struct {
	Step int
}

func (BeforeTurn) Kind() Kind { return KindBeforeTurn }

// CallLlm marks that the provider call for Step is next; the request is
// built by the Driver at that point and is not held in this state.
type CallLlm struct {
	Step int
}

func (CallLlm) Kind() Kind { return KindCallLlm }

// AfterLlm holds the provider's streamed response once fully drained.
type AfterLlm struct {
	Step         int
	Message      *types.Message
	ToolCalls    []schema.ToolCall
	FinishReason string
}

func (AfterLlm) Kind() Kind { return KindAfterLlm }

// BeforeToolCall is entered once AfterLlm observes pending tool calls, prior
// to dispatching any of them.
type BeforeToolCall struct {
	Step    int
	Message *types.Message
	Calls   []schema.ToolCall
}

func (BeforeToolCall) Kind() Kind { return KindBeforeToolCall }

// ProcessingToolCalls tracks in-flight tool execution. A delegate-shaped
// tool call moves the machine to WaitingForEvent instead of completing
// synchronously here.
type ProcessingToolCalls struct {
	Step    int
	Message *types.Message
	Calls   []schema.ToolCall
}

func (ProcessingToolCalls) Kind() Kind { return KindProcessingToolCalls }

// AfterTool holds completed tool results ready to be folded back into the
// conversation before the next BeforeTurn.
type AfterTool struct {
	Step    int
	Message *types.Message
}

func (AfterTool) Kind() Kind { return KindAfterTool }

// WaitingForEvent suspends the machine until a DelegationCompleted,
// DelegationFailed, or other correlated AgentEvent arrives. CorrelationID
// matches the one handed out in event.DelegationRequestedData.
type WaitingForEvent struct {
	Step          int
	Message       *types.Message
	CorrelationID string
	Since         time.Time
}

func (WaitingForEvent) Kind() Kind { return KindWaitingForEvent }

// Complete is terminal: the turn ended normally (stop/end_turn or a
// length-limited finish).
type Complete struct {
	Message *types.Message
}

func (Complete) Kind() Kind { return KindComplete }

// Stopped is terminal: the machine halted on an unrecoverable error after
// exhausting retries, or hit the step budget.
type Stopped struct {
	Reason string
	Err    error
}

func (Stopped) Kind() Kind { return KindStopped }

// Cancelled is terminal: the driving context was cancelled mid-turn.
type Cancelled struct {
	Message *types.Message
}

func (Cancelled) Kind() Kind { return KindCancelled }

// Terminal reports whether a state has no further transitions.
func Terminal(s State) bool {
	switch s.Kind() {
	case KindComplete, KindStopped, KindCancelled:
		return true
	default:
		return false
	}
}
