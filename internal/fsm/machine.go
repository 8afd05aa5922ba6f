package fsm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/querymt/querymt/internal/agenterr"
	"github.com/querymt/querymt/pkg/types"
)

// Retry tuning mirrors the teacher's internal/session/loop.go constants
// (MaxRetries, RetryInitialInterval, RetryMaxInterval, RetryMaxElapsedTime).
const (
	MaxRetries           = 3
	RetryInitialInterval = time.Second
	RetryMaxInterval     = 30 * time.Second
	RetryMaxElapsedTime  = 2 * time.Minute
)

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Machine drives one turn of a session through the states in state.go. It
// holds no storage or provider handles itself; everything side-effecting
// goes through Driver.
type Machine struct {
	driver  Driver
	current State
	retry   backoff.BackOff
}

// New starts a machine at BeforeTurn.
func New(driver Driver) *Machine {
	return &Machine{driver: driver, current: BeforeTurn{Step: 0}, retry: newRetryBackoff(context.Background())}
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return m.current }

// Resume restores a machine to a previously observed state, e.g. after a
// process restart found a session parked in WaitingForEvent.
func Resume(driver Driver, s State) *Machine {
	return &Machine{driver: driver, current: s, retry: newRetryBackoff(context.Background())}
}

// Run drives the machine to a terminal state, or returns WaitingForEvent
// for the caller to persist and suspend on. ctx cancellation mid-turn
// yields Cancelled rather than an error.
func (m *Machine) Run(ctx context.Context) (State, error) {
	for {
		select {
		case <-ctx.Done():
			m.current = Cancelled{Message: messageOf(m.current)}
			return m.current, nil
		default:
		}

		next, err := m.step(ctx)
		if err != nil {
			return nil, err
		}
		m.current = next

		if Terminal(next) {
			return next, nil
		}
		if _, waiting := next.(WaitingForEvent); waiting {
			return next, nil
		}
	}
}

// step performs exactly one state transition.
func (m *Machine) step(ctx context.Context) (State, error) {
	switch s := m.current.(type) {

	case BeforeTurn:
		if s.Step >= m.driver.MaxSteps() {
			return Stopped{Reason: "max_steps"}, nil
		}
		return CallLlm{Step: s.Step}, nil

	case CallLlm:
		history, err := m.driver.LoadHistory(ctx)
		if err != nil {
			return Stopped{Reason: "history_load_failed", Err: err}, nil
		}
		if m.driver.ShouldCompact(history) {
			history, err = m.driver.Compact(ctx, history)
			if err != nil {
				return Stopped{Reason: "compact_failed", Err: err}, nil
			}
		}

		msg, calls, finish, err := m.driver.CallLLM(ctx, history, s.Step)
		if err != nil {
			wait := m.retry.NextBackOff()
			if wait == backoff.Stop {
				return Stopped{Reason: "api_error", Err: err}, nil
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Cancelled{}, nil
			}
			return s, nil
		}
		m.retry.Reset()
		return AfterLlm{Step: s.Step, Message: msg, ToolCalls: calls, FinishReason: finish}, nil

	case AfterLlm:
		if err := m.driver.PersistMessage(ctx, s.Message); err != nil {
			return Stopped{Reason: "persist_failed", Err: err}, nil
		}
		switch s.FinishReason {
		case "stop", "end_turn":
			return Complete{Message: s.Message}, nil
		case "tool_use", "tool_calls":
			if len(s.ToolCalls) == 0 {
				return Complete{Message: s.Message}, nil
			}
			return BeforeToolCall{Step: s.Step, Message: s.Message, Calls: s.ToolCalls}, nil
		case "max_tokens", "length":
			return Complete{Message: s.Message}, nil
		case "error":
			wait := m.retry.NextBackOff()
			if wait == backoff.Stop {
				return Stopped{Reason: "stream_error"}, nil
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Cancelled{}, nil
			}
			return CallLlm{Step: s.Step}, nil
		default:
			return Complete{Message: s.Message}, nil
		}

	case BeforeToolCall:
		return ProcessingToolCalls{Step: s.Step, Message: s.Message, Calls: s.Calls}, nil

	case ProcessingToolCalls:
		for _, call := range s.Calls {
			result, correlationID, ok, err := m.driver.DispatchToolCall(ctx, s.Message, call)
			if err != nil {
				return Stopped{Reason: "tool_dispatch_failed", Err: err}, nil
			}
			if !ok {
				return WaitingForEvent{
					Step:          s.Step,
					Message:       s.Message,
					CorrelationID: correlationID,
					Since:         time.Now(),
				}, nil
			}
			if err := m.driver.FoldToolResult(ctx, s.Message, call.ID, result); err != nil {
				return Stopped{Reason: "fold_result_failed", Err: err}, nil
			}
		}
		return AfterTool{Step: s.Step, Message: s.Message}, nil

	case AfterTool:
		if err := m.driver.PersistMessage(ctx, s.Message); err != nil {
			return Stopped{Reason: "persist_failed", Err: err}, nil
		}
		return BeforeTurn{Step: s.Step + 1}, nil

	case WaitingForEvent:
		// No transition occurs here; Run returns this state to the caller,
		// who must invoke Wake once the orchestrator resolves the
		// correlation id.
		return s, nil

	default:
		return nil, agenterr.Fatal("fsm: no transition defined for state %T", s)
	}
}

// Wake resumes a WaitingForEvent machine with the orchestrator's result,
// transitioning it to AfterTool (success) or directly to Stopped with a
// Transient error (any failure) before the caller calls Run again.
func (m *Machine) Wake(w EventWaker) error {
	wfe, ok := m.current.(WaitingForEvent)
	if !ok {
		return agenterr.Protocol("wake delivered to machine not in waiting_for_event, got %s", m.current.Kind())
	}
	if wfe.CorrelationID != w.CorrelationID {
		return agenterr.Protocol("wake correlation id mismatch: have %s, got %s", wfe.CorrelationID, w.CorrelationID)
	}

	if w.Failed {
		m.current = Stopped{Reason: "delegation_failed", Err: agenterr.Transient("%s", w.FailureReason)}
		return nil
	}

	m.current = AfterTool{Step: wfe.Step, Message: wfe.Message}
	return nil
}

// messageOf extracts the in-progress assistant message from whatever state
// carries one, for attaching to a Cancelled result.
func messageOf(s State) *types.Message {
	switch v := s.(type) {
	case AfterLlm:
		return v.Message
	case BeforeToolCall:
		return v.Message
	case ProcessingToolCalls:
		return v.Message
	case AfterTool:
		return v.Message
	case WaitingForEvent:
		return v.Message
	default:
		return nil
	}
}
