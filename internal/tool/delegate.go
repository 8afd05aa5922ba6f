package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/querymt/querymt/internal/agent"
)

const delegateDescription = `Delegate a task to another agent and continue once it reports back.

Unlike a blocking subroutine call, delegate returns immediately: the
session's execution state machine suspends at waiting_for_event and resumes
automatically once the delegated agent finishes or fails. Use it to hand off
self-contained work (research, exploration, a bounded edit) to a
specialized agent without blocking the calling turn.

Available delegation targets:
- general: General-purpose agent for researching and exploration
- explore: Fast agent specialized for codebase exploration

Usage notes:
- Delegate multiple independent tasks in the same turn when possible
- Each delegated agent starts a fresh child session with no memory of this one
- Only agents marked delegable in the registry can be targeted`

// DelegateTool hands a task off to another agent as an asynchronous child
// session instead of running it inline. Grounded on the teacher's task.go,
// restructured so dispatch returns a correlation id instead of blocking:
// the fsm's ProcessingToolCalls state never reaches Execute for a
// delegate-shaped call (internal/sessionactor's classifier intercepts it
// first) — Execute only runs when the tool is invoked directly, outside the
// state machine, and then also returns the pending correlation id without
// waiting for the child session's result.
type DelegateTool struct {
	workDir       string
	agentRegistry *agent.Registry
	dispatcher    Delegator
}

// Delegator is the interface internal/delegation's Orchestrator satisfies.
// It is defined here, not imported, so this package stays free of a
// dependency on internal/delegation (which itself depends on
// internal/sessionactor and internal/event).
type Delegator interface {
	// RequestDelegation starts a child session running targetAgent with the
	// given task and returns a correlation id the caller's fsm waits on.
	RequestDelegation(ctx context.Context, parentSessionID, targetAgent, task string) (correlationID string, err error)
}

// DelegateInput is the tool call payload the LLM emits.
type DelegateInput struct {
	Description string `json:"description"`
	Task        string `json:"task"`
	TargetAgent string `json:"targetAgent"`
}

// NewDelegateTool creates a new delegate tool.
func NewDelegateTool(workDir string, registry *agent.Registry) *DelegateTool {
	if registry == nil {
		registry = agent.NewRegistry()
	}
	return &DelegateTool{workDir: workDir, agentRegistry: registry}
}

// SetDispatcher wires the delegation orchestrator.
func (t *DelegateTool) SetDispatcher(d Delegator) {
	t.dispatcher = d
}

func (t *DelegateTool) ID() string          { return "delegate" }
func (t *DelegateTool) Description() string { return delegateDescription }

func (t *DelegateTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"description": {
				"type": "string",
				"description": "A short (3-5 word) description of the delegated task"
			},
			"task": {
				"type": "string",
				"description": "The detailed task for the delegated agent to perform"
			},
			"targetAgent": {
				"type": "string",
				"description": "The delegable agent to run the task (general, explore)"
			}
		},
		"required": ["description", "task", "targetAgent"]
	}`)
}

func (t *DelegateTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params DelegateInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	if params.TargetAgent == "" {
		return nil, fmt.Errorf("targetAgent is required")
	}

	target, err := t.agentRegistry.Get(params.TargetAgent)
	if err != nil {
		return nil, fmt.Errorf("unknown delegation target: %s. Available: general, explore", params.TargetAgent)
	}
	if !target.IsSubagent() {
		return nil, fmt.Errorf("agent %s cannot be used as a delegation target (mode: %s)", params.TargetAgent, target.Mode)
	}

	toolCtx.SetMetadata(params.Description, map[string]any{
		"targetAgent": params.TargetAgent,
		"status":      "delegating",
	})

	if t.dispatcher == nil {
		return &Result{
			Title:  fmt.Sprintf("Delegate: %s", params.Description),
			Output: fmt.Sprintf("[Delegation dispatcher not configured]\n\nAgent: %s\nTask: %s", params.TargetAgent, params.Task),
			Metadata: map[string]any{
				"targetAgent": params.TargetAgent,
				"status":      "skipped",
			},
		}, nil
	}

	correlationID, err := t.dispatcher.RequestDelegation(ctx, toolCtx.SessionID, params.TargetAgent, params.Task)
	if err != nil {
		return &Result{
			Title:  fmt.Sprintf("Delegation failed: %s", params.Description),
			Output: fmt.Sprintf("Error: %s", err.Error()),
			Metadata: map[string]any{
				"targetAgent": params.TargetAgent,
				"status":      "failed",
				"error":       err.Error(),
			},
		}, nil
	}

	return &Result{
		Title:  fmt.Sprintf("Delegating: %s", params.Description),
		Output: fmt.Sprintf("Delegated to %s, waiting for correlation id %s", params.TargetAgent, correlationID),
		Metadata: map[string]any{
			"targetAgent":   params.TargetAgent,
			"status":        "pending",
			"correlationID": correlationID,
		},
	}, nil
}

func (t *DelegateTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}

// GetAvailableAgents returns the names of agents that can be delegation targets.
func (t *DelegateTool) GetAvailableAgents() []string {
	agents := t.agentRegistry.ListSubagents()
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	return names
}

// GetAgentDescription returns the description of a specific agent.
func (t *DelegateTool) GetAgentDescription(name string) (string, error) {
	ag, err := t.agentRegistry.Get(name)
	if err != nil {
		return "", err
	}
	return ag.Description, nil
}
