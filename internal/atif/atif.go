// Package atif exports a session's trajectory to ATIF (Agent Trajectory
// Interchange Format) v1.5, a stable documented JSON schema. Plain
// encoding/json structs are the right tool here: ATIF is a wire format with
// no transport or parsing complexity a third-party library would help with.
package atif

import (
	"fmt"
	"time"

	"github.com/querymt/querymt/pkg/types"
)

// SchemaVersion is the ATIF schema this package emits.
const SchemaVersion = "ATIF-v1.5"

// Source is who produced a trajectory step, lowercase on the wire.
type Source string

const (
	SourceSystem Source = "system"
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
)

// Export is the top-level ATIF document for one session.
type Export struct {
	SchemaVersion string       `json:"schema_version"`
	SessionID     string       `json:"session_id"`
	Agent         Agent        `json:"agent"`
	Steps         []Step       `json:"steps"`
	FinalMetrics  FinalMetrics `json:"final_metrics"`
}

// Agent describes which agent ran the session.
type Agent struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	ModelName       string   `json:"model_name,omitempty"`
	ToolDefinitions []string `json:"tool_definitions,omitempty"`
}

// Step is one message-level entry in the trajectory.
type Step struct {
	StepID      string       `json:"step_id"`
	Timestamp   string       `json:"timestamp"` // RFC 3339
	Source      Source       `json:"source"`
	Message     string       `json:"message"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Observation *Observation `json:"observation,omitempty"`
	Metrics     *StepMetrics `json:"metrics,omitempty"`
}

// ToolCall is one tool invocation recorded against a step.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Observation wraps the results a step's tool calls produced.
type Observation struct {
	Results []ToolResult `json:"results"`
}

// ToolResult is one tool call's outcome.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// StepMetrics carries per-step token/cost accounting, when the originating
// message recorded any.
type StepMetrics struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	CachedTokens     int     `json:"cached_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// FinalMetrics summarizes the whole trajectory.
type FinalMetrics struct {
	TotalPromptTokens     int     `json:"total_prompt_tokens"`
	TotalCompletionTokens int     `json:"total_completion_tokens"`
	TotalCachedTokens     int     `json:"total_cached_tokens"`
	TotalCostUSD          float64 `json:"total_cost_usd"`
	TotalSteps            int     `json:"total_steps"`
}

// PartsByMessage resolves a message's ordered parts, keyed by message id.
// Supplied by the caller (internal/storage scans parts separately from
// messages) rather than fetched here, so this package stays storage-free.
type PartsByMessage func(messageID string) ([]types.Part, error)

// BuildExport converts a session's ordered messages into an ATIF document.
// agentName/agentVersion/modelName describe the agent that ran the session;
// toolDefinitions lists the tool ids it had available.
func BuildExport(session *types.Session, messages []*types.Message, parts PartsByMessage, agentName, agentVersion string, toolDefinitions []string) (*Export, error) {
	export := &Export{
		SchemaVersion: SchemaVersion,
		SessionID:     session.ID,
		Agent: Agent{
			Name:            agentName,
			Version:         agentVersion,
			ToolDefinitions: toolDefinitions,
		},
	}

	var totals FinalMetrics
	for _, msg := range messages {
		if msg.Model != nil && export.Agent.ModelName == "" {
			export.Agent.ModelName = msg.Model.ModelID
		}

		step, err := buildStep(msg, parts)
		if err != nil {
			return nil, fmt.Errorf("build step for message %s: %w", msg.ID, err)
		}
		export.Steps = append(export.Steps, step)

		if step.Metrics != nil {
			totals.TotalPromptTokens += step.Metrics.PromptTokens
			totals.TotalCompletionTokens += step.Metrics.CompletionTokens
			totals.TotalCachedTokens += step.Metrics.CachedTokens
			totals.TotalCostUSD += step.Metrics.CostUSD
		}
	}
	totals.TotalSteps = len(export.Steps)
	export.FinalMetrics = totals

	return export, nil
}

func buildStep(msg *types.Message, partsOf PartsByMessage) (Step, error) {
	step := Step{
		StepID:    msg.ID,
		Timestamp: time.UnixMilli(msg.Time.Created).UTC().Format(time.RFC3339),
		Source:    sourceFor(msg),
	}

	if msg.Tokens != nil || msg.Cost != 0 {
		step.Metrics = &StepMetrics{CostUSD: msg.Cost}
		if msg.Tokens != nil {
			step.Metrics.PromptTokens = msg.Tokens.Input
			step.Metrics.CompletionTokens = msg.Tokens.Output
			step.Metrics.CachedTokens = msg.Tokens.Cache.Read
		}
	}

	parts, err := partsOf(msg.ID)
	if err != nil {
		return Step{}, err
	}

	var text string
	var results []ToolResult
	for _, part := range parts {
		switch p := part.(type) {
		case *types.TextPart:
			if text != "" {
				text += "\n"
			}
			text += p.Text
		case *types.ToolPart:
			step.ToolCalls = append(step.ToolCalls, ToolCall{CallID: p.ToolCallID, Name: p.ToolName, Arguments: p.Input})
			if p.State == "completed" || p.State == "error" {
				content := ""
				if p.Output != nil {
					content = *p.Output
				} else if p.Error != nil {
					content = *p.Error
				}
				results = append(results, ToolResult{CallID: p.ToolCallID, Content: content, IsError: p.State == "error"})
			}
		}
	}
	step.Message = text
	if len(results) > 0 {
		step.Observation = &Observation{Results: results}
	}

	return step, nil
}

func sourceFor(msg *types.Message) Source {
	switch msg.Role {
	case types.RoleUser:
		if msg.Agent == "" {
			return SourceUser
		}
		return SourceSystem
	case types.RoleAssistant:
		return SourceAgent
	default:
		return SourceSystem
	}
}
