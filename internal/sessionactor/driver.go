// Package sessionactor wraps one fsm.Machine per session in a mailbox
// goroutine, grounded on the teacher's internal/session.Processor and
// Service but restructured around the explicit fsm states instead of the
// monolithic runLoop for-loop.
package sessionactor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/querymt/querymt/internal/agenterr"
	"github.com/querymt/querymt/internal/fsm"
	"github.com/querymt/querymt/internal/provider"
	"github.com/querymt/querymt/internal/storage"
	"github.com/querymt/querymt/internal/tool"
	"github.com/querymt/querymt/pkg/types"
)

// MaxContextTokens mirrors the teacher's compaction threshold.
const MaxContextTokens = 150000

// DefaultMaxSteps mirrors the teacher's MaxSteps.
const DefaultMaxSteps = 50

// sessionDriver implements fsm.Driver for one session, closing over its
// storage, provider, and tool dependencies.
type sessionDriver struct {
	sessionID  string
	providerID string
	modelID    string

	store    *storage.Storage
	models   *provider.Registry
	tools    *tool.Registry
	toolCtx  *tool.Context
	maxSteps int

	// delegate identifies tool calls that must suspend the machine rather
	// than execute inline; set by the owning Actor.
	delegate func(call schema.ToolCall) (correlationID string, isDelegate bool)
}

func (d *sessionDriver) MaxSteps() int {
	if d.maxSteps > 0 {
		return d.maxSteps
	}
	return DefaultMaxSteps
}

func (d *sessionDriver) LoadHistory(ctx context.Context) ([]*types.Message, error) {
	var messages []*types.Message
	err := d.store.Scan(ctx, []string{"message", d.sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

func (d *sessionDriver) ShouldCompact(history []*types.Message) bool {
	total := 0
	for _, msg := range history {
		if msg.Tokens != nil {
			total += msg.Tokens.Input + msg.Tokens.Output
		}
	}
	return total > MaxContextTokens
}

// minMessagesToKeep mirrors the teacher's DefaultCompactionConfig.
const minMessagesToKeep = 4

// summaryMaxTokens mirrors the teacher's DefaultCompactionConfig.
const summaryMaxTokens = 2000

// Compact summarizes the oldest exchanges with the default model and
// replaces them with a single synthetic text message carrying the summary,
// keeping the most recent minMessagesToKeep intact. Grounded on the
// teacher's internal/session/compact.go compactMessages, restructured to
// close over sessionDriver's fields instead of Processor's.
func (d *sessionDriver) Compact(ctx context.Context, history []*types.Message) ([]*types.Message, error) {
	if len(history) <= minMessagesToKeep {
		return history, nil
	}

	compactEnd := len(history) - minMessagesToKeep
	toCompact := history[:compactEnd]
	kept := history[compactEnd:]

	summary, err := d.summarize(ctx, toCompact)
	if err != nil {
		return nil, agenterr.Transient("compaction summarize failed: %v", err)
	}

	now := time.Now().UnixMilli()
	summaryMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: d.sessionID,
		Role:      types.RoleAssistant,
		Time:      types.MessageTime{Created: now},
	}
	if err := d.store.Put(ctx, []string{"message", d.sessionID, summaryMsg.ID}, summaryMsg); err != nil {
		return nil, agenterr.Fatal("persist compaction summary failed: %v", err)
	}
	summaryPart := &types.TextPart{
		ID:        ulid.Make().String(),
		SessionID: d.sessionID,
		MessageID: summaryMsg.ID,
		Type:      "text",
		Text:      "[Conversation summary]\n" + summary,
	}
	if err := d.store.Put(ctx, []string{"part", summaryMsg.ID, summaryPart.ID}, summaryPart); err != nil {
		return nil, agenterr.Fatal("persist compaction summary part failed: %v", err)
	}

	return append([]*types.Message{summaryMsg}, kept...), nil
}

// summarize asks the default model to condense a message window into a
// short continuation-preserving summary.
func (d *sessionDriver) summarize(ctx context.Context, messages []*types.Message) (string, error) {
	model, err := d.models.DefaultModel()
	if err != nil {
		return "", err
	}
	prov, err := d.models.Get(model.ProviderID)
	if err != nil {
		return "", err
	}

	var prompt strings.Builder
	prompt.WriteString("Please summarize the following conversation, focusing on:\n")
	prompt.WriteString("1. Key decisions and outcomes\n")
	prompt.WriteString("2. Files that were modified\n")
	prompt.WriteString("3. Important context for continuing the work\n\n---\n\n")
	for _, msg := range messages {
		parts, err := d.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		if msg.Role == types.RoleUser {
			prompt.WriteString("USER:\n")
		} else {
			prompt.WriteString("ASSISTANT:\n")
		}
		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				prompt.WriteString(pt.Text)
				prompt.WriteString("\n")
			case *types.ToolPart:
				fmt.Fprintf(&prompt, "[Tool: %s]\n", pt.ToolName)
				if pt.Output != nil {
					out := *pt.Output
					if len(out) > 500 {
						out = out[:500] + "..."
					}
					prompt.WriteString(out)
					prompt.WriteString("\n")
				}
			}
		}
		prompt.WriteString("\n")
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: "You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion."},
			{Role: schema.User, Content: prompt.String()},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		summary.WriteString(chunk.Content)
	}
	return summary.String(), nil
}

func (d *sessionDriver) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := d.store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

func (d *sessionDriver) convertMessage(msg *types.Message, parts []types.Part) *schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case types.RoleUser:
		role = schema.User
	}

	var content string
	var toolCalls []schema.ToolCall
	var toolCallID string

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			if msg.Role == types.RoleAssistant {
				inputJSON, _ := json.Marshal(pt.Input)
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: pt.ToolCallID,
					Function: schema.FunctionCall{
						Name:      pt.ToolName,
						Arguments: string(inputJSON),
					},
				})
			} else {
				toolCallID = pt.ToolCallID
				if pt.Output != nil {
					content = *pt.Output
				} else if pt.Error != nil {
					content = "Error: " + *pt.Error
				}
			}
		}
	}

	out := &schema.Message{Role: role, Content: content, ToolCalls: toolCalls}
	if toolCallID != "" {
		out.ToolCallID = toolCallID
	}
	return out
}

func (d *sessionDriver) resolveTools(model *types.Model) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}
	var infos []*schema.ToolInfo
	for _, t := range d.tools.List() {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var js struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &js); err != nil {
		return nil
	}
	required := make(map[string]bool, len(js.Required))
	for _, r := range js.Required {
		required[r] = true
	}
	params := make(map[string]*schema.ParameterInfo, len(js.Properties))
	for name, prop := range js.Properties {
		t := schema.String
		switch prop.Type {
		case "integer":
			t = schema.Integer
		case "number":
			t = schema.Number
		case "boolean":
			t = schema.Boolean
		case "array":
			t = schema.Array
		case "object":
			t = schema.Object
		}
		params[name] = &schema.ParameterInfo{Type: t, Desc: prop.Description, Required: required[name]}
	}
	return params
}

func (d *sessionDriver) CallLLM(ctx context.Context, history []*types.Message, step int) (*types.Message, []schema.ToolCall, string, error) {
	prov, err := d.models.Get(d.providerID)
	if err != nil {
		return nil, nil, "", agenterr.Fatal("provider %q not registered: %v", d.providerID, err)
	}
	model, err := d.models.GetModel(d.providerID, d.modelID)
	if err != nil {
		return nil, nil, "", agenterr.Fatal("model %q/%q not found: %v", d.providerID, d.modelID, err)
	}

	var einoMessages []*schema.Message
	for _, msg := range history {
		parts, err := d.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		einoMessages = append(einoMessages, d.convertMessage(msg, parts))
	}

	tools, err := d.resolveTools(model)
	if err != nil {
		return nil, nil, "", err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &provider.CompletionRequest{
		Model:     model.ID,
		Messages:  einoMessages,
		Tools:     tools,
		MaxTokens: maxTokens,
	}

	stream, err := prov.CreateCompletion(ctx, req)
	if err != nil {
		return nil, nil, "", agenterr.Transient("completion request failed: %v", err)
	}
	defer stream.Close()

	now := time.Now().UnixMilli()
	out := &types.Message{
		ID:         ulid.Make().String(),
		SessionID:  d.sessionID,
		Role:       types.RoleAssistant,
		ProviderID: d.providerID,
		ModelID:    d.modelID,
		Time:       types.MessageTime{Created: now},
	}

	var content string
	var toolCalls []schema.ToolCall
	toolInputs := map[string]string{}
	var finishReason string

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, "", agenterr.Transient("stream recv failed: %v", err)
		}
		content += chunk.Content
		for _, tc := range chunk.ToolCalls {
			toolInputs[tc.ID] += tc.Function.Arguments
		}
		if chunk.ResponseMeta != nil {
			if chunk.ResponseMeta.Usage != nil {
				if out.Tokens == nil {
					out.Tokens = &types.TokenUsage{}
				}
				out.Tokens.Input = chunk.ResponseMeta.Usage.PromptTokens
				out.Tokens.Output = chunk.ResponseMeta.Usage.CompletionTokens
			}
			if chunk.ResponseMeta.FinishReason != "" {
				finishReason = chunk.ResponseMeta.FinishReason
			}
		}
		for _, tc := range chunk.ToolCalls {
			toolCalls = append(toolCalls, schema.ToolCall{
				ID:       tc.ID,
				Function: schema.FunctionCall{Name: tc.Function.Name, Arguments: toolInputs[tc.ID]},
			})
		}
	}

	if finishReason == "" {
		switch {
		case len(toolCalls) > 0:
			finishReason = "tool_calls"
		default:
			finishReason = "stop"
		}
	}

	if err := d.store.Put(ctx, []string{"message", d.sessionID, out.ID}, out); err != nil {
		return nil, nil, "", agenterr.Fatal("persist message failed: %v", err)
	}

	textPart := &types.TextPart{
		ID:        ulid.Make().String(),
		SessionID: d.sessionID,
		MessageID: out.ID,
		Type:      "text",
		Text:      content,
	}
	if content != "" {
		_ = d.store.Put(ctx, []string{"part", out.ID, textPart.ID}, textPart)
	}

	return out, toolCalls, finishReason, nil
}

func (d *sessionDriver) DispatchToolCall(ctx context.Context, msg *types.Message, call schema.ToolCall) (types.Part, string, bool, error) {
	if d.delegate != nil {
		if correlationID, isDelegate := d.delegate(call); isDelegate {
			return nil, correlationID, false, nil
		}
	}

	t, ok := d.tools.Get(call.Function.Name)
	if !ok {
		errMsg := fmt.Sprintf("unknown tool %q", call.Function.Name)
		return &types.ToolPart{
			ID:         ulid.Make().String(),
			SessionID:  d.sessionID,
			MessageID:  msg.ID,
			Type:       "tool",
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			State:      "error",
			Error:      &errMsg,
		}, "", true, nil
	}

	result, err := t.Execute(ctx, json.RawMessage(call.Function.Arguments), d.toolCtx)
	part := &types.ToolPart{
		ID:         ulid.Make().String(),
		SessionID:  d.sessionID,
		MessageID:  msg.ID,
		Type:       "tool",
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
	}
	if err != nil {
		errMsg := err.Error()
		part.State = "error"
		part.Error = &errMsg
		return part, "", true, nil
	}
	part.State = "completed"
	part.Output = &result.Output
	part.Title = &result.Title
	return part, "", true, nil
}

func (d *sessionDriver) FoldToolResult(ctx context.Context, msg *types.Message, callID string, result types.Part) error {
	if tp, ok := result.(*types.ToolPart); ok {
		return d.store.Put(ctx, []string{"part", msg.ID, tp.ID}, tp)
	}
	return nil
}

func (d *sessionDriver) PersistMessage(ctx context.Context, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now
	return d.store.Put(ctx, []string{"message", d.sessionID, msg.ID}, msg)
}

var _ fsm.Driver = (*sessionDriver)(nil)
