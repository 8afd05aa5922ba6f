// Package delegation implements the asynchronous hand-off of a task from
// one session to a child session running a different agent. Grounded on
// the teacher's internal/executor/subagent.go (SubagentExecutor), restructured
// so the parent's fsm.Machine suspends at waiting_for_event instead of
// blocking the calling goroutine until the child finishes.
package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/querymt/querymt/internal/agent"
	"github.com/querymt/querymt/internal/agenterr"
	"github.com/querymt/querymt/internal/event"
	"github.com/querymt/querymt/internal/fsm"
	"github.com/querymt/querymt/internal/provider"
	"github.com/querymt/querymt/internal/sessionactor"
	"github.com/querymt/querymt/internal/storage"
	"github.com/querymt/querymt/internal/tool"
	"github.com/querymt/querymt/pkg/types"
)

// MaxDepth bounds how many levels of delegation may nest before a request
// is rejected as a Capability error; prevents a misbehaving prompt from
// spawning an unbounded delegation chain.
const MaxDepth = 4

// Status is the lifecycle of one Delegation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Delegation tracks one in-flight or resolved delegation by correlation id.
type Delegation struct {
	CorrelationID   string
	ParentSessionID string
	ChildSessionID  string
	TargetAgent     string
	Task            string
	Status          Status
	Summary         string
	FailureReason   string
	Depth           int
	StartedAt       time.Time
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Storage           *storage.Storage
	ProviderRegistry  *provider.Registry
	ToolRegistry      *tool.Registry
	AgentRegistry     *agent.Registry
	Bus               *event.AgentBus
	WorkDir           string
	DefaultProviderID string
	DefaultModelID    string

	// Wake, if set, is called once a delegation resolves so the caller can
	// hand the result to the parent session's sessionactor.Actor.Wake. This
	// is the seam between this package and whatever owns the actor
	// registry (internal/registry); delegation does not reach into the
	// registry directly.
	Wake func(parentSessionID string, waker fsm.EventWaker)
}

// Orchestrator manages delegation lifecycles: spawning child sessions,
// running them to completion, and publishing the AgentEvents a parent's
// sessionactor.Actor resumes on.
type Orchestrator struct {
	store     *storage.Storage
	providers *provider.Registry
	tools     *tool.Registry
	agents    *agent.Registry
	bus       *event.AgentBus
	workDir   string

	defaultProviderID string
	defaultModelID    string
	wake              func(string, fsm.EventWaker)

	mu      sync.Mutex
	pending map[string]*Delegation
	depthOf map[string]int // sessionID -> delegation depth, for guard middleware
}

// New creates an Orchestrator ready to accept RequestDelegation calls.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:             cfg.Storage,
		providers:         cfg.ProviderRegistry,
		tools:             cfg.ToolRegistry,
		agents:            cfg.AgentRegistry,
		bus:               cfg.Bus,
		workDir:           cfg.WorkDir,
		defaultProviderID: cfg.DefaultProviderID,
		defaultModelID:    cfg.DefaultModelID,
		wake:              cfg.Wake,
		pending:           make(map[string]*Delegation),
		depthOf:           make(map[string]int),
	}
}

// ClassifierFor returns the per-session closure a sessionactor.Actor wires
// via SetDelegateFunc: it recognizes "delegate" tool calls, starts the
// delegation, and reports the correlation id to suspend on.
func (o *Orchestrator) ClassifierFor(sessionID string) func(call schema.ToolCall) (string, bool) {
	return func(call schema.ToolCall) (string, bool) {
		if call.Function.Name != "delegate" {
			return "", false
		}
		var params tool.DelegateInput
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			return "", false
		}
		correlationID, err := o.RequestDelegation(context.Background(), sessionID, params.TargetAgent, params.Task)
		if err != nil {
			return "", false
		}
		return correlationID, true
	}
}

// RequestDelegation implements tool.Delegator: it validates the target,
// creates the child session, records the pending Delegation, publishes
// DelegationRequested, and starts the child turn in the background.
func (o *Orchestrator) RequestDelegation(ctx context.Context, parentSessionID, targetAgent, task string) (string, error) {
	target, err := o.guard(parentSessionID, targetAgent)
	if err != nil {
		return "", err
	}

	correlationID := ulid.Make().String()
	childSession, err := o.createChildSession(ctx, parentSessionID, targetAgent)
	if err != nil {
		return "", agenterr.Fatal("create child session: %v", err)
	}

	o.mu.Lock()
	depth := o.depthOf[parentSessionID] + 1
	o.depthOf[childSession.ID] = depth
	o.pending[correlationID] = &Delegation{
		CorrelationID:   correlationID,
		ParentSessionID: parentSessionID,
		ChildSessionID:  childSession.ID,
		TargetAgent:     targetAgent,
		Task:            task,
		Status:          StatusPending,
		Depth:           depth,
		StartedAt:       time.Now(),
	}
	o.mu.Unlock()

	now := time.Now().UnixMilli()
	o.bus.Publish(event.AgentEvent{
		Timestamp: now,
		SessionID: parentSessionID,
		Kind:      event.KindDelegationRequested,
		Data: event.DelegationRequestedData{
			CorrelationID: correlationID,
			ChildAgentID:  targetAgent,
			Task:          task,
		},
	})
	o.bus.Publish(event.AgentEvent{
		Timestamp: now,
		SessionID: childSession.ID,
		Kind:      event.KindSessionForked,
		Data: event.SessionForkedData{
			ParentSessionID: parentSessionID,
			ChildSessionID:  childSession.ID,
			Origin:          types.ForkOriginDelegation,
		},
	})

	go o.run(correlationID, childSession, target, task)

	return correlationID, nil
}

// guard enforces the target-agent registry (only Delegable agents may be
// addressed) and the nesting depth limit.
func (o *Orchestrator) guard(parentSessionID, targetAgent string) (*agent.Agent, error) {
	o.mu.Lock()
	depth := o.depthOf[parentSessionID]
	o.mu.Unlock()
	if depth >= MaxDepth {
		return nil, agenterr.Capability("delegation depth %d exceeds max %d", depth, MaxDepth)
	}

	target, err := o.agents.Get(targetAgent)
	if err != nil {
		return nil, agenterr.Validation("unknown delegation target %q: %v", targetAgent, err)
	}
	if !target.IsSubagent() {
		return nil, agenterr.Validation("agent %q is not delegable (mode: %s)", targetAgent, target.Mode)
	}
	return target, nil
}

// run drives the child session to completion and resolves the delegation.
func (o *Orchestrator) run(correlationID string, childSession *types.Session, target *agent.Agent, task string) {
	ctx := context.Background()

	providerID, modelID := o.defaultProviderID, o.defaultModelID
	if target.Model != nil {
		providerID, modelID = target.Model.ProviderID, target.Model.ModelID
	}

	toolCtx := &tool.Context{
		SessionID: childSession.ID,
		Agent:     target.Name,
		WorkDir:   childSession.Directory,
	}

	child := sessionactor.New(sessionactor.Options{
		SessionID:         childSession.ID,
		Store:             o.store,
		Providers:         o.providers,
		Tools:             o.tools,
		Bus:               o.bus,
		DefaultProviderID: providerID,
		DefaultModelID:    modelID,
		MaxSteps:          50,
		ToolContext:       toolCtx,
	})
	child.SetDelegateFunc(o.ClassifierFor(childSession.ID))
	defer child.Stop()

	state, err := child.Prompt(ctx, task)
	if err != nil {
		o.resolve(correlationID, "", err.Error())
		return
	}

	switch s := state.(type) {
	case fsm.Complete:
		o.resolve(correlationID, o.extractSummary(ctx, s.Message), "")
	case fsm.Stopped:
		reason := s.Reason
		if s.Err != nil {
			reason = fmt.Sprintf("%s: %v", s.Reason, s.Err)
		}
		o.resolve(correlationID, "", reason)
	case fsm.Cancelled:
		o.resolve(correlationID, "", "delegation cancelled")
	default:
		o.resolve(correlationID, "", fmt.Sprintf("delegation ended in unexpected state %s", state.Kind()))
	}
}

// resolve finalizes a pending delegation, publishes the completion/failure
// event, and (if wired) calls Wake so the parent's fsm resumes.
func (o *Orchestrator) resolve(correlationID, summary, failureReason string) {
	o.mu.Lock()
	d, ok := o.pending[correlationID]
	if ok {
		if failureReason != "" {
			d.Status = StatusFailed
			d.FailureReason = failureReason
		} else {
			d.Status = StatusCompleted
			d.Summary = summary
		}
		delete(o.depthOf, d.ChildSessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now().UnixMilli()
	if failureReason != "" {
		o.bus.Publish(event.AgentEvent{
			Timestamp: now,
			SessionID: d.ParentSessionID,
			Kind:      event.KindDelegationFailed,
			Data: event.DelegationFailedData{
				CorrelationID:  correlationID,
				ChildSessionID: d.ChildSessionID,
				Reason:         failureReason,
			},
		})
	} else {
		o.bus.Publish(event.AgentEvent{
			Timestamp: now,
			SessionID: d.ParentSessionID,
			Kind:      event.KindDelegationCompleted,
			Data: event.DelegationCompletedData{
				CorrelationID:  correlationID,
				ChildSessionID: d.ChildSessionID,
				Summary:        summary,
			},
		})
	}

	if o.wake != nil {
		o.wake(d.ParentSessionID, fsm.EventWaker{
			CorrelationID: correlationID,
			Summary:       summary,
			Failed:        failureReason != "",
			FailureReason: failureReason,
		})
	}
}

// Get returns the current state of a delegation by correlation id.
func (o *Orchestrator) Get(correlationID string) (*Delegation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.pending[correlationID]
	return d, ok
}

// createChildSession mirrors the teacher's SubagentExecutor.createChildSession.
func (o *Orchestrator) createChildSession(ctx context.Context, parentSessionID, agentName string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	sessionID := ulid.Make().String()

	var parentSession types.Session
	var directory string
	projects, err := o.store.List(ctx, []string{"session"})
	if err == nil {
		for _, projectID := range projects {
			if err := o.store.Get(ctx, []string{"session", projectID, parentSessionID}, &parentSession); err == nil {
				directory = parentSession.Directory
				break
			}
		}
	}
	if directory == "" {
		directory = o.workDir
	}

	projectID := hashDirectory(directory)
	sess := &types.Session{
		ID:         sessionID,
		ProjectID:  projectID,
		Directory:  directory,
		Title:      fmt.Sprintf("Delegation: %s", agentName),
		ParentID:   &parentSessionID,
		ForkOrigin: types.ForkOriginDelegation,
		Version:    "1",
		Mode:       types.ModePlan,
		Time:       types.SessionTime{Created: now, Updated: now},
	}

	if err := o.store.Put(ctx, []string{"session", projectID, sess.ID}, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// extractSummary pulls the text content out of the final assistant message's
// parts, mirroring the teacher's executor extractTextContent helper.
func (o *Orchestrator) extractSummary(ctx context.Context, msg *types.Message) string {
	if msg == nil {
		return ""
	}
	var texts []string
	_ = o.store.Scan(ctx, []string{"part", msg.ID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return nil
		}
		if tp, ok := part.(*types.TextPart); ok && tp.Text != "" {
			texts = append(texts, tp.Text)
		}
		return nil
	})
	return strings.Join(texts, "\n")
}

// hashDirectory creates a stable project id from a directory path, mirroring
// the teacher's executor helper.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
