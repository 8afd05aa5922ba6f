package sessionactor

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/querymt/querymt/internal/event"
	"github.com/querymt/querymt/internal/fsm"
	"github.com/querymt/querymt/internal/provider"
	"github.com/querymt/querymt/internal/storage"
	"github.com/querymt/querymt/internal/tool"
	"github.com/querymt/querymt/pkg/types"
)

// mailbox message kinds. Grounded on haasonsaas-nexus's command-queue
// idiom: one goroutine owns all mutable state, every external call becomes
// a message with a reply channel.
type msgKind int

const (
	msgPrompt msgKind = iota
	msgCancel
	msgSetMode
	msgGetMode
	msgSetModel
	msgGetHistory
	msgWake
	msgStop
)

type mailboxMsg struct {
	kind  msgKind
	text  string
	mode  types.AgentMode
	provID, modID string
	waker fsm.EventWaker
	reply chan mailboxReply
}

type mailboxReply struct {
	state    fsm.State
	messages []*types.Message
	mode     types.AgentMode
	err      error
}

// Actor owns one session's fsm.Machine plus the storage/provider/tool
// handles its driver closes over. Every public method sends a mailbox
// message and blocks for the reply; the actor's run loop is the only
// goroutine that touches the fsm.Machine.
type Actor struct {
	sessionID string
	store     *storage.Storage
	bus       *event.AgentBus

	mailbox chan mailboxMsg
	stopped chan struct{}

	mu         sync.RWMutex
	mode       types.AgentMode
	machine    *fsm.Machine
	driver     *sessionDriver
	cancelTurn context.CancelFunc

	// delegateFn hands a delegate-shaped tool call to the delegation
	// orchestrator; set by SetDelegateFunc.
	delegateFn func(call schema.ToolCall) (correlationID string, isDelegate bool)
}

// Options configures a new session Actor.
type Options struct {
	SessionID         string
	Store             *storage.Storage
	Providers         *provider.Registry
	Tools             *tool.Registry
	Bus               *event.AgentBus
	DefaultProviderID string
	DefaultModelID    string
	MaxSteps          int
	ToolContext       *tool.Context
}

// New starts a session actor and its mailbox goroutine.
func New(opts Options) *Actor {
	driver := &sessionDriver{
		sessionID:  opts.SessionID,
		providerID: opts.DefaultProviderID,
		modelID:    opts.DefaultModelID,
		store:      opts.Store,
		models:     opts.Providers,
		tools:      opts.Tools,
		toolCtx:    opts.ToolContext,
		maxSteps:   opts.MaxSteps,
	}

	a := &Actor{
		sessionID: opts.SessionID,
		store:     opts.Store,
		bus:       opts.Bus,
		mailbox:   make(chan mailboxMsg, 16),
		stopped:   make(chan struct{}),
		mode:      types.ModeBuild,
		machine:   fsm.New(driver),
		driver:    driver,
	}
	driver.delegate = func(call schema.ToolCall) (string, bool) {
		if a.delegateFn != nil {
			return a.delegateFn(call)
		}
		return "", false
	}

	go a.run()
	return a
}

// SetDelegateFunc wires in the delegation orchestrator's classifier: given a
// tool call, it reports whether the call should suspend the machine (e.g.
// the "delegate" tool) and the correlation id to wait on.
func (a *Actor) SetDelegateFunc(fn func(call schema.ToolCall) (correlationID string, isDelegate bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegateFn = fn
}

// run is the actor's single-goroutine owner of mutable state. Prompt and
// Wake hand their fsm.Machine.Run call off to a dedicated turn goroutine so
// a concurrent Cancel can still reach the mailbox and call cancelTurn;
// everything else here executes inline since it never blocks.
func (a *Actor) run() {
	for msg := range a.mailbox {
		switch msg.kind {
		case msgPrompt:
			go a.handlePrompt(msg)
		case msgCancel:
			a.mu.RLock()
			cancel := a.cancelTurn
			a.mu.RUnlock()
			if cancel != nil {
				cancel()
			}
			msg.reply <- mailboxReply{state: a.machine.Current()}
		case msgSetMode:
			a.mode = msg.mode
			msg.reply <- mailboxReply{}
		case msgGetMode:
			msg.reply <- mailboxReply{mode: a.mode}
		case msgSetModel:
			a.driver.providerID = msg.provID
			a.driver.modelID = msg.modID
			msg.reply <- mailboxReply{}
		case msgGetHistory:
			hist, err := a.driver.LoadHistory(context.Background())
			msg.reply <- mailboxReply{messages: hist, err: err}
		case msgWake:
			go a.handleWake(msg)
		case msgStop:
			a.mu.RLock()
			cancel := a.cancelTurn
			a.mu.RUnlock()
			if cancel != nil {
				cancel()
			}
			close(a.stopped)
			msg.reply <- mailboxReply{}
			return
		}
	}
}

func (a *Actor) handleWake(msg mailboxMsg) {
	if err := a.machine.Wake(msg.waker); err != nil {
		msg.reply <- mailboxReply{err: err}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelTurn = cancel
	a.mu.Unlock()
	defer cancel()
	state, err := a.machine.Run(ctx)
	msg.reply <- mailboxReply{state: state, err: err}
}

func (a *Actor) handlePrompt(msg mailboxMsg) {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelTurn = cancel
	a.mu.Unlock()
	defer cancel()
	now := time.Now().UnixMilli()
	userMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: a.sessionID,
		Role:      types.RoleUser,
		Time:      types.MessageTime{Created: now},
	}
	if err := a.store.Put(ctx, []string{"message", a.sessionID, userMsg.ID}, userMsg); err != nil {
		msg.reply <- mailboxReply{err: err}
		return
	}
	part := &types.TextPart{
		ID:        ulid.Make().String(),
		SessionID: a.sessionID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      msg.text,
	}
	_ = a.store.Put(ctx, []string{"part", userMsg.ID, part.ID}, part)

	a.bus.Publish(event.AgentEvent{
		Timestamp: now,
		SessionID: a.sessionID,
		Kind:      event.KindSessionPrompted,
		Data:      nil,
	})

	a.machine = fsm.New(a.driver)
	state, err := a.machine.Run(ctx)
	msg.reply <- mailboxReply{state: state, err: err}
}

// Prompt submits a user message and drives the fsm until it reaches a
// terminal state or WaitingForEvent.
func (a *Actor) Prompt(ctx context.Context, text string) (fsm.State, error) {
	reply := make(chan mailboxReply, 1)
	select {
	case a.mailbox <- mailboxMsg{kind: msgPrompt, text: text, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests that the current turn stop at its next checkpoint.
func (a *Actor) Cancel(ctx context.Context) (fsm.State, error) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgCancel, reply: reply}
	r := <-reply
	return r.state, r.err
}

// SetMode changes the session's permission posture (build/plan/review).
func (a *Actor) SetMode(mode types.AgentMode) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgSetMode, mode: mode, reply: reply}
	<-reply
}

// GetMode returns the session's current permission posture.
func (a *Actor) GetMode() types.AgentMode {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgGetMode, reply: reply}
	r := <-reply
	return r.mode
}

// SetSessionModel repoints the session at a different provider/model pair.
func (a *Actor) SetSessionModel(providerID, modelID string) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgSetModel, provID: providerID, modID: modelID, reply: reply}
	<-reply
}

// GetHistory returns the session's message history.
func (a *Actor) GetHistory(ctx context.Context) ([]*types.Message, error) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgGetHistory, reply: reply}
	r := <-reply
	return r.messages, r.err
}

// Wake delivers a delegation result to a WaitingForEvent machine and resumes
// it until the next terminal/waiting state.
func (a *Actor) Wake(ctx context.Context, w fsm.EventWaker) (fsm.State, error) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgWake, waker: w, reply: reply}
	r := <-reply
	return r.state, r.err
}

// Stop shuts the actor's mailbox goroutine down.
func (a *Actor) Stop() {
	reply := make(chan mailboxReply, 1)
	select {
	case a.mailbox <- mailboxMsg{kind: msgStop, reply: reply}:
		<-reply
	case <-a.stopped:
	}
}

// CurrentState returns the machine's current state without going through
// the mailbox, for read-only diagnostics (lost updates are acceptable here;
// this is not a correctness-sensitive accessor).
func (a *Actor) CurrentState() fsm.State {
	return a.machine.Current()
}
