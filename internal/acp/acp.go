// Package acp defines the Agent Client Protocol surface at the interface
// level. The wire framing (JSON-RPC) is out of scope per spec.md §1/§6;
// this package specifies the operations a SendAgent must support and a
// local implementation backed by internal/registry and internal/sessionactor.
package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/querymt/querymt/internal/agenterr"
	"github.com/querymt/querymt/internal/registry"
	"github.com/querymt/querymt/internal/storage"
	"github.com/querymt/querymt/pkg/types"
)

// SendAgent is an actor-like object supporting every ACP operation, per
// spec.md §9's replacement for deep agent/provider trait inheritance: a
// capability interface rather than a class hierarchy. Local, a direct call
// over internal/registry, is the only implementation; nothing forwards
// these operations over the mesh.
type SendAgent interface {
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error)
	Authenticate(ctx context.Context, method string) error
	NewSession(ctx context.Context, cwd string) (*types.Session, error)
	LoadSession(ctx context.Context, sessionID string) (*types.Session, error)
	ListSessions(ctx context.Context) ([]*types.Session, error)
	ForkSession(ctx context.Context, sessionID string) (*types.Session, error)
	ResumeSession(ctx context.Context, sessionID string) (*types.Session, error)
	SetSessionModel(ctx context.Context, sessionID, modelID string, nodeID *string) error
	Prompt(ctx context.Context, sessionID, prompt string) (PromptResult, error)
	Cancel(ctx context.Context, sessionID string) error
	ExtMethod(ctx context.Context, name string, payload any) (any, error)
	ExtNotification(ctx context.Context, name string, payload any) error
}

// InitializeRequest is the client's capability handshake.
type InitializeRequest struct {
	ProtocolVersion string
	AuthMethods     []string
}

// InitializeResponse advertises this agent's capabilities back.
type InitializeResponse struct {
	ProtocolVersion string
	AuthRequired    bool
}

// PromptResult is the outcome of a single prompt turn.
type PromptResult struct {
	SessionID  string
	FinalState string // fsm.Kind as a string, avoids an acp->fsm dependency for callers that only log it
}

// Spawner starts the sandboxed worker process backing a new or resumed
// session (spec.md §4.6's spawn sequence). Implemented by
// *internal/worker.Manager; declared here, not imported from there, so
// worker does not need to depend on acp.
type Spawner interface {
	Spawn(ctx context.Context, sessionID, cwd string, mode types.AgentMode, dbPath string) (registry.SessionActorRef, error)
}

// Local implements SendAgent directly against this process's session
// registry — no RPC, no serialization.
type Local struct {
	sessions    *registry.Registry
	authMethods []string
	dir         string

	spawner  Spawner
	meta     *storage.Storage
	dataRoot string
}

// NewLocal creates a Local SendAgent backed by sessions.
func NewLocal(sessions *registry.Registry, authMethods []string) *Local {
	return &Local{sessions: sessions, authMethods: authMethods}
}

// SetSpawner wires the worker.Manager that backs NewSession, ForkSession,
// and cold ResumeSession. Without one, session creation fails with the
// "not wired" errors below — useful for tests that only exercise
// Initialize/Authenticate/ExtMethod.
func (l *Local) SetSpawner(s Spawner) { l.spawner = s }

// SetSessionStore wires the metadata store NewSession/LoadSession/
// ListSessions persist to, rooted at dataRoot (one JSON file per session
// under "sessions/<id>", per storage.Storage's path convention). Each
// worker's own db-path is a subdirectory of dataRoot keyed by session id,
// so a cold ResumeSession can hand the same path back to a freshly
// respawned worker.
func (l *Local) SetSessionStore(meta *storage.Storage, dataRoot string) {
	l.meta = meta
	l.dataRoot = dataRoot
}

func (l *Local) sessionDBPath(sessionID string) string {
	return filepath.Join(l.dataRoot, "workers", sessionID)
}

// Initialize echoes the client's protocol version back without checking it
// and reports whether authentication is required (non-empty auth_methods).
func (l *Local) Initialize(ctx context.Context, req InitializeRequest) (InitializeResponse, error) {
	return InitializeResponse{
		ProtocolVersion: req.ProtocolVersion,
		AuthRequired:    len(l.authMethods) > 0,
	}, nil
}

// Authenticate validates method is one of the configured auth methods.
func (l *Local) Authenticate(ctx context.Context, method string) error {
	for _, m := range l.authMethods {
		if m == method {
			return nil
		}
	}
	return agenterr.Authentication("unknown auth method: %s", method)
}

// NewSession requires cwd to be either absolute or empty, per spec.md §6.
// It spawns a sandboxed worker for the new session, registers the
// resulting ref, and persists session metadata for later LoadSession/
// ResumeSession calls.
func (l *Local) NewSession(ctx context.Context, cwd string) (*types.Session, error) {
	if cwd != "" && !isAbs(cwd) {
		return nil, agenterr.Validation("new_session cwd must be absolute or empty, got %q", cwd)
	}
	if l.spawner == nil || l.meta == nil {
		return nil, fmt.Errorf("session creation not wired: call SetSpawner/SetSessionStore on acp.Local")
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve default cwd: %w", err)
		}
		cwd = wd
	}

	id := ulid.Make().String()
	ref, err := l.spawner.Spawn(ctx, id, cwd, types.ModeBuild, l.sessionDBPath(id))
	if err != nil {
		return nil, fmt.Errorf("spawn worker for new session: %w", err)
	}
	l.sessions.Put(id, ref)

	now := time.Now().UnixMilli()
	sess := &types.Session{
		ID:        id,
		Directory: cwd,
		Title:     "New session",
		Version:   "1",
		Mode:      types.ModeBuild,
		Time:      types.SessionTime{Created: now, Updated: now},
	}
	if err := l.meta.Put(ctx, []string{"sessions", id}, sess); err != nil {
		return nil, fmt.Errorf("persist session metadata: %w", err)
	}
	return sess, nil
}

// LoadSession resolves an existing session by id, reading its persisted
// metadata regardless of whether the backing worker is currently live.
func (l *Local) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if l.meta == nil {
		return nil, fmt.Errorf("session hydration not wired: call SetSessionStore on acp.Local")
	}
	var sess types.Session
	if err := l.meta.Get(ctx, []string{"sessions", sessionID}, &sess); err != nil {
		return nil, agenterr.Validation("unknown session: %s", sessionID)
	}
	return &sess, nil
}

// ListSessions returns every persisted session's metadata, live or not.
func (l *Local) ListSessions(ctx context.Context) ([]*types.Session, error) {
	if l.meta == nil {
		return nil, fmt.Errorf("list_sessions not wired: call SetSessionStore on acp.Local")
	}
	ids, err := l.meta.List(ctx, []string{"sessions"})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := l.LoadSession(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// ForkSession spawns a new worker rooted at the parent's directory and
// records the fork lineage; an unknown parent is a Validation error. The
// parent's message history is not read: no fork point is recorded, and a
// parent with no messages is forked like any other.
func (l *Local) ForkSession(ctx context.Context, sessionID string) (*types.Session, error) {
	parent, err := l.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if l.spawner == nil {
		return nil, fmt.Errorf("fork_session not wired: call SetSpawner on acp.Local")
	}

	id := ulid.Make().String()
	ref, err := l.spawner.Spawn(ctx, id, parent.Directory, parent.Mode, l.sessionDBPath(id))
	if err != nil {
		return nil, fmt.Errorf("spawn worker for forked session: %w", err)
	}
	l.sessions.Put(id, ref)

	now := time.Now().UnixMilli()
	parentID := sessionID
	child := &types.Session{
		ID:         id,
		Directory:  parent.Directory,
		ParentID:   &parentID,
		ForkOrigin: types.ForkOriginUser,
		Title:      parent.Title,
		Version:    parent.Version,
		Mode:       parent.Mode,
		Time:       types.SessionTime{Created: now, Updated: now},
	}
	if err := l.meta.Put(ctx, []string{"sessions", id}, child); err != nil {
		return nil, fmt.Errorf("persist forked session metadata: %w", err)
	}
	return child, nil
}

// ResumeSession reattaches to a session. If the registry already has a
// live ref (the worker never died) it is returned directly; otherwise the
// session's persisted metadata is used to respawn the worker at the same
// directory and mode, a cold-resume path spec.md §4.6 doesn't name but
// the persisted-metadata design requires for a restarted orchestrator.
func (l *Local) ResumeSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if ref, err := l.sessions.Get(sessionID); err == nil {
		if !ref.IsLocal() {
			return nil, agenterr.Capability("session %s is owned by peer %s, resume via mesh", sessionID, ref.PeerLabel)
		}
		if l.meta != nil {
			if sess, err := l.LoadSession(ctx, sessionID); err == nil {
				return sess, nil
			}
		}
		return nil, fmt.Errorf("session hydration not wired: call SetSessionStore on acp.Local")
	}

	sess, err := l.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, agenterr.Validation("cannot resume unknown session: %s", sessionID)
	}
	if l.spawner == nil {
		return nil, fmt.Errorf("session hydration not wired: call SetSpawner on acp.Local")
	}
	ref, err := l.spawner.Spawn(ctx, sessionID, sess.Directory, sess.Mode, l.sessionDBPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("respawn worker to resume session: %w", err)
	}
	l.sessions.Put(sessionID, ref)
	return sess, nil
}

// SetSessionModel changes the model a session's next turn uses. nodeID is
// accepted for the mesh-aware variant of this call but unused locally: a
// Local SendAgent only ever sets the model on a session it owns.
func (l *Local) SetSessionModel(ctx context.Context, sessionID, modelID string, nodeID *string) error {
	ref, err := l.sessions.Get(sessionID)
	if err != nil {
		return agenterr.Validation("unknown session: %s", sessionID)
	}
	if !ref.IsLocal() {
		return agenterr.Capability("session %s is owned by peer %s", sessionID, ref.PeerLabel)
	}
	ref.Local.SetSessionModel("", modelID)
	return nil
}

// Prompt drives one turn of the named session's execution state machine to
// completion (or suspension).
func (l *Local) Prompt(ctx context.Context, sessionID, prompt string) (PromptResult, error) {
	ref, err := l.sessions.Get(sessionID)
	if err != nil {
		return PromptResult{}, agenterr.Validation("unknown session: %s", sessionID)
	}
	if !ref.IsLocal() {
		return PromptResult{}, agenterr.Capability("session %s is owned by peer %s", sessionID, ref.PeerLabel)
	}

	state, err := ref.Local.Prompt(ctx, prompt)
	if err != nil {
		return PromptResult{}, err
	}
	return PromptResult{SessionID: sessionID, FinalState: string(state.Kind())}, nil
}

// Cancel requests the named session's in-flight turn stop at its next
// checkpoint.
func (l *Local) Cancel(ctx context.Context, sessionID string) error {
	ref, err := l.sessions.Get(sessionID)
	if err != nil {
		return agenterr.Validation("unknown session: %s", sessionID)
	}
	if !ref.IsLocal() {
		return agenterr.Capability("session %s is owned by peer %s", sessionID, ref.PeerLabel)
	}
	_, err = ref.Local.Cancel(ctx)
	return err
}

// ExtMethod handles a vendor extension method; unknown names are a
// protocol error per spec.md §7.
func (l *Local) ExtMethod(ctx context.Context, name string, payload any) (any, error) {
	return nil, agenterr.Protocol("unknown ext_method: %s", name)
}

// ExtNotification handles a vendor extension notification; unknown names
// are silently accepted (notifications have no response to carry an error).
func (l *Local) ExtNotification(ctx context.Context, name string, payload any) error {
	return nil
}

func isAbs(path string) bool {
	return len(path) > 0 && path[0] == '/'
}

var _ SendAgent = (*Local)(nil)
