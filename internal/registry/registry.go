// Package registry tracks every session this process knows about, whether
// it is driven by a local sessionactor.Actor or merely a handle to a peer
// that owns the real actor. Grounded on haasonsaas-nexus's
// internal/process.CommandQueue lane-map idiom: one map protected by a
// single RWMutex, no per-entry locks.
package registry

import (
	"fmt"
	"sync"

	"github.com/querymt/querymt/internal/sessionactor"
)

// RefKind distinguishes a locally-owned actor from a pointer at a remote one.
type RefKind int

const (
	RefLocal RefKind = iota
	RefRemote
)

func (k RefKind) String() string {
	if k == RefRemote {
		return "remote"
	}
	return "local"
}

// SessionActorRef is a tagged union: exactly one of Local or
// (RemoteHandle, PeerLabel) is meaningful, selected by Kind. Mirrors the
// fsm package's tagged-state pattern rather than embedding both variants'
// fields unguarded.
type SessionActorRef struct {
	Kind RefKind

	// Local is set when Kind == RefLocal: the actor mailbox living in this
	// process.
	Local *sessionactor.Actor

	// RemoteHandle and PeerLabel are set when Kind == RefRemote: an opaque
	// id internal/mesh resolves against a peer, and a human-readable label
	// for logging/loop-prevention.
	RemoteHandle string
	PeerLabel    string
}

// NewLocal wraps a locally-owned actor.
func NewLocal(a *sessionactor.Actor) SessionActorRef {
	return SessionActorRef{Kind: RefLocal, Local: a}
}

// NewRemote wraps a reference to an actor owned by another node.
func NewRemote(remoteHandle, peerLabel string) SessionActorRef {
	return SessionActorRef{Kind: RefRemote, RemoteHandle: remoteHandle, PeerLabel: peerLabel}
}

// IsLocal reports whether this ref can be driven directly.
func (r SessionActorRef) IsLocal() bool { return r.Kind == RefLocal }

// Registry maps session ids to the actor (or actor handle) that owns them.
type Registry struct {
	mu   sync.RWMutex
	refs map[string]SessionActorRef
}

// New creates an empty session registry.
func New() *Registry {
	return &Registry{refs: make(map[string]SessionActorRef)}
}

// Put registers a ref for a session id, replacing any prior entry.
func (r *Registry) Put(sessionID string, ref SessionActorRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[sessionID] = ref
}

// Get returns the ref for a session id.
func (r *Registry) Get(sessionID string) (SessionActorRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.refs[sessionID]
	if !ok {
		return SessionActorRef{}, fmt.Errorf("session not registered: %s", sessionID)
	}
	return ref, nil
}

// Remove unregisters a session, stopping its local actor if it owns one.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	ref, ok := r.refs[sessionID]
	delete(r.refs, sessionID)
	r.mu.Unlock()

	if ok && ref.IsLocal() && ref.Local != nil {
		ref.Local.Stop()
	}
}

// Sessions lists every registered session id.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.refs))
	for id := range r.refs {
		ids = append(ids, id)
	}
	return ids
}

// LocalSessions lists session ids owned by this process, for mesh
// advertisement.
func (r *Registry) LocalSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, ref := range r.refs {
		if ref.IsLocal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}
