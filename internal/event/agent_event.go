package event

import "github.com/querymt/querymt/pkg/types"

// AgentEventKind distinguishes the session-core event catalogue from the
// UI-facing Event/EventType pair above. The session core publishes these
// through an AgentBus; the UI layer continues to use Bus/Event/EventType
// for its own transport.
type AgentEventKind string

const (
	KindDelegationRequested AgentEventKind = "delegation.requested"
	KindDelegationCompleted AgentEventKind = "delegation.completed"
	KindDelegationFailed    AgentEventKind = "delegation.failed"
	KindSessionForked       AgentEventKind = "session.forked"
	KindSessionModeChanged  AgentEventKind = "session.mode_changed"
	KindSessionPrompted     AgentEventKind = "session.prompted"
	KindToolApprovalNeeded  AgentEventKind = "tool.approval_needed"
	KindToolApprovalGranted AgentEventKind = "tool.approval_granted"
	KindToolApprovalDenied  AgentEventKind = "tool.approval_denied"
	KindRouteChanged        AgentEventKind = "route.changed"
	KindPeerResolved        AgentEventKind = "peer.resolved"
	KindPeerUnresolved      AgentEventKind = "peer.unresolved"
)

// Origin records who produced an AgentEvent, for loop-prevention when a
// delegated child's events are relayed up to its parent's subscribers.
type Origin struct {
	SessionID string
	PeerLabel string // empty when produced locally
}

// AgentEvent is the envelope every session-core subscriber receives. Seq is
// monotonic per-bus, not per-session, so a late subscriber can detect gaps.
type AgentEvent struct {
	Seq       uint64
	Timestamp int64
	SessionID string
	Origin    Origin
	Kind      AgentEventKind
	Data      any
}

// DelegationRequestedData carries the correlation id a parent session's fsm
// waits on while the delegation orchestrator spawns the child.
type DelegationRequestedData struct {
	CorrelationID string
	ChildAgentID  string
	Task          string
}

// DelegationCompletedData wakes a WaitingForEvent parent with the child's
// extracted summary.
type DelegationCompletedData struct {
	CorrelationID string
	ChildSessionID string
	Summary       string
}

// DelegationFailedData wakes a WaitingForEvent parent with a typed failure.
type DelegationFailedData struct {
	CorrelationID string
	ChildSessionID string
	Reason        string
}

// SessionForkedData announces a new child session to mesh peers and local
// subscribers alike.
type SessionForkedData struct {
	ParentSessionID string
	ChildSessionID  string
	Origin          types.ForkOrigin
}
