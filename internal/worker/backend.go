package worker

import "sync/atomic"

// ModeApprovalBackend holds the single allow_write decision for one worker's
// session, flipped on mode transitions and consulted on every
// CapabilityRequest. Written with release ordering by the orchestrator
// (SetAllowWrite), read with acquire ordering by the supervisor loop
// (AllowWrite) — lock-free, so mode switches never wait on the worker.
type ModeApprovalBackend struct {
	allowWrite atomic.Bool
	cwd        string
}

// NewModeApprovalBackend creates a backend scoped to cwd, initially denying
// writes (Plan/Review posture) unless startWithWrite is set (Build posture).
func NewModeApprovalBackend(cwd string, startWithWrite bool) *ModeApprovalBackend {
	b := &ModeApprovalBackend{cwd: cwd}
	b.allowWrite.Store(startWithWrite)
	return b
}

// SetAllowWrite flips the write-capability flag, e.g. on an agent mode
// transition between Build and Plan/Review.
func (b *ModeApprovalBackend) SetAllowWrite(allow bool) {
	b.allowWrite.Store(allow)
}

// AllowWrite reports the current write-capability flag.
func (b *ModeApprovalBackend) AllowWrite() bool {
	return b.allowWrite.Load()
}

// CWD returns the workspace root this backend's grants are scoped to.
func (b *ModeApprovalBackend) CWD() string {
	return b.cwd
}

// Decide resolves a CapabilityRequest against this backend's policy:
// Read is always granted within cwd; Write/ReadWrite requires the
// allow_write flag; anything outside cwd is denied.
func (b *ModeApprovalBackend) Decide(req CapabilityRequest) Decision {
	if !within(b.cwd, req.Path) {
		return Decision{RequestID: req.RequestID, Granted: false, Reason: "path outside cwd: " + req.Path}
	}
	switch req.Access {
	case AccessRead:
		return Decision{RequestID: req.RequestID, Granted: true}
	case AccessWrite, AccessReadWrite:
		if b.AllowWrite() {
			return Decision{RequestID: req.RequestID, Granted: true}
		}
		return Decision{RequestID: req.RequestID, Granted: false, Reason: "write capability not granted in current mode"}
	default:
		return Decision{RequestID: req.RequestID, Granted: false, Reason: "unknown access mode: " + string(req.Access)}
	}
}
