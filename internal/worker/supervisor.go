package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const neverGrantReason = "path is on the never-grant list"

// NeverGrantList is checked before the backend on every CapabilityRequest;
// entries are permanent denies regardless of mode.
type NeverGrantList []string

func (l NeverGrantList) contains(path string) bool {
	for _, p := range l {
		if p == path {
			return true
		}
	}
	return false
}

// Supervisor owns one accepted supervisor-socket connection for the
// lifetime of its worker, running the single request-response loop
// described by the capability protocol. One Supervisor per worker; the
// manager spawns its loop only after accepting the connection (step 4 of
// the spawn sequence), before the worker's first CapabilityRequest can
// arrive (step 5).
type Supervisor struct {
	conn       *net.UnixConn
	backend    *ModeApprovalBackend
	neverGrant NeverGrantList
	issueToken ExtensionTokenIssuer
}

// ExtensionTokenIssuer produces a platform OS-level extension token for a
// granted capability (Seatbelt on macOS, seccomp-notify on Linux).
// Implementations live in extension_darwin.go / extension_linux.go.
type ExtensionTokenIssuer func(req CapabilityRequest) (token string, err error)

// NewSupervisor wraps an accepted supervisor connection.
func NewSupervisor(conn *net.UnixConn, backend *ModeApprovalBackend, neverGrant NeverGrantList, issueToken ExtensionTokenIssuer) *Supervisor {
	return &Supervisor{conn: conn, backend: backend, neverGrant: neverGrant, issueToken: issueToken}
}

// Run drives the request-response loop until the connection closes or an
// unrecoverable framing error occurs. Intended to run on its own goroutine,
// one per worker.
func (s *Supervisor) Run() error {
	reader := bufio.NewReader(s.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return err
		}
		var req CapabilityRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("malformed capability request: %w", err)
		}
		s.handle(req)
	}
}

func (s *Supervisor) handle(req CapabilityRequest) {
	if s.neverGrant.contains(req.Path) {
		s.reply(Decision{RequestID: req.RequestID, Granted: false, Reason: neverGrantReason})
		return
	}

	decision := s.backend.Decide(req)
	if !decision.Granted {
		s.reply(decision)
		return
	}

	f, err := openForAccess(req.Path, req.Access)
	if err != nil {
		s.reply(Decision{RequestID: req.RequestID, Granted: false, Reason: err.Error()})
		return
	}
	defer f.Close()

	if err := sendFD(s.conn, int(f.Fd())); err != nil {
		s.reply(Decision{RequestID: req.RequestID, Granted: false, Reason: "fd handoff failed: " + err.Error()})
		return
	}
	s.reply(decision)

	if req.Access == AccessWrite || req.Access == AccessReadWrite {
		s.grantExtension(req)
	}
}

func (s *Supervisor) grantExtension(req CapabilityRequest) {
	if s.issueToken == nil {
		s.reply(ExtensionErrorDecision("no extension token issuer configured for this platform"))
		return
	}
	token, err := s.issueToken(req)
	if err != nil {
		s.reply(ExtensionErrorDecision(err.Error()))
		return
	}
	s.reply(ExtensionDecision(token))
}

func (s *Supervisor) reply(d Decision) {
	b, err := json.Marshal(d)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = s.conn.Write(b)
}

func openForAccess(path string, access AccessMode) (*os.File, error) {
	var flag int
	switch access {
	case AccessRead:
		flag = os.O_RDONLY
	case AccessWrite:
		flag = os.O_WRONLY | os.O_CREATE
	case AccessReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return nil, fmt.Errorf("unsupported access mode: %s", access)
	}
	return os.OpenFile(path, flag, 0o644)
}

// sendFD ships fd to the peer over conn using SCM_RIGHTS ancillary data.
func sendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	return err
}

// recvFD is the worker side's counterpart, reading a single passed
// descriptor off conn. Kept here (rather than a separate worker-binary
// package) because the protocol is symmetric and easiest to test against
// itself via a socketpair.
func recvFD(conn *net.UnixConn) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, err
	}
	if len(msgs) == 0 {
		return -1, fmt.Errorf("no control message received")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, err
	}
	if len(fds) == 0 {
		return -1, fmt.Errorf("no fd in control message")
	}
	return fds[0], nil
}
