package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/querymt/querymt/internal/registry"
	"github.com/querymt/querymt/pkg/types"
)

// meshBackoffMillis is the exponential backoff schedule the manager polls
// the mesh DHT on while waiting for a freshly spawned worker's session
// actor to register (step 6 of the spawn sequence): ~32s ceiling.
var meshBackoffMillis = []int{250, 500, 1000, 2000, 4000, 8000, 8000, 8000}

// MeshLookup resolves a freshly spawned worker's remote session actor once
// it registers itself in the mesh DHT. Implemented by internal/mesh;
// defined here to avoid a worker->mesh import (mesh depends on worker's
// WorkerHandle type, not the reverse).
type MeshLookup func(ctx context.Context, sessionID string) (remoteHandle string, ok bool)

// Handle is everything the manager tracks for one live worker process.
type Handle struct {
	SessionID    string
	SocketPath   string
	Backend      *ModeApprovalBackend
	Supervisor   *Supervisor
	Cmd          *exec.Cmd
	listener     *net.UnixListener
	supervisorWG sync.WaitGroup
}

// Manager spawns and owns every sandboxed worker process this orchestrator
// is responsible for, keyed by session id — mirrors the teacher's
// single-RWMutex map idiom used throughout the pack (see
// internal/registry.Registry).
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*Handle

	workerBinary string
	socketDir    string
	meshPeer     string
	meshLookup   MeshLookup
	issueToken   ExtensionTokenIssuer
	neverGrant   NeverGrantList
}

// Config configures a Manager.
type Config struct {
	WorkerBinary string
	SocketDir    string
	// MeshPeer is the etcd endpoint every spawned worker is told to join
	// via its own --mesh-peer flag, so MeshLookup's polling has something
	// to eventually find. Empty disables mesh membership for spawned
	// workers (single-node mode).
	MeshPeer   string
	MeshLookup MeshLookup
	IssueToken ExtensionTokenIssuer
	NeverGrant NeverGrantList
}

// NewManager creates an empty worker manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		workers:      make(map[string]*Handle),
		workerBinary: cfg.WorkerBinary,
		socketDir:    cfg.SocketDir,
		meshPeer:     cfg.MeshPeer,
		meshLookup:   cfg.MeshLookup,
		issueToken:   cfg.IssueToken,
		neverGrant:   cfg.NeverGrant,
	}
}

// SetMeshLookup wires the mesh lookup after construction, for callers whose
// mesh.Node needs a reference to this Manager's registry/routing
// collaborators and so can't exist before the Manager does.
func (m *Manager) SetMeshLookup(lookup MeshLookup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meshLookup = lookup
}

// Spawn runs the worker spawn sequence from spec: listen, exec, accept,
// supervise, then poll the mesh for the worker's session actor. Steps 1-4
// must not be parallelised with step 5 (the worker's first
// CapabilityRequest) — the supervisor loop is running before exec returns
// control to the caller, because the listener accept happens synchronously
// on this goroutine before the supervisor loop is spawned.
func (m *Manager) Spawn(ctx context.Context, sessionID, cwd string, mode types.AgentMode, dbPath string) (registry.SessionActorRef, error) {
	socketPath := filepath.Join(m.socketDir, sessionID+".sock")
	_ = os.Remove(socketPath)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return registry.SessionActorRef{}, fmt.Errorf("listen supervisor socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o700); err != nil {
		ln.Close()
		return registry.SessionActorRef{}, fmt.Errorf("chmod supervisor socket: %w", err)
	}

	args := []string{
		"--cwd", cwd,
		"--mode", string(mode),
		"--session-id", sessionID,
		"--db-path", dbPath,
		"--supervisor-socket", socketPath,
	}
	if m.meshPeer != "" {
		args = append(args, "--mesh-peer", m.meshPeer)
	}
	cmd := exec.CommandContext(ctx, m.workerBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = nil // inherit nothing sensitive

	if err := cmd.Start(); err != nil {
		ln.Close()
		return registry.SessionActorRef{}, fmt.Errorf("spawn worker: %w", err)
	}

	conn, err := ln.AcceptUnix()
	if err != nil {
		_ = cmd.Process.Kill()
		ln.Close()
		return registry.SessionActorRef{}, fmt.Errorf("accept supervisor connection: %w", err)
	}

	backend := NewModeApprovalBackend(cwd, mode == types.ModeBuild)
	supervisor := NewSupervisor(conn, backend, m.neverGrant, m.issueToken)

	handle := &Handle{
		SessionID:  sessionID,
		SocketPath: socketPath,
		Backend:    backend,
		Supervisor: supervisor,
		Cmd:        cmd,
		listener:   ln,
	}
	handle.supervisorWG.Add(1)
	go func() {
		defer handle.supervisorWG.Done()
		_ = supervisor.Run()
	}()

	m.mu.Lock()
	m.workers[sessionID] = handle
	m.mu.Unlock()

	remoteHandle, err := m.awaitMeshRegistration(ctx, sessionID)
	if err != nil {
		m.Destroy(sessionID)
		return registry.SessionActorRef{}, err
	}

	return registry.NewRemote(remoteHandle, sessionID), nil
}

// awaitMeshRegistration polls meshLookup on the spec's backoff schedule
// until the worker's session actor appears or the schedule is exhausted.
func (m *Manager) awaitMeshRegistration(ctx context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	lookup := m.meshLookup
	m.mu.RUnlock()
	if lookup == nil {
		return "", fmt.Errorf("no mesh lookup configured")
	}
	if handle, ok := lookup(ctx, sessionID); ok {
		return handle, nil
	}
	for _, wait := range meshBackoffMillis {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(wait) * time.Millisecond):
		}
		if handle, ok := lookup(ctx, sessionID); ok {
			return handle, nil
		}
	}
	return "", fmt.Errorf("worker %s did not register in mesh within backoff ceiling", sessionID)
}

// SetMode updates a worker's write-capability flag in place, e.g. on a
// session's agent mode transition. The change is observed lock-free by the
// supervisor loop on the worker's next CapabilityRequest.
func (m *Manager) SetMode(sessionID string, mode types.AgentMode) error {
	m.mu.RLock()
	handle, ok := m.workers[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no worker for session %s", sessionID)
	}
	handle.Backend.SetAllowWrite(mode == types.ModeBuild)
	return nil
}

// Get returns a worker's handle.
func (m *Manager) Get(sessionID string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.workers[sessionID]
	return h, ok
}

// Destroy tears down a worker: kills the process, closes the socket, and
// removes the socket file. Racing a not-yet-registered worker is a no-op.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	handle, ok := m.workers[sessionID]
	if ok {
		delete(m.workers, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if handle.Cmd != nil && handle.Cmd.Process != nil {
		_ = handle.Cmd.Process.Kill()
	}
	if handle.listener != nil {
		_ = handle.listener.Close()
	}
	handle.supervisorWG.Wait()
	_ = os.Remove(handle.SocketPath)
}

// DestroyAll tears down every worker this manager owns, e.g. on process
// shutdown. Worker child processes are expected to die with their parent
// regardless, but this makes teardown explicit and ordered.
func (m *Manager) DestroyAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}
