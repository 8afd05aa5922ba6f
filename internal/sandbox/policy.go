// Package sandbox builds the static capability profile a worker process is
// launched under. Grounded on original_source/crates/sandbox/src/lib.rs's
// SandboxPolicy/to_capability_set, re-expressed without the nono crate: the
// profile here is a plain value describing what internal/worker's platform
// extension issuers (extension_darwin.go / extension_linux.go) and the
// eventual process-spawn call need, rather than a capability object applied
// in-process.
package sandbox

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/querymt/querymt/internal/worker"
)

// PathGrant is one filesystem path and the access mode statically granted
// to it.
type PathGrant struct {
	Path   string
	Access worker.AccessMode
}

// Policy describes the static sandbox a worker process is launched under.
// It always grants Read-only on cwd; write access is never baked into the
// static profile, only obtained at runtime through a supervisor extension
// token (internal/worker.Supervisor).
type Policy struct {
	CWD          string
	ReadOnly     bool
	AllowNetwork bool
	DBPath       string
	SocketDir    string
}

// Profile is the resolved static capability list for a Policy, plus whether
// network access is blocked.
type Profile struct {
	Grants         []PathGrant
	NetworkBlocked bool
	ExtensionsOn   bool
}

// Build resolves p into the concrete path grants described by spec §4.7:
// Read on cwd; Read on system paths if present; ReadWrite on /tmp; Read on
// platform-specific paths; ReadWrite on db_path's parent directory (for
// SQLite WAL/journal sidecars) and on socket_dir; network blocked iff
// !AllowNetwork. Extensions are always enabled — they are the only channel
// through which a worker ever gains write access to cwd.
func (p Policy) Build() Profile {
	var grants []PathGrant
	grants = append(grants, PathGrant{Path: p.CWD, Access: worker.AccessRead})

	for _, sysPath := range []string{"/usr", "/bin", "/etc", "/dev", "/lib"} {
		if pathExists(sysPath) {
			grants = append(grants, PathGrant{Path: sysPath, Access: worker.AccessRead})
		}
	}

	grants = append(grants, PathGrant{Path: "/tmp", Access: worker.AccessReadWrite})
	grants = append(grants, platformGrants()...)

	if p.DBPath != "" {
		if parent := filepath.Dir(p.DBPath); pathExists(parent) {
			grants = append(grants, PathGrant{Path: parent, Access: worker.AccessReadWrite})
		}
	}
	if p.SocketDir != "" {
		grants = append(grants, PathGrant{Path: p.SocketDir, Access: worker.AccessReadWrite})
	}

	return Profile{
		Grants:         grants,
		NetworkBlocked: !p.AllowNetwork,
		ExtensionsOn:   true,
	}
}

// InitialWriteGrant reports whether the orchestrator should issue an
// initial ReadWrite extension token for cwd at worker startup: true unless
// the policy starts read-only (Plan/Review mode).
func (p Policy) InitialWriteGrant() bool {
	return !p.ReadOnly
}

func platformGrants() []PathGrant {
	switch runtime.GOOS {
	case "darwin":
		var grants []PathGrant
		for _, path := range []string{"/private/var", "/System", "/Library"} {
			if pathExists(path) {
				grants = append(grants, PathGrant{Path: path, Access: worker.AccessRead})
			}
		}
		return grants
	case "linux":
		var grants []PathGrant
		for _, path := range []string{"/proc", "/sys"} {
			if pathExists(path) {
				grants = append(grants, PathGrant{Path: path, Access: worker.AccessRead})
			}
		}
		return grants
	default:
		return nil
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
