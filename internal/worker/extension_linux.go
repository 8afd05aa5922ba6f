//go:build linux

package worker

import "fmt"

// LinuxExtensionIssuer issues a seccomp-notify response token granting
// req's path/access to the worker's sandboxed process. A full
// implementation resolves the worker's notify fd (installed when its
// static sandbox profile was applied, see internal/sandbox) and sends an
// addfd/continue response via unix.SeccompNotifResp-shaped primitives;
// wiring that up needs the worker's child pid, which the CapabilityRequest
// carries as ChildPID.
func LinuxExtensionIssuer(req CapabilityRequest) (string, error) {
	if req.ChildPID <= 0 {
		return "", fmt.Errorf("missing child pid for seccomp-notify response")
	}
	return "", fmt.Errorf("linux seccomp-notify extension issuance not implemented: %s", req.Path)
}

// DefaultExtensionIssuer is the platform issuer cmd/queryd wires into
// worker.Config without needing a build-tagged call site of its own.
var DefaultExtensionIssuer ExtensionTokenIssuer = LinuxExtensionIssuer
