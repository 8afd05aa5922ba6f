//go:build darwin

package worker

import "fmt"

// DarwinExtensionIssuer issues Seatbelt sandbox extension tokens via
// sandbox_extension_issue_file, granting req's path/access to the worker's
// sandboxed process. The actual cgo binding is intentionally not
// implemented here (it requires linking against libsandbox's private
// headers); this stub defines the seam issueToken plugs into so the rest
// of the supervisor protocol is platform-independent.
func DarwinExtensionIssuer(req CapabilityRequest) (string, error) {
	return "", fmt.Errorf("darwin sandbox extension issuance not implemented: %s", req.Path)
}

// DefaultExtensionIssuer is the platform issuer cmd/queryd wires into
// worker.Config without needing a build-tagged call site of its own.
var DefaultExtensionIssuer ExtensionTokenIssuer = DarwinExtensionIssuer
