//go:build linux

package sandbox

import "fmt"

// Apply installs profile as the current process's Landlock ruleset plus a
// seccomp-notify filter for the extension-token channel. The Landlock
// syscalls (landlock_create_ruleset, landlock_add_rule,
// landlock_restrict_self) are available via golang.org/x/sys/unix on
// kernels >= 5.13; this is the seam cmd/queryd-worker calls before
// connecting to its supervisor socket. Not implemented here: see
// internal/worker's ExtensionTokenIssuer for the matching supervisor-side
// half of the protocol.
func (p Profile) Apply() error {
	return fmt.Errorf("linux landlock/seccomp-notify sandbox apply not implemented")
}
