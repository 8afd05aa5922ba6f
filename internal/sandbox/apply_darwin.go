//go:build darwin

package sandbox

import "fmt"

// Apply installs profile as the current process's Seatbelt sandbox. This is
// irreversible: once applied, only supervisor-granted extension tokens can
// widen access. The cgo binding into libsandbox's private sandbox_init_ex
// API is intentionally not implemented here; this is the seam
// cmd/queryd-worker calls before connecting to its supervisor socket.
func (p Profile) Apply() error {
	return fmt.Errorf("darwin seatbelt sandbox_init_ex binding not implemented")
}
