package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeApprovalBackend_GrantsReadWithinCWD(t *testing.T) {
	dir := t.TempDir()
	b := NewModeApprovalBackend(dir, false)

	d := b.Decide(CapabilityRequest{RequestID: "r1", Path: filepath.Join(dir, "a.txt"), Access: AccessRead})
	assert.True(t, d.Granted)
}

func TestModeApprovalBackend_DeniesWriteWhenFlagUnset(t *testing.T) {
	dir := t.TempDir()
	b := NewModeApprovalBackend(dir, false)

	d := b.Decide(CapabilityRequest{RequestID: "r1", Path: filepath.Join(dir, "a.txt"), Access: AccessWrite})
	assert.False(t, d.Granted)
}

func TestModeApprovalBackend_GrantsWriteWhenFlagSet(t *testing.T) {
	dir := t.TempDir()
	b := NewModeApprovalBackend(dir, true)

	d := b.Decide(CapabilityRequest{RequestID: "r1", Path: filepath.Join(dir, "a.txt"), Access: AccessWrite})
	assert.True(t, d.Granted)
}

func TestModeApprovalBackend_SetAllowWrite_FlipsLiveGrant(t *testing.T) {
	dir := t.TempDir()
	b := NewModeApprovalBackend(dir, false)

	req := CapabilityRequest{RequestID: "r1", Path: filepath.Join(dir, "a.txt"), Access: AccessReadWrite}
	assert.False(t, b.Decide(req).Granted)

	b.SetAllowWrite(true)
	assert.True(t, b.Decide(req).Granted)
}

func TestModeApprovalBackend_DeniesOutsideCWD(t *testing.T) {
	dir := t.TempDir()
	b := NewModeApprovalBackend(dir, true)

	outside := filepath.Join(os.TempDir(), "elsewhere-entirely", "a.txt")
	d := b.Decide(CapabilityRequest{RequestID: "r1", Path: outside, Access: AccessRead})
	assert.False(t, d.Granted)
}

func TestModeApprovalBackend_DeniesUnknownAccessMode(t *testing.T) {
	dir := t.TempDir()
	b := NewModeApprovalBackend(dir, true)

	d := b.Decide(CapabilityRequest{RequestID: "r1", Path: dir, Access: "bogus"})
	assert.False(t, d.Granted)
}
