// Package hostcli is the seam between the orchestration logic and the ESXi
// shell. Everything the upgrade does to the host goes through a Runner, so
// tests can substitute scripted output for real vim-cmd/esxcli invocations.
package hostcli

import (
	"context"
	"os/exec"
)

// Runner executes one host CLI command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

var _ Runner = (*Shell)(nil)

// Shell runs commands against the local ESXi busybox shell.
type Shell struct{}

func NewShell() *Shell {
	return &Shell{}
}

func (s *Shell) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Reboot triggers the host reboot. Fire-and-forget: the caller's process does
// not survive long enough to observe the result.
func Reboot(ctx context.Context, r Runner) error {
	_, err := r.Run(ctx, "reboot", "now")
	return err
}
