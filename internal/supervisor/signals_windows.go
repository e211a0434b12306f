//go:build windows

package supervisor

import "os/exec"

// setProcessGroup is a no-op on Windows; process groups are POSIX-only.
func setProcessGroup(_ *exec.Cmd) {}

// signalGroup kills the child directly; Windows has no group signals.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
