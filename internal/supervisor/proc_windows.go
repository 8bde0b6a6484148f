//go:build windows

package supervisor

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both phases kill the process directly.
func signalTerm(cmd *exec.Cmd) {
	signalKill(cmd)
}

func signalKill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
