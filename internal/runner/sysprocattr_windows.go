//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// applySysProcAttr creates the process in its own process group on Windows,
// the closest analogue to a POSIX process-group leader.
func applySysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killProcessGroup terminates the process. Windows has no signal-based
// graceful shutdown equivalent to SIGTERM for arbitrary processes, so this
// goes straight to a hard kill.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
