//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// applySysProcAttr makes the spawned process the leader of a new process
// group so its entire descendant tree can be signalled as a unit.
func applySysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup implements the termination protocol: signal the process
// group, wait a short grace period, then force-kill the group, and always
// also signal the direct child as a belt-and-braces fallback.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	_ = syscall.Kill(pid, syscall.SIGTERM)

	time.Sleep(time.Second)

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
