//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent in its own process group so its children are signalled with it.
// Pdeathsig stops the agent if conductor dies without calling Kill.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
