//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup places the worker in its own process group so
// signals reach the whole subprocess tree.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return cmd.Process.Signal(sig)
}

// terminateProcessGroup asks the worker's process group to exit.
func terminateProcessGroup(cmd *exec.Cmd) error {
	return signalGroup(cmd, syscall.SIGTERM)
}

// killProcessGroup force-kills the worker's process group, falling
// back to killing the lead process directly.
func killProcessGroup(cmd *exec.Cmd) error {
	if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return err
	}
	return nil
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
