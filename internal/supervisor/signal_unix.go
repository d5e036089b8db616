//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the agent in its own process group so signals reach
// any helpers it starts.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGraceful(p *ManagedProcess) error {
	return signalGroup(p.pid, unix.SIGTERM)
}

func signalForce(p *ManagedProcess) error {
	return signalGroup(p.pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// group already gone; fall back to the leader in case it left the group
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// processAlive reports whether pid still exists
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
