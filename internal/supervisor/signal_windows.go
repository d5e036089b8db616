//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcAttr starts the agent in a new process group without a console
// window, so CTRL_BREAK can be delivered to it alone.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_NO_WINDOW,
	}
}

func signalGraceful(p *ManagedProcess) error {
	if err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.pid)); err == nil {
		return nil
	}
	// no shared console; ask taskkill to close the tree politely
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(p.pid)).Run()
}

func signalForce(p *ManagedProcess) error {
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(p.pid)).Run(); err == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// processAlive reports whether pid still exists
func processAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}
