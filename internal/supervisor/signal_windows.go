//go:build windows

package supervisor

import (
	"os"
	"syscall"
)

// Windows has no SIGTERM delivery for unrelated consoles; both paths do a
// hard kill.
func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func kill(pid int) error {
	return terminate(pid)
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
