//go:build !windows

package supervisor

import "syscall"

// terminate asks the whole process group to shut down.
func terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// kill forcefully ends the process group.
func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
