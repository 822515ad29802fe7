//go:build darwin || linux

package agentserver

import "syscall"

func killPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
