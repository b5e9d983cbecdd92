//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// terminateProcess sends SIGTERM to the process group.
func terminateProcess(p *os.Process) error {
	return signalGroup(p.Pid, syscall.SIGTERM)
}

// killProcess sends SIGKILL to the process group.
func killProcess(p *os.Process) error {
	return signalGroup(p.Pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// the group leader may have exited between the liveness check and the signal
		return nil
	}
	return err
}
