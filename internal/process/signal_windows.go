//go:build windows

package process

import (
	"os"

	"golang.org/x/sys/windows"
)

// terminateProcess ends the process. Windows has no cooperative terminate
// signal for non-console children, so this is TerminateProcess with exit
// code 1, like kill but distinguishable in the exit status.
func terminateProcess(p *os.Process) error {
	return terminatePID(p.Pid, 1)
}

// killProcess ends the process unconditionally.
func killProcess(p *os.Process) error {
	return p.Kill()
}

func terminatePID(pid int, code uint32) error {
	if pid <= 0 {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// the process is already gone
		return nil
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, code)
}
