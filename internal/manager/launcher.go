package manager

import (
	"io"
	"time"

	"github.com/loykin/agentvisor/internal/process"
)

// Handle is the OS process owned by a ManagedProcess.
// *process.Process implements it.
type Handle interface {
	PID() int
	Running() bool
	Terminate() error
	Kill() error
	// Wait blocks up to d for the process to exit and reports whether it did.
	Wait(d time.Duration) bool
}

// exitReporter is implemented by handles that remember how their process
// ended.
type exitReporter interface {
	Snapshot() process.Status
}

// Launcher spawns processes.
type Launcher interface {
	Launch(spec process.Spec, out io.Writer) (Handle, error)
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(spec process.Spec, out io.Writer) (Handle, error)

func (f LauncherFunc) Launch(spec process.Spec, out io.Writer) (Handle, error) { return f(spec, out) }

type execLauncher struct{}

func (execLauncher) Launch(spec process.Spec, out io.Writer) (Handle, error) {
	p, err := process.Start(spec, out)
	if err != nil {
		// avoid a non-nil interface wrapping a nil *Process
		return nil, err
	}
	return p, nil
}

// ExecLauncher starts real OS processes.
func ExecLauncher() Launcher { return execLauncher{} }
