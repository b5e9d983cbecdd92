package process

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Process owns one started OS process. It is created by Start and reaps
// its child in a background goroutine, so Running reflects the exit as
// soon as the OS reports it and no zombie is left behind.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	waitDone  chan struct{} // closed once cmd.Wait returns

	mu        sync.Mutex
	stoppedAt time.Time
	exitErr   error
}

// Start launches spec with stdout and stderr redirected to out.
// out may be nil, in which case the child's stdio is the null device.
func Start(spec Spec, out io.Writer) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	cmd.Stdout = out
	cmd.Stderr = out
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		waitDone:  make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.stoppedAt = time.Now()
	p.exitErr = err
	p.mu.Unlock()
	close(p.waitDone)
}

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or d elapses. It reports whether
// the process exited.
func (p *Process) Wait(d time.Duration) bool {
	if d <= 0 {
		return !p.Running()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.waitDone:
		return true
	case <-t.C:
		return false
	}
}

// Terminate asks the process to exit.
func (p *Process) Terminate() error {
	if !p.Running() {
		return nil
	}
	return terminateProcess(p.cmd.Process)
}

// Kill forcefully ends the process.
func (p *Process) Kill() error {
	if !p.Running() {
		return nil
	}
	return killProcess(p.cmd.Process)
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:      p.spec.Name,
		Running:   p.Running(),
		PID:       p.pid,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
	}
	if p.exitErr != nil {
		st.ExitErr = p.exitErr.Error()
	}
	return st
}
