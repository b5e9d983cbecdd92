package manager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/agentvisor/internal/env"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/process"
)

var (
	// ErrDisabled is returned when a disabled process is asked to start or restart.
	ErrDisabled = errors.New("process is disabled")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("process is not running")
	// ErrBudgetExhausted is returned by the restart that disables a process.
	ErrBudgetExhausted = errors.New("restart budget exhausted")
)

// ProcessConfig statically describes one managed worker.
type ProcessConfig struct {
	Name string
	Spec process.Spec
	// Env composes the launch environment; Spec.Env entries override it.
	// When nil the launch inherits Spec.Env as is.
	Env           *env.Env
	Disabled      bool
	MaxRestarts   int           // 0 means DefaultMaxRestarts
	RestartWindow time.Duration // 0 means DefaultRestartWindow
	StopTimeout   time.Duration // 0 means DefaultStopTimeout
	Hook          LifecycleHook
}

// Status is a read-only snapshot of a ManagedProcess.
type Status struct {
	Name             string    `json:"name"`
	Enabled          bool      `json:"enabled"`
	Alive            bool      `json:"alive"`
	PID              int       `json:"pid,omitempty"`
	RestartsInWindow int       `json:"restarts_in_window"`
	TotalRestarts    int       `json:"total_restarts"`
	MaxRestarts      int       `json:"max_restarts"`
	RestartWindow    string    `json:"restart_window"`
	LastStart        time.Time `json:"last_start,omitzero"`
}

// ManagedProcess owns one worker: its launch spec, enabled flag, OS handle
// and restart budget.
//
// Lock order: opMu (serializes Start/Stop/Restart) before mu (guards fields).
// Status only takes mu, so it never waits on a stop in progress.
type ManagedProcess struct {
	name        string
	spec        process.Spec
	env         *env.Env
	hook        LifecycleHook
	stopTimeout time.Duration

	launcher Launcher
	out      io.Writer
	logger   *slog.Logger
	recorder *history.Recorder
	now      func() time.Time

	opMu sync.Mutex

	mu            sync.RWMutex
	enabled       bool
	handle        Handle
	budget        *RestartBudget
	totalRestarts int
	lastStart     time.Time
}

// NewManagedProcess builds a standalone ManagedProcess. Supervisors build
// their own through New.
func NewManagedProcess(cfg ProcessConfig, opts ...Option) (*ManagedProcess, error) {
	st := defaultSettings()
	for _, o := range opts {
		o(&st)
	}
	return newManagedProcess(cfg, &st)
}

func newManagedProcess(cfg ProcessConfig, st *settings) (*ManagedProcess, error) {
	if cfg.Name == "" {
		return nil, errors.New("managed process requires a name")
	}
	if cfg.Spec.Name == "" {
		cfg.Spec.Name = cfg.Name
	}
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}
	maxRestarts := cfg.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	hook := cfg.Hook
	if hook == nil {
		hook = NopHook{}
	}
	mp := &ManagedProcess{
		name:        cfg.Name,
		spec:        cfg.Spec,
		env:         cfg.Env,
		hook:        hook,
		stopTimeout: stopTimeout,
		launcher:    st.launcher,
		out:         st.out,
		logger:      st.logger.With("component", cfg.Name),
		recorder:    st.recorder,
		now:         st.now,
		enabled:     !cfg.Disabled,
		budget:      NewRestartBudget(maxRestarts, cfg.RestartWindow),
	}
	return mp, nil
}

func (mp *ManagedProcess) Name() string { return mp.name }

// Enabled reports the enabled flag. It latches false once the restart
// budget is exhausted.
func (mp *ManagedProcess) Enabled() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.enabled
}

// Alive reports whether a handle exists and the OS process is running.
func (mp *ManagedProcess) Alive() bool {
	mp.mu.RLock()
	h := mp.handle
	mp.mu.RUnlock()
	return h != nil && h.Running()
}

// Start launches the worker. A disabled worker is left alone and
// ErrDisabled is returned; a launch failure leaves no handle behind.
func (mp *ManagedProcess) Start() error {
	mp.opMu.Lock()
	defer mp.opMu.Unlock()
	return mp.start()
}

func (mp *ManagedProcess) start() error {
	if !mp.Enabled() {
		mp.logger.Info("process is not enabled, not starting it", "name", mp.name)
		return ErrDisabled
	}
	if err := mp.hook.BeforeStart(); err != nil {
		mp.logger.Warn("before-start hook failed", "name", mp.name, "error", err)
	}

	spec := mp.spec
	if mp.env != nil {
		spec.Env = mp.env.Merge(mp.spec.Env)
	}
	mp.logger.Info("starting process", "name", mp.name, "cmd", spec.CommandLine())
	h, err := mp.launcher.Launch(spec, mp.out)
	if err != nil {
		mp.mu.Lock()
		mp.handle = nil
		mp.mu.Unlock()
		mp.logger.Error("failed to start process", "name", mp.name, "error", err)
		metrics.IncStartFailure(mp.name)
		metrics.SetRunning(mp.name, false)
		return fmt.Errorf("start %s: %w", mp.name, err)
	}

	now := mp.now()
	mp.mu.Lock()
	mp.handle = h
	mp.lastStart = now
	mp.mu.Unlock()

	metrics.IncStart(mp.name)
	metrics.SetRunning(mp.name, true)
	mp.record(history.EventStart, h.PID(), "")
	return nil
}

// Stop terminates the worker, waiting up to the stop timeout before
// killing it. Stopping a worker that is not running issues no OS call
// and returns ErrNotRunning.
func (mp *ManagedProcess) Stop() error {
	mp.opMu.Lock()
	defer mp.opMu.Unlock()
	return mp.stop()
}

func (mp *ManagedProcess) stop() error {
	mp.mu.RLock()
	h := mp.handle
	mp.mu.RUnlock()
	if h == nil || !h.Running() {
		mp.logger.Info("process was not running", "name", mp.name)
		return ErrNotRunning
	}

	if err := mp.hook.BeforeStop(); err != nil {
		mp.logger.Warn("before-stop hook failed", "name", mp.name, "error", err)
	}

	pid := h.PID()
	mp.logger.Info("stopping process", "name", mp.name, "pid", pid)
	if err := h.Terminate(); err != nil {
		mp.logger.Warn("terminate failed", "name", mp.name, "pid", pid, "error", err)
	}
	killed := false
	if !h.Wait(mp.stopTimeout) {
		mp.logger.Warn("process didn't exit, killing it", "name", mp.name, "pid", pid, "timeout", mp.stopTimeout)
		if err := h.Kill(); err != nil {
			mp.logger.Warn("kill failed", "name", mp.name, "pid", pid, "error", err)
		}
		killed = true
		h.Wait(mp.stopTimeout)
	}
	mp.logger.Info("process is stopped", "name", mp.name, "pid", pid, "killed", killed)

	mp.mu.Lock()
	mp.handle = nil
	mp.mu.Unlock()

	metrics.IncStop(mp.name, killed)
	metrics.SetRunning(mp.name, false)
	if killed {
		mp.record(history.EventKill, pid, "")
	} else {
		mp.record(history.EventStop, pid, "")
	}
	return nil
}

// Restart applies the restart budget. When the budget still has room the
// attempt is recorded, a live worker is stopped, and the worker is started
// again. Otherwise the worker is disabled for good and ErrBudgetExhausted
// is returned.
func (mp *ManagedProcess) Restart() error {
	mp.opMu.Lock()
	defer mp.opMu.Unlock()

	now := mp.now()
	mp.mu.Lock()
	if !mp.enabled {
		mp.mu.Unlock()
		return ErrDisabled
	}
	if !mp.budget.Allow(now) {
		tries := mp.budget.Count(now)
		mp.enabled = false
		mp.mu.Unlock()

		mp.logger.Error("reached the limit of restarts, not restarting",
			"name", mp.name,
			"tries", tries,
			"window", mp.budget.Window(),
			"max_authorized", mp.budget.Max())
		metrics.IncRestartDenied(mp.name)
		metrics.SetEnabled(mp.name, false)
		metrics.SetRunning(mp.name, mp.Alive())
		mp.record(history.EventDisabled, 0, fmt.Sprintf("%d tries during the last %s (max authorized: %d)", tries, mp.budget.Window(), mp.budget.Max()))
		return ErrBudgetExhausted
	}
	mp.totalRestarts++
	restarts := mp.budget.Count(now)
	mp.mu.Unlock()

	metrics.IncRestart(mp.name)
	mp.record(history.EventRestart, 0, fmt.Sprintf("restart %d in window", restarts))

	if mp.Alive() {
		_ = mp.stop()
	}
	return mp.start()
}

// LastExit describes how the worker's last process ended, for example
// "exit status 1". It is empty while the worker runs or when unknown.
func (mp *ManagedProcess) LastExit() string {
	mp.mu.RLock()
	h := mp.handle
	mp.mu.RUnlock()
	if r, ok := h.(exitReporter); ok && !h.Running() {
		return r.Snapshot().ExitErr
	}
	return ""
}

// publishGauges sets the enabled and running gauges from current state.
func (mp *ManagedProcess) publishGauges() {
	metrics.SetEnabled(mp.name, mp.Enabled())
	metrics.SetRunning(mp.name, mp.Alive())
}

// PID returns the pid of the live worker, or 0.
func (mp *ManagedProcess) PID() int {
	mp.mu.RLock()
	h := mp.handle
	mp.mu.RUnlock()
	if h == nil || !h.Running() {
		return 0
	}
	return h.PID()
}

// Status returns a snapshot safe to take concurrently with lifecycle calls.
func (mp *ManagedProcess) Status() Status {
	now := mp.now()
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	st := Status{
		Name:             mp.name,
		Enabled:          mp.enabled,
		RestartsInWindow: mp.budget.Count(now),
		TotalRestarts:    mp.totalRestarts,
		MaxRestarts:      mp.budget.Max(),
		RestartWindow:    mp.budget.Window().String(),
		LastStart:        mp.lastStart,
	}
	if mp.handle != nil && mp.handle.Running() {
		st.Alive = true
		st.PID = mp.handle.PID()
	}
	return st
}

func (mp *ManagedProcess) record(t history.EventType, pid int, msg string) {
	if mp.recorder == nil {
		return
	}
	mp.mu.RLock()
	restarts := mp.totalRestarts
	mp.mu.RUnlock()
	mp.recorder.Record(history.Event{
		Type:       t,
		OccurredAt: mp.now().UTC(),
		Record:     history.Record{Name: mp.name, PID: pid, Restarts: restarts, Message: msg},
	})
}
