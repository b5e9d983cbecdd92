package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/agentvisor/internal/metrics"
)

type supervisorState int32

const (
	stateNew supervisorState = iota
	stateRunning
	stateStopped
)

func (s supervisorState) String() string {
	switch s {
	case stateNew:
		return "not_started"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor owns an ordered set of ManagedProcess. Run starts them in
// registration order and polls their liveness every tick; Stop stops
// them in reverse order.
type Supervisor struct {
	procs  []*ManagedProcess
	byName map[string]*ManagedProcess

	tick   time.Duration
	settle time.Duration
	logger *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
	sink   io.Closer // shared worker output, nil when supplied by the caller

	mu        sync.Mutex
	state     supervisorState
	startedAt time.Time
	stoppedAt time.Time

	stopCh   chan struct{} // closed when Stop begins
	loopDone chan struct{} // closed when the poll loop has returned
	stopped  chan struct{} // closed when Stop has finished
	stopOnce sync.Once
}

// New builds a Supervisor for procs, in order. Unless WithOutput is given,
// the null device is opened once and shared by every worker's stdio.
func New(procs []ProcessConfig, opts ...Option) (*Supervisor, error) {
	st := defaultSettings()
	for _, o := range opts {
		o(&st)
	}
	s := &Supervisor{
		byName:   make(map[string]*ManagedProcess, len(procs)),
		tick:     st.tick,
		settle:   st.settleDelay(),
		logger:   st.logger,
		now:      st.now,
		sleep:    st.sleep,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if st.out == nil {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		st.out = f
		s.sink = f
	}
	for _, cfg := range procs {
		if _, dup := s.byName[cfg.Name]; dup {
			s.closeSink()
			return nil, fmt.Errorf("duplicate process name %q", cfg.Name)
		}
		mp, err := newManagedProcess(cfg, &st)
		if err != nil {
			s.closeSink()
			return nil, fmt.Errorf("process %q: %w", cfg.Name, err)
		}
		s.procs = append(s.procs, mp)
		s.byName[cfg.Name] = mp
	}
	return s, nil
}

// Run starts every process and supervises them until Stop is called or
// ctx is cancelled. Cancellation runs the same shutdown as Stop. Run
// returns once shutdown has completed; on a stopped supervisor it returns
// immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateRunning:
		s.mu.Unlock()
		return errors.New("supervisor is already running")
	case stateStopped:
		s.mu.Unlock()
		s.logger.Debug("supervisor run ignored", "state", stateStopped.String())
		return nil
	}
	s.state = stateRunning
	s.startedAt = s.now()
	s.mu.Unlock()

	s.logger.Info("supervisor starting", "processes", len(s.procs), "tick", s.tick)
	for _, p := range s.procs {
		p.publishGauges()
	}
	s.loop(ctx)
	close(s.loopDone)

	if ctx.Err() != nil {
		s.Stop()
	}
	<-s.stopped
	return nil
}

func (s *Supervisor) loop(ctx context.Context) {
	for _, p := range s.procs {
		if s.halted(ctx) {
			return
		}
		_ = p.Start()
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll restarts every enabled worker found dead.
func (s *Supervisor) poll(ctx context.Context) {
	for _, p := range s.procs {
		if s.halted(ctx) {
			return
		}
		if p.Enabled() && !p.Alive() {
			metrics.SetRunning(p.Name(), false)
			attrs := []any{"name", p.Name()}
			if exit := p.LastExit(); exit != "" {
				attrs = append(attrs, "exit", exit)
			}
			s.logger.Warn("process has died, restarting", attrs...)
			if err := p.Restart(); err != nil && !errors.Is(err, ErrBudgetExhausted) {
				s.logger.Debug("restart did not bring the process back", "name", p.Name(), "error", err)
			}
		}
	}
	metrics.SetUptime(s.Uptime().Seconds())
}

func (s *Supervisor) halted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Stop ends supervision: it waits for the poll loop to finish, stops every
// process in reverse registration order, releases the shared output sink,
// waits the settle delay and logs the uptime. It may be called from any
// goroutine and any number of times; every call returns once the first
// has completed.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		wasRunning := s.state == stateRunning
		s.state = stateStopped
		s.mu.Unlock()

		close(s.stopCh)
		if wasRunning {
			<-s.loopDone
		}

		s.logger.Info("Stopping the agent processes...")
		for i := len(s.procs) - 1; i >= 0; i-- {
			_ = s.procs[i].Stop()
		}
		s.logger.Info("Agent processes stopped.")
		s.closeSink()

		s.sleep(s.settle)

		s.mu.Lock()
		s.stoppedAt = s.now()
		if s.startedAt.IsZero() {
			// never ran
			s.startedAt = s.stoppedAt
		}
		up := s.stoppedAt.Sub(s.startedAt)
		s.mu.Unlock()
		metrics.SetUptime(up.Seconds())
		s.logger.Info(FormatUptime(up))
		close(s.stopped)
	})
	<-s.stopped
}

func (s *Supervisor) closeSink() {
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			s.logger.Debug("close output sink", "error", err)
		}
		s.sink = nil
	}
}

// Running reports whether Run has started and Stop has not been called.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Uptime is zero before Run, grows while running and is frozen by Stop.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.startedAt.IsZero():
		return 0
	case !s.stoppedAt.IsZero():
		return s.stoppedAt.Sub(s.startedAt)
	default:
		return s.now().Sub(s.startedAt)
	}
}

// StartedAt returns when Run started, or the zero time.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Process looks up a managed process by name.
func (s *Supervisor) Process(name string) (*ManagedProcess, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names returns the process names in registration order.
func (s *Supervisor) Names() []string {
	out := make([]string, len(s.procs))
	for i, p := range s.procs {
		out[i] = p.Name()
	}
	return out
}

// Statuses returns a snapshot of every process in registration order.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, len(s.procs))
	for i, p := range s.procs {
		out[i] = p.Status()
	}
	return out
}

// RestartCounts maps each process to its restarts in the current window.
func (s *Supervisor) RestartCounts() map[string]int {
	out := make(map[string]int, len(s.procs))
	for _, p := range s.procs {
		out[p.Name()] = p.Status().RestartsInWindow
	}
	return out
}

// PIDs maps live processes to their pid, for the resource sampler.
func (s *Supervisor) PIDs() map[string]int32 {
	out := make(map[string]int32, len(s.procs))
	for _, p := range s.procs {
		if pid := p.PID(); pid > 0 {
			out[p.Name()] = int32(pid)
		}
	}
	return out
}

// FormatUptime renders d as "Uptime: H hours M minutes S seconds".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("Uptime: %d hours %d minutes %d seconds", total/3600, (total%3600)/60, total%60)
}
