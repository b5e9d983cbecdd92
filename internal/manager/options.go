package manager

import (
	"io"
	"log/slog"
	"time"

	"github.com/loykin/agentvisor/internal/history"
)

const (
	DefaultTick        = time.Second
	DefaultStopTimeout = 3 * time.Second
)

type settings struct {
	launcher Launcher
	out      io.Writer
	logger   *slog.Logger
	recorder *history.Recorder
	now      func() time.Time
	sleep    func(time.Duration)
	tick     time.Duration
	settle   time.Duration
}

func defaultSettings() settings {
	return settings{
		launcher: execLauncher{},
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    time.Sleep,
		tick:     DefaultTick,
	}
}

func (s *settings) settleDelay() time.Duration {
	if s.settle > 0 {
		return s.settle
	}
	return 2 * s.tick
}

// Option configures a Supervisor or a standalone ManagedProcess.
type Option func(*settings)

// WithLauncher replaces the OS process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *settings) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithOutput sets the writer that receives every worker's stdout and stderr.
// By default the Supervisor opens the null device.
func WithOutput(w io.Writer) Option { return func(s *settings) { s.out = w } }

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder exports lifecycle events to history sinks.
func WithRecorder(r *history.Recorder) Option { return func(s *settings) { s.recorder = r } }

// WithClock replaces time.Now for restart accounting and uptime.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep replaces time.Sleep for the settle delay at shutdown.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *settings) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithTick sets the poll interval.
func WithTick(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithSettleDelay sets the pause between stopping workers and reporting uptime.
// It defaults to twice the tick.
func WithSettleDelay(d time.Duration) Option { return func(s *settings) { s.settle = d } }
