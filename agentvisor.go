// Package agentvisor embeds the agent process supervisor: it launches the
// agent's workers, restarts them within a sliding-window budget and stops
// them in reverse order.
package agentvisor

import (
	"context"
	"net/http"
	"time"

	"github.com/loykin/agentvisor/internal/agent"
	cfg "github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/history/factory"
	"github.com/loykin/agentvisor/internal/layout"
	"github.com/loykin/agentvisor/internal/manager"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/process"
	iapi "github.com/loykin/agentvisor/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = manager.Status

type ProcessConfig = manager.ProcessConfig

type LifecycleHook = manager.LifecycleHook

type Option = manager.Option

type Handle = manager.Handle

type LauncherFunc = manager.LauncherFunc

type Config = cfg.Config

type Layout = layout.Layout

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Recorder = history.Recorder

var (
	ErrDisabled        = manager.ErrDisabled
	ErrNotRunning      = manager.ErrNotRunning
	ErrBudgetExhausted = manager.ErrBudgetExhausted
)

var (
	WithLogger      = manager.WithLogger
	WithOutput      = manager.WithOutput
	WithRecorder    = manager.WithRecorder
	WithTick        = manager.WithTick
	WithSettleDelay = manager.WithSettleDelay
	WithLauncher    = manager.WithLauncher
	WithClock       = manager.WithClock
	WithSleep       = manager.WithSleep
)

// Supervisor is a thin facade over internal/manager.Supervisor.
type Supervisor struct{ inner *manager.Supervisor }

// New supervises procs in the given order.
func New(procs []ProcessConfig, opts ...Option) (*Supervisor, error) {
	s, err := manager.New(procs, opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

// NewAgent supervises the agent's standard workers under lay.
func NewAgent(c Config, lay Layout, opts ...Option) (*Supervisor, error) {
	s, err := agent.NewSupervisor(c, lay, opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Run(ctx context.Context) error { return s.inner.Run(ctx) }
func (s *Supervisor) Stop()                         { s.inner.Stop() }
func (s *Supervisor) Running() bool                 { return s.inner.Running() }
func (s *Supervisor) Uptime() time.Duration         { return s.inner.Uptime() }
func (s *Supervisor) StartedAt() time.Time          { return s.inner.StartedAt() }
func (s *Supervisor) Statuses() []Status            { return s.inner.Statuses() }
func (s *Supervisor) Names() []string               { return s.inner.Names() }
func (s *Supervisor) PIDs() map[string]int32        { return s.inner.PIDs() }

// Status returns the named worker's snapshot.
func (s *Supervisor) Status(name string) (Status, bool) {
	p, ok := s.inner.Process(name)
	if !ok {
		return Status{}, false
	}
	return p.Status(), true
}

// FormatUptime renders d the way the supervisor logs it at shutdown.
func FormatUptime(d time.Duration) string { return manager.FormatUptime(d) }

// LoadConfig reads a TOML config; an empty or missing path yields defaults.
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

// DiscoverLayout locates the install root from the running executable.
func DiscoverLayout() Layout { return layout.DiscoverSelf() }

func LayoutFromRoot(root string) Layout { return layout.FromRoot(root) }

// NewHistorySink builds a sink from a DSN such as sqlite:///var/lib/x.db,
// postgres://..., clickhouse://host:9000/db?table=t or opensearch://host:9200/index.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewRecorder fans lifecycle events out to sinks; pass it to WithRecorder.
func NewRecorder(sinks ...HistorySink) *Recorder { return history.NewRecorder(nil, sinks...) }

// NewHTTPServer starts an HTTP server exposing the status API for s.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner, iapi.WithMetrics(metrics.Handler()))
}

// Handler returns the status API as an http.Handler for mounting in another mux.
func Handler(basePath string, s *Supervisor) http.Handler {
	return iapi.NewRouter(s.inner, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics on addr in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
