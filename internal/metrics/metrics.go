package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvisor",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker launches.",
		}, []string{"name"},
	)
	workerStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvisor",
			Subsystem: "worker",
			Name:      "start_failures_total",
			Help:      "Number of worker launches that failed to spawn.",
		}, []string{"name"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvisor",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of restarts permitted by the restart budget.",
		}, []string{"name"},
	)
	workerRestartDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvisor",
			Subsystem: "worker",
			Name:      "restart_denials_total",
			Help:      "Number of restarts refused because the budget was exhausted.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentvisor",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stops by outcome (terminated or killed).",
		}, []string{"name", "outcome"},
	)
	workerEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentvisor",
			Subsystem: "worker",
			Name:      "enabled",
			Help:      "Whether the worker is enabled (0 once its restart budget is exhausted).",
		}, []string{"name"},
	)
	workerRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentvisor",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Whether the worker process is alive.",
		}, []string{"name"},
	)
	supervisorUptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentvisor",
			Subsystem: "supervisor",
			Name:      "uptime_seconds",
			Help:      "Seconds since the supervisor started its workers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerStartFailures, workerRestarts, workerRestartDenials, workerStops, workerEnabled, workerRunning, supervisorUptime}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(name string) {
	if regOK.Load() {
		workerStartFailures.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(name).Inc()
	}
}

func IncRestartDenied(name string) {
	if regOK.Load() {
		workerRestartDenials.WithLabelValues(name).Inc()
	}
}

// IncStop records a stop; killed reports whether escalation to kill was needed.
func IncStop(name string, killed bool) {
	if regOK.Load() {
		outcome := "terminated"
		if killed {
			outcome = "killed"
		}
		workerStops.WithLabelValues(name, outcome).Inc()
	}
}

func SetEnabled(name string, enabled bool) {
	if regOK.Load() {
		workerEnabled.WithLabelValues(name).Set(boolValue(enabled))
	}
}

func SetRunning(name string, running bool) {
	if regOK.Load() {
		workerRunning.WithLabelValues(name).Set(boolValue(running))
	}
}

func SetUptime(seconds float64) {
	if regOK.Load() {
		supervisorUptime.Set(seconds)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
