package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for a single worker process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig controls the resource sampler.
type ProcessMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProcessMetricsCollector periodically samples resource usage of the
// workers' PIDs with gopsutil and exports it as gauges.
type ProcessMetricsCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]ProcessMetrics
	procs  map[int32]*process.Process // kept so CPUPercent has a previous sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	processCPUPercent *prometheus.GaugeVec
	processMemoryMB   *prometheus.GaugeVec
	processNumThreads *prometheus.GaugeVec
	processNumFDs     *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a new process metrics collector
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	interval := config.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &ProcessMetricsCollector{
		enabled:  config.Enabled,
		interval: interval,
		latest:   make(map[string]ProcessMetrics),
		procs:    make(map[int32]*process.Process),
		stopCh:   make(chan struct{}),
		processCPUPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agentvisor",
				Subsystem: "worker",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of worker processes.",
			}, []string{"name"},
		),
		processMemoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agentvisor",
				Subsystem: "worker",
				Name:      "memory_mb",
				Help:      "Resident memory in MB of worker processes.",
			}, []string{"name"},
		),
		processNumThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agentvisor",
				Subsystem: "worker",
				Name:      "num_threads",
				Help:      "Number of threads of worker processes.",
			}, []string{"name"},
		),
		processNumFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "agentvisor",
				Subsystem: "worker",
				Name:      "num_fds",
				Help:      "Number of file descriptors of worker processes (Unix only).",
			}, []string{"name"},
		),
	}
}

// RegisterMetrics registers the resource gauges with the provided registerer
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.processCPUPercent, c.processMemoryMB, c.processNumThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.processNumFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. getProcesses returns the current
// name -> PID mapping of live workers.
func (c *ProcessMetricsCollector) Start(ctx context.Context, getProcesses func() map[string]int32) error {
	if !c.enabled {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(getProcesses())
			}
		}
	}()
	return nil
}

// Stop stops the metrics collection
func (c *ProcessMetricsCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples the given processes once.
func (c *ProcessMetricsCollector) Collect(processes map[string]int32) {
	now := time.Now()
	results := make(map[string]ProcessMetrics, len(processes))
	for name, pid := range processes {
		if pid <= 0 {
			continue
		}
		m, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("Failed to collect metrics for process", "name", name, "pid", pid, "error", err)
			continue
		}
		results[name] = m
	}

	for name, m := range results {
		c.processCPUPercent.WithLabelValues(name).Set(m.CPUPercent)
		c.processMemoryMB.WithLabelValues(name).Set(m.MemoryMB)
		c.processNumThreads.WithLabelValues(name).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" {
			c.processNumFDs.WithLabelValues(name).Set(float64(m.NumFDs))
		}
	}

	c.mu.Lock()
	for name := range c.latest {
		if _, ok := results[name]; !ok {
			c.processCPUPercent.DeleteLabelValues(name)
			c.processMemoryMB.DeleteLabelValues(name)
			c.processNumThreads.DeleteLabelValues(name)
			c.processNumFDs.DeleteLabelValues(name)
		}
	}
	c.latest = results
	live := make(map[int32]bool, len(processes))
	for _, pid := range processes {
		live[pid] = true
	}
	for pid := range c.procs {
		if !live[pid] {
			delete(c.procs, pid)
		}
	}
	c.mu.Unlock()
}

func (c *ProcessMetricsCollector) sample(name string, pid int32, ts time.Time) (ProcessMetrics, error) {
	c.mu.Lock()
	proc, ok := c.procs[pid]
	if !ok {
		p, err := process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		proc = p
		c.procs[pid] = p
	}
	c.mu.Unlock()

	cpuPercent, err := proc.Percent(0)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "name", name, "pid", pid, "error", err)
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		slog.Debug("Failed to get thread count", "name", name, "pid", pid, "error", err)
		numThreads = 0
	}
	m := ProcessMetrics{
		PID:        pid,
		Name:       name,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

// GetMetrics returns the latest sample for a worker.
func (c *ProcessMetricsCollector) GetMetrics(name string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.latest[name]
	return m, ok
}

// GetAllMetrics returns the latest samples keyed by worker name.
func (c *ProcessMetricsCollector) GetAllMetrics() map[string]ProcessMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProcessMetrics, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

// IsEnabled reports whether sampling is configured.
func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }
