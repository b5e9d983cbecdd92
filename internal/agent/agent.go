// Package agent describes the fixed set of agent workers and builds the
// Supervisor that runs them.
package agent

import (
	"fmt"
	"strings"

	"github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/env"
	"github.com/loykin/agentvisor/internal/jmx"
	"github.com/loykin/agentvisor/internal/layout"
	"github.com/loykin/agentvisor/internal/manager"
	"github.com/loykin/agentvisor/internal/process"
)

// Worker names, in start order.
const (
	Forwarder = "forwarder"
	Collector = "collector"
	Dogstatsd = "dogstatsd"
	JMXFetch  = "jmxfetch"
)

// StrippedEnv lists interpreter overrides removed from the workers' environment.
var StrippedEnv = []string{"PYTHONPATH", "PYTHONHOME"}

// Environment composes the workers' environment: the current process
// environment without StrippedEnv, the configured extra variables, and
// PATH extended with the layout's bin and embedded dirs. The process
// environment is captured once, here.
func Environment(cfg config.Config, lay layout.Layout) (*env.Env, error) {
	extra, err := cfg.WorkerEnv()
	if err != nil {
		return nil, err
	}
	e := env.New()
	e.FromOS()
	e.Strip(StrippedEnv...)
	e.AppendPath(lay.PathDirs()...)
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			e.Set(k, v)
		}
	}
	return e, nil
}

// Processes returns the worker definitions in registration order.
func Processes(cfg config.Config, lay layout.Layout) ([]manager.ProcessConfig, error) {
	e, err := Environment(cfg, lay)
	if err != nil {
		return nil, fmt.Errorf("worker environment: %w", err)
	}
	python := lay.Python()
	runDir := cfg.RunDir
	if runDir == "" {
		runDir = lay.RunDir()
	}

	worker := func(name string, args ...string) manager.ProcessConfig {
		return manager.ProcessConfig{
			Name: name,
			Spec: process.Spec{
				Name:    name,
				Path:    python,
				Args:    args,
				WorkDir: lay.AgentDir(),
			},
			Env:           e,
			MaxRestarts:   cfg.MaxRestarts,
			RestartWindow: cfg.RestartWindow,
			StopTimeout:   cfg.StopTimeout,
		}
	}

	forwarder := worker(Forwarder, "ddagent.py")
	collector := worker(Collector, "agent.py", "foreground", "--use-local-forwarder")
	dogstatsd := worker(Dogstatsd, "dogstatsd.py", "--use-local-forwarder")
	dogstatsd.Disabled = !cfg.UseDogstatsd
	jmxfetch := worker(JMXFetch, "jmxfetch.py")
	jmxfetch.MaxRestarts = cfg.JMXMaxRestarts
	jmxfetch.Hook = jmx.NewHook(runDir)

	return []manager.ProcessConfig{forwarder, collector, dogstatsd, jmxfetch}, nil
}

// NewSupervisor builds the agent Supervisor. opts are applied after the
// ones derived from cfg.
func NewSupervisor(cfg config.Config, lay layout.Layout, opts ...manager.Option) (*manager.Supervisor, error) {
	procs, err := Processes(cfg, lay)
	if err != nil {
		return nil, err
	}
	base := []manager.Option{
		manager.WithTick(cfg.Tick),
		manager.WithSettleDelay(cfg.SettleDelay),
	}
	return manager.New(procs, append(base, opts...)...)
}
