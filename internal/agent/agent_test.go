package agent

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/env"
	"github.com/loykin/agentvisor/internal/jmx"
	"github.com/loykin/agentvisor/internal/layout"
	"github.com/loykin/agentvisor/internal/manager"
)

func byName(procs []manager.ProcessConfig) map[string]manager.ProcessConfig {
	m := make(map[string]manager.ProcessConfig, len(procs))
	for _, p := range procs {
		m[p.Name] = p
	}
	return m
}

func TestProcesses_Topology(t *testing.T) {
	lay := layout.FromRoot(t.TempDir())
	cfg := config.Default()

	procs, err := Processes(cfg, lay)
	require.NoError(t, err)
	require.Len(t, procs, 4)
	var names []string
	for _, p := range procs {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{Forwarder, Collector, Dogstatsd, JMXFetch}, names)

	m := byName(procs)
	assert.Equal(t, []string{"ddagent.py"}, m[Forwarder].Spec.Args)
	assert.Equal(t, []string{"agent.py", "foreground", "--use-local-forwarder"}, m[Collector].Spec.Args)
	assert.Equal(t, []string{"dogstatsd.py", "--use-local-forwarder"}, m[Dogstatsd].Spec.Args)
	assert.Equal(t, []string{"jmxfetch.py"}, m[JMXFetch].Spec.Args)

	for _, p := range procs {
		assert.Equal(t, layout.FallbackPython, p.Spec.Path, "no embedded interpreter in an empty root")
		assert.Equal(t, lay.AgentDir(), p.Spec.WorkDir)
		assert.Equal(t, cfg.StopTimeout, p.StopTimeout)
		assert.Equal(t, cfg.RestartWindow, p.RestartWindow)
	}

	assert.False(t, m[Dogstatsd].Disabled)
	assert.Equal(t, 5, m[Forwarder].MaxRestarts)
	assert.Equal(t, 3, m[JMXFetch].MaxRestarts)
	require.IsType(t, &jmx.Hook{}, m[JMXFetch].Hook)
	assert.Equal(t, lay.RunDir(), m[JMXFetch].Hook.(*jmx.Hook).Files.Dir)
	assert.Nil(t, m[Collector].Hook)
}

func TestProcesses_DogstatsdToggleAndRunDir(t *testing.T) {
	lay := layout.FromRoot(t.TempDir())
	cfg := config.Default()
	cfg.UseDogstatsd = false
	cfg.RunDir = filepath.Join(t.TempDir(), "custom-run")
	cfg.JMXMaxRestarts = 1

	procs, err := Processes(cfg, lay)
	require.NoError(t, err)
	m := byName(procs)
	assert.True(t, m[Dogstatsd].Disabled)
	assert.False(t, m[Forwarder].Disabled)
	assert.Equal(t, 1, m[JMXFetch].MaxRestarts)
	assert.Equal(t, cfg.RunDir, m[JMXFetch].Hook.(*jmx.Hook).Files.Dir)
}

func TestProcesses_EmbeddedPython(t *testing.T) {
	lay := layout.FromRoot(t.TempDir())
	require.NoError(t, os.MkdirAll(lay.EmbeddedDir(), 0o755))
	require.NoError(t, os.WriteFile(lay.EmbeddedPython(), []byte("#!/bin/sh\n"), 0o755))

	procs, err := Processes(config.Default(), lay)
	require.NoError(t, err)
	for _, p := range procs {
		assert.Equal(t, lay.EmbeddedPython(), p.Spec.Path)
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("PYTHONPATH", "/tmp/leak")
	t.Setenv("PYTHONHOME", "/tmp/leak")
	t.Setenv("PATH", "/usr/bin")
	lay := layout.FromRoot(filepath.Join(string(filepath.Separator), "opt", "dd"))
	cfg := config.Default()
	cfg.Env = []string{"DD_API_KEY=secret", "=ignored"}

	e, err := Environment(cfg, lay)
	require.NoError(t, err)
	got := e.Merge(nil)
	joined := strings.Join(got, "\n")
	assert.NotContains(t, joined, "PYTHONPATH=")
	assert.NotContains(t, joined, "PYTHONHOME=")
	assert.Contains(t, got, "DD_API_KEY=secret")
	assert.Contains(t, got, "PATH="+env.ExtendPathList("/usr/bin", lay.BinDir(), lay.EmbeddedDir()))
}

func TestEnvironment_BadEnvFile(t *testing.T) {
	cfg := config.Default()
	cfg.EnvFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	_, err := Processes(cfg, layout.FromRoot(t.TempDir()))
	assert.Error(t, err)
}

func TestNewSupervisor(t *testing.T) {
	cfg := config.Default()
	cfg.Tick = 50 * time.Millisecond
	s, err := NewSupervisor(cfg, layout.FromRoot(t.TempDir()), manager.WithOutput(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, []string{Forwarder, Collector, Dogstatsd, JMXFetch}, s.Names())
	assert.False(t, s.Running())
	for _, st := range s.Statuses() {
		assert.True(t, st.Enabled, st.Name)
		assert.False(t, st.Alive, st.Name)
	}
}
