package manager

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSupervisor struct {
	*Supervisor
	log      *callLog
	launcher *fakeLauncher
	slept    []time.Duration
	sleepMu  sync.Mutex
}

func newTestSupervisor(t *testing.T, cfgs []ProcessConfig, opts ...Option) *testSupervisor {
	t.Helper()
	log := &callLog{}
	ts := &testSupervisor{log: log, launcher: newFakeLauncher(log)}
	for i := range cfgs {
		if cfgs[i].Spec.Path == "" {
			cfgs[i].Spec = testSpec(cfgs[i].Name)
		}
	}
	base := []Option{
		WithLauncher(ts.launcher),
		WithLogger(quietLogger()),
		WithTick(5 * time.Millisecond),
		WithSleep(func(d time.Duration) {
			ts.sleepMu.Lock()
			ts.slept = append(ts.slept, d)
			ts.sleepMu.Unlock()
		}),
	}
	s, err := New(cfgs, append(base, opts...)...)
	require.NoError(t, err)
	ts.Supervisor = s
	return ts
}

func names(ns ...string) []ProcessConfig {
	out := make([]ProcessConfig, len(ns))
	for i, n := range ns {
		out[i] = ProcessConfig{Name: n}
	}
	return out
}

// runAsync runs the supervisor and returns a channel closed when Run returns.
func runAsync(ctx context.Context, s *Supervisor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestSupervisor_StartOrderAndReverseStopOrder(t *testing.T) {
	s := newTestSupervisor(t, names("A", "B", "C", "D"))
	done := runAsync(context.Background(), s.Supervisor)

	require.Eventually(t, func() bool { return len(s.log.with("start:")) == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"A", "B", "C", "D"}, s.log.with("start:"))
	assert.True(t, s.Running())

	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, []string{"D", "C", "B", "A"}, s.log.with("terminate:"))
	assert.False(t, s.Running())
	for _, st := range s.Statuses() {
		assert.False(t, st.Alive, st.Name)
	}
}

func TestSupervisor_RestartsDeadProcess(t *testing.T) {
	s := newTestSupervisor(t, names("forwarder", "collector"))
	done := runAsync(context.Background(), s.Supervisor)
	defer func() {
		s.Stop()
		<-done
	}()

	require.Eventually(t, func() bool { return s.launcher.handle("collector") != nil }, 2*time.Second, time.Millisecond)
	first := s.launcher.handle("collector")
	first.exit()

	require.Eventually(t, func() bool {
		return s.log.count("start:collector") == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, s.log.count("start:forwarder"), "a healthy sibling is left alone")
	assert.Zero(t, s.log.count("terminate:collector"), "a dead process is not stopped before restart")
	assert.Equal(t, 1, s.RestartCounts()["collector"])
	assert.Equal(t, 0, s.RestartCounts()["forwarder"])
}

func TestSupervisor_DisabledProcessIsNeverStarted(t *testing.T) {
	cfgs := names("forwarder", "dogstatsd")
	cfgs[1].Disabled = true
	s := newTestSupervisor(t, cfgs)
	done := runAsync(context.Background(), s.Supervisor)

	require.Eventually(t, func() bool { return s.log.count("start:forwarder") == 1 }, 2*time.Second, time.Millisecond)
	// let several ticks pass
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	<-done

	assert.Zero(t, s.log.count("start:dogstatsd"))
	st, ok := s.Process("dogstatsd")
	require.True(t, ok)
	assert.False(t, st.Enabled())
	assert.Zero(t, st.Status().TotalRestarts)
}

func TestSupervisor_ExhaustedBudgetDisablesOnlyThatProcess(t *testing.T) {
	cfgs := names("forwarder", "jmxfetch")
	cfgs[1].MaxRestarts = 1
	s := newTestSupervisor(t, cfgs)
	s.launcher.setFail("jmxfetch", errNoBinary)
	done := runAsync(context.Background(), s.Supervisor)
	defer func() {
		s.Stop()
		<-done
	}()

	jmx, _ := s.Process("jmxfetch")
	require.Eventually(t, func() bool { return !jmx.Enabled() }, 2*time.Second, time.Millisecond)
	// initial attempt plus the single permitted restart
	assert.Equal(t, 2, s.log.count("fail:jmxfetch"))

	fwd, _ := s.Process("forwarder")
	assert.True(t, fwd.Enabled())
	assert.True(t, fwd.Alive())
	assert.True(t, s.Running())
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	s := newTestSupervisor(t, names("A", "B"))
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s.Supervisor)

	require.Eventually(t, func() bool { return len(s.log.with("start:")) == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// shutdown already completed when Run returned
	assert.Equal(t, []string{"B", "A"}, s.log.with("terminate:"))
	assert.False(t, s.Running())
}

func TestSupervisor_StopIsIdempotentAndConcurrent(t *testing.T) {
	s := newTestSupervisor(t, names("A", "B", "C"))
	done := runAsync(context.Background(), s.Supervisor)
	require.Eventually(t, func() bool { return len(s.log.with("start:")) == 3 }, 2*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	<-done
	s.Stop()

	assert.Equal(t, []string{"C", "B", "A"}, s.log.with("terminate:"))
	s.sleepMu.Lock()
	assert.Len(t, s.slept, 1, "settle delay happens once")
	s.sleepMu.Unlock()
}

func TestSupervisor_RunAfterStopReturnsImmediately(t *testing.T) {
	s := newTestSupervisor(t, names("A"))
	s.Stop()

	done := runAsync(context.Background(), s.Supervisor)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run on a stopped supervisor should return at once")
	}
	assert.Empty(t, s.log.all(), "nothing is started or stopped")
	assert.Zero(t, s.Uptime())
}

func TestSupervisor_RunTwiceIsRejected(t *testing.T) {
	s := newTestSupervisor(t, names("A"))
	done := runAsync(context.Background(), s.Supervisor)
	require.Eventually(t, s.Running, time.Second, time.Millisecond)

	assert.Error(t, s.Run(context.Background()))

	s.Stop()
	<-done
}

func TestSupervisor_SettleDelayDefaultsToTwoTicks(t *testing.T) {
	s := newTestSupervisor(t, names("A"), WithTick(40*time.Millisecond))
	s.Stop()
	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()
	assert.Equal(t, []time.Duration{80 * time.Millisecond}, s.slept)

	s2 := newTestSupervisor(t, names("A"), WithSettleDelay(time.Second))
	s2.Stop()
	assert.Equal(t, []time.Duration{time.Second}, s2.slept)
}

func TestSupervisor_Uptime(t *testing.T) {
	clock := newFakeClock()
	s := newTestSupervisor(t, names("A"), WithClock(clock.Now), WithSleep(func(d time.Duration) { clock.Advance(d) }))
	assert.Zero(t, s.Uptime())

	done := runAsync(context.Background(), s.Supervisor)
	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	clock.Advance(time.Hour + 2*time.Minute + 3*time.Second)
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, s.Uptime())

	s.Stop()
	<-done
	// settle delay is part of the reported uptime
	want := time.Hour + 2*time.Minute + 3*time.Second + 10*time.Millisecond
	assert.Equal(t, want, s.Uptime())
	clock.Advance(time.Hour)
	assert.Equal(t, want, s.Uptime(), "uptime is frozen once stopped")
}

func TestSupervisor_UptimeZeroWhenNeverRun(t *testing.T) {
	clock := newFakeClock()
	s := newTestSupervisor(t, names("A"), WithClock(clock.Now), WithSleep(func(d time.Duration) { clock.Advance(d) }))
	s.Stop()
	assert.Zero(t, s.Uptime())
	assert.Equal(t, clock.Now(), s.StartedAt())
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "Uptime: 0 hours 0 minutes 0 seconds"},
		{59*time.Second + 900*time.Millisecond, "Uptime: 0 hours 0 minutes 59 seconds"},
		{3725 * time.Second, "Uptime: 1 hours 2 minutes 5 seconds"},
		{50 * time.Hour, "Uptime: 50 hours 0 minutes 0 seconds"},
		{-time.Second, "Uptime: 0 hours 0 minutes 0 seconds"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUptime(tt.d))
	}
}

func TestSupervisor_NewRejectsBadConfig(t *testing.T) {
	_, err := New([]ProcessConfig{{Name: "A", Spec: testSpec("A")}, {Name: "A", Spec: testSpec("A")}}, WithOutput(io.Discard))
	assert.ErrorContains(t, err, "duplicate")

	_, err = New([]ProcessConfig{{Name: "A"}}, WithOutput(io.Discard))
	assert.Error(t, err)
}

func TestSupervisor_Reporting(t *testing.T) {
	s := newTestSupervisor(t, names("forwarder", "collector", "dogstatsd", "jmxfetch"))
	assert.Equal(t, []string{"forwarder", "collector", "dogstatsd", "jmxfetch"}, s.Names())
	assert.Empty(t, s.PIDs())

	done := runAsync(context.Background(), s.Supervisor)
	require.Eventually(t, func() bool { return len(s.PIDs()) == 4 }, 2*time.Second, time.Millisecond)
	pids := s.PIDs()
	assert.Equal(t, int32(s.launcher.handle("jmxfetch").pid), pids["jmxfetch"])

	sts := s.Statuses()
	require.Len(t, sts, 4)
	assert.Equal(t, "forwarder", sts[0].Name)
	assert.True(t, sts[0].Alive)

	_, ok := s.Process("nope")
	assert.False(t, ok)

	s.Stop()
	<-done
	assert.Empty(t, s.PIDs())
}

// stuckSink holds every send until release is closed or the send times out.
type stuckSink struct{ release chan struct{} }

func (s stuckSink) Send(ctx context.Context, _ history.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
		return nil
	}
}

func TestSupervisor_StopIsNotDelayedByHistorySinks(t *testing.T) {
	sink := stuckSink{release: make(chan struct{})}
	rec := history.NewRecorder(quietLogger(), sink)
	t.Cleanup(func() {
		close(sink.release)
		_ = rec.Close()
	})

	s := newTestSupervisor(t, names("forwarder", "collector"), WithRecorder(rec))
	done := runAsync(context.Background(), s.Supervisor)
	require.Eventually(t, func() bool { return len(s.log.with("start:")) == 2 }, 2*time.Second, time.Millisecond)

	begin := time.Now()
	s.Stop()
	<-done
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, []string{"collector", "forwarder"}, s.log.with("terminate:"))
}

// gaugeValue reads a worker gauge from the default registry.
func gaugeValue(metric, worker string) (float64, bool) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range mfs {
		if mf.GetName() != metric {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "name" && lp.GetValue() == worker {
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestSupervisor_PublishesWorkerGauges(t *testing.T) {
	cfgs := names("gauge-forwarder", "gauge-dogstatsd", "gauge-jmxfetch")
	cfgs[1].Disabled = true
	cfgs[2].MaxRestarts = 1
	s := newTestSupervisor(t, cfgs)
	// registered after the supervisor is built, as the CLI may do
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))

	done := runAsync(context.Background(), s.Supervisor)
	defer func() {
		s.Stop()
		<-done
	}()
	require.Eventually(t, func() bool { return s.log.count("start:gauge-jmxfetch") == 1 }, 2*time.Second, time.Millisecond)

	v, ok := gaugeValue("agentvisor_worker_enabled", "gauge-forwarder")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
	v, ok = gaugeValue("agentvisor_worker_enabled", "gauge-dogstatsd")
	require.True(t, ok, "a worker disabled by config is still reported")
	assert.Equal(t, 0.0, v)
	v, ok = gaugeValue("agentvisor_worker_running", "gauge-forwarder")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	// one permitted restart, then the budget is spent
	s.launcher.handle("gauge-jmxfetch").exit()
	require.Eventually(t, func() bool { return s.log.count("start:gauge-jmxfetch") == 2 }, 2*time.Second, time.Millisecond)
	s.launcher.handle("gauge-jmxfetch").exit()

	jmx, _ := s.Process("gauge-jmxfetch")
	require.Eventually(t, func() bool { return !jmx.Enabled() }, 2*time.Second, time.Millisecond)
	v, _ = gaugeValue("agentvisor_worker_enabled", "gauge-jmxfetch")
	assert.Equal(t, 0.0, v)
	v, ok = gaugeValue("agentvisor_worker_running", "gauge-jmxfetch")
	require.True(t, ok)
	assert.Equal(t, 0.0, v, "a crashed worker denied a restart is not reported as running")
}
