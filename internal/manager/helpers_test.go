package manager

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/agentvisor/internal/process"
)

// callLog records lifecycle calls across fakes so tests can assert ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// with returns the calls having the given prefix, prefix stripped.
func (l *callLog) with(prefix string) []string {
	var out []string
	for _, c := range l.all() {
		if rest, ok := strings.CutPrefix(c, prefix); ok {
			out = append(out, rest)
		}
	}
	return out
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	name       string
	pid        int
	log        *callLog
	ignoreTerm bool

	mu      sync.Mutex
	running bool
	exitErr string
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Snapshot() process.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return process.Status{Name: h.name, PID: h.pid, Running: h.running, ExitErr: h.exitErr}
}

// crash simulates the process ending with an error.
func (h *fakeHandle) crash(msg string) {
	h.mu.Lock()
	h.exitErr = msg
	h.running = false
	h.mu.Unlock()
}

func (h *fakeHandle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *fakeHandle) Terminate() error {
	h.log.add("terminate:" + h.name)
	if !h.ignoreTerm {
		h.exit()
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.log.add("kill:" + h.name)
	h.exit()
	return nil
}

func (h *fakeHandle) Wait(time.Duration) bool { return !h.Running() }

// exit simulates the process ending on its own.
func (h *fakeHandle) exit() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()
}

// fakeLauncher hands out fakeHandles and remembers the last one per name.
type fakeLauncher struct {
	log        *callLog
	ignoreTerm map[string]bool
	fail       map[string]error

	mu      sync.Mutex
	nextPID int
	handles map[string]*fakeHandle
	specs   map[string]process.Spec
}

func newFakeLauncher(log *callLog) *fakeLauncher {
	return &fakeLauncher{
		log:        log,
		ignoreTerm: map[string]bool{},
		fail:       map[string]error{},
		nextPID:    1000,
		handles:    map[string]*fakeHandle{},
		specs:      map[string]process.Spec{},
	}
}

func (l *fakeLauncher) Launch(spec process.Spec, _ io.Writer) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs[spec.Name] = spec
	if err := l.fail[spec.Name]; err != nil {
		l.log.add("fail:" + spec.Name)
		return nil, err
	}
	l.log.add("start:" + spec.Name)
	l.nextPID++
	h := &fakeHandle{name: spec.Name, pid: l.nextPID, log: l.log, ignoreTerm: l.ignoreTerm[spec.Name], running: true}
	l.handles[spec.Name] = h
	return h, nil
}

func (l *fakeLauncher) handle(name string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[name]
}

func (l *fakeLauncher) spec(name string) process.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[name]
}

func (l *fakeLauncher) setFail(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.fail, name)
		return
	}
	l.fail[name] = err
}

var errNoBinary = errors.New("no such file or directory")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingHook logs its calls into the shared callLog.
type recordingHook struct {
	name string
	log  *callLog
}

func (h recordingHook) BeforeStart() error {
	h.log.add("before_start:" + h.name)
	return nil
}

func (h recordingHook) BeforeStop() error {
	h.log.add("before_stop:" + h.name)
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testSpec(name string) process.Spec {
	return process.Spec{Name: name, Path: "/opt/agent/embedded/python", Args: []string{name + ".py"}}
}

func newTestProcess(t *testing.T, cfg ProcessConfig, l *fakeLauncher, clock *fakeClock) *ManagedProcess {
	t.Helper()
	if cfg.Spec.Path == "" {
		cfg.Spec = testSpec(cfg.Name)
	}
	mp, err := NewManagedProcess(cfg,
		WithLauncher(l),
		WithLogger(quietLogger()),
		WithClock(clock.Now),
		WithOutput(io.Discard),
	)
	if err != nil {
		t.Fatalf("new managed process: %v", err)
	}
	return mp
}
