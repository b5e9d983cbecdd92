package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/agentvisor/internal/manager"
	"github.com/loykin/agentvisor/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	running bool
}

func (s *stubSource) Statuses() []mng.Status {
	return []mng.Status{
		{Name: "forwarder", Enabled: true, Alive: true, PID: 11, MaxRestarts: 5, RestartWindow: "1h0m0s"},
		{Name: "jmxfetch", Enabled: false, RestartsInWindow: 3, TotalRestarts: 3, MaxRestarts: 3, RestartWindow: "1h0m0s"},
	}
}
func (s *stubSource) Uptime() time.Duration { return 90 * time.Second }
func (s *stubSource) Running() bool         { return s.running }
func (s *stubSource) StartedAt() time.Time  { return time.Unix(1700000000, 0).UTC() }

func newTestClient(t *testing.T, src *stubSource) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ts := httptest.NewServer(server.NewRouter(src, "/api").Handler())
	t.Cleanup(ts.Close)
	return New(Config{
		BaseURL: ts.URL + "/api/",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestStatuses(t *testing.T) {
	c := newTestClient(t, &stubSource{running: true})
	got, err := c.Statuses(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "forwarder", got[0].Name)
	assert.Equal(t, 11, got[0].PID)
	assert.False(t, got[1].Enabled)
	assert.Equal(t, 3, got[1].RestartsInWindow)
}

func TestStatusByName(t *testing.T) {
	c := newTestClient(t, &stubSource{running: true})
	st, err := c.Status(context.Background(), "jmxfetch")
	require.NoError(t, err)
	assert.Equal(t, 3, st.MaxRestarts)

	_, err = c.Status(context.Background(), "dogstatsd")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUptime(t *testing.T) {
	c := newTestClient(t, &stubSource{running: true})
	up, err := c.Uptime(context.Background())
	require.NoError(t, err)
	assert.True(t, up.Running)
	assert.Equal(t, 90*time.Second, up.Duration())
	assert.Equal(t, "Uptime: 0 hours 1 minutes 30 seconds", up.Uptime)
}

func TestHealth(t *testing.T) {
	src := &stubSource{running: true}
	c := newTestClient(t, src)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK())
	assert.Equal(t, []string{"jmxfetch"}, h.Disabled)

	src.running = false
	h, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.OK())
	assert.Equal(t, "stopped", h.Status)
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, &stubSource{running: false})
	assert.True(t, c.IsReachable(context.Background()))

	dead := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.False(t, dead.IsReachable(context.Background()))
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, defaultBaseURL, c.baseURL)
	assert.Equal(t, 10*time.Second, c.client.Timeout)
	assert.Equal(t, DefaultConfig().BaseURL, c.baseURL)
}

func TestSetupClientTLSInsecure(t *testing.T) {
	cfg, err := setupClientTLS(Config{Insecure: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = setupClientTLS(Config{TLS: &TLSClientConfig{Enabled: true, CACert: "/does/not/exist.pem"}})
	assert.Error(t, err)
}

func TestInsecureTLS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := httptest.NewTLSServer(server.NewRouter(&stubSource{running: true}, "/api").Handler())
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL + "/api", Insecure: true, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	got, err := c.Statuses(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
