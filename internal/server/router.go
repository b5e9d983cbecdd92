package server

import (
	"crypto/tls"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/agentvisor/internal/manager"
	"github.com/loykin/agentvisor/internal/metrics"
)

// StatusSource is the read-only view of a supervisor the router serves.
type StatusSource interface {
	Statuses() []mng.Status
	Uptime() time.Duration
	Running() bool
	StartedAt() time.Time
}

// ResourceSource provides the latest per-worker resource samples.
type ResourceSource interface {
	GetAllMetrics() map[string]metrics.ProcessMetrics
}

// Router provides embeddable, read-only HTTP handlers for a supervisor.
// Endpoints:
//
//	GET {basePath}/status         all workers, registration order
//	GET {basePath}/status/:name   single worker; 404 when unknown
//	GET {basePath}/uptime         supervisor uptime
//	GET {basePath}/healthz        200 while running, 503 otherwise
//	GET {basePath}/resources      resource samples (WithResources)
//	GET {basePath}/metrics        Prometheus exposition (WithMetrics)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src       StatusSource
	basePath  string
	resources ResourceSource
	metrics   http.Handler
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithResources exposes resource samples under /resources.
func WithResources(rs ResourceSource) RouterOption {
	return func(r *Router) { r.resources = rs }
}

// WithMetrics mounts h under /metrics.
func WithMetrics(h http.Handler) RouterOption {
	return func(r *Router) { r.metrics = h }
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/status, /api/uptime and /api/healthz.
func NewRouter(src StatusSource, basePath string, opts ...RouterOption) *Router {
	r := &Router{src: src, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusList)
	group.GET("/status/:name", r.handleStatus)
	group.GET("/uptime", r.handleUptime)
	group.GET("/healthz", r.handleHealth)
	if r.resources != nil {
		group.GET("/resources", r.handleResources)
	}
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down through the returned http.Server.
func NewServer(addr, basePath string, src StatusSource, opts ...RouterOption) (*http.Server, error) {
	server := newHTTPServer(addr, NewRouter(src, basePath, opts...))
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// NewTLSServer is NewServer over HTTPS; tlsCfg must provide the certificate.
func NewTLSServer(addr, basePath string, src StatusSource, tlsCfg *tls.Config, opts ...RouterOption) (*http.Server, error) {
	if tlsCfg == nil {
		return nil, errors.New("tls config is required")
	}
	server := newHTTPServer(addr, NewRouter(src, basePath, opts...))
	server.TLSConfig = tlsCfg
	go func() { _ = server.ListenAndServeTLS("", "") }()
	return server, nil
}

func newHTTPServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// UptimeResponse is the body of GET /uptime.
type UptimeResponse struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Uptime        string    `json:"uptime"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string   `json:"status"`
	Disabled []string `json:"disabled,omitempty"`
}

func (r *Router) handleStatusList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Statuses())
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	for _, st := range r.src.Statuses() {
		if st.Name == name {
			writeJSON(c, http.StatusOK, st)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown process " + name})
}

func (r *Router) handleUptime(c *gin.Context) {
	up := r.src.Uptime()
	writeJSON(c, http.StatusOK, UptimeResponse{
		Running:       r.src.Running(),
		StartedAt:     r.src.StartedAt(),
		UptimeSeconds: up.Seconds(),
		Uptime:        mng.FormatUptime(up),
	})
}

// handleHealth reports 503 once the supervisor is not running. Workers
// disabled by the restart budget are listed but do not fail the check.
func (r *Router) handleHealth(c *gin.Context) {
	var disabled []string
	for _, st := range r.src.Statuses() {
		if !st.Enabled {
			disabled = append(disabled, st.Name)
		}
	}
	if !r.src.Running() {
		writeJSON(c, http.StatusServiceUnavailable, HealthResponse{Status: "stopped", Disabled: disabled})
		return
	}
	writeJSON(c, http.StatusOK, HealthResponse{Status: "ok", Disabled: disabled})
}

func (r *Router) handleResources(c *gin.Context) {
	all := r.resources.GetAllMetrics()
	out := make([]metrics.ProcessMetrics, 0, len(all))
	for _, m := range all {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(c, http.StatusOK, out)
}
