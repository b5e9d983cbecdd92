package client

import "time"

// ProcessStatus is one worker as reported by GET /status.
type ProcessStatus struct {
	Name             string    `json:"name"`
	Enabled          bool      `json:"enabled"`
	Alive            bool      `json:"alive"`
	PID              int       `json:"pid,omitempty"`
	RestartsInWindow int       `json:"restarts_in_window"`
	TotalRestarts    int       `json:"total_restarts"`
	MaxRestarts      int       `json:"max_restarts"`
	RestartWindow    string    `json:"restart_window"`
	LastStart        time.Time `json:"last_start,omitzero"`
}

// Uptime is the body of GET /uptime.
type Uptime struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Uptime        string    `json:"uptime"`
}

// Duration converts UptimeSeconds.
func (u Uptime) Duration() time.Duration {
	return time.Duration(u.UptimeSeconds * float64(time.Second))
}

// Health is the body of GET /healthz. A stopped supervisor answers 503
// with Status "stopped"; the client decodes it rather than failing.
type Health struct {
	Status   string   `json:"status"`
	Disabled []string `json:"disabled,omitempty"`
}

// OK reports whether the supervisor is running.
func (h Health) OK() bool { return h.Status == "ok" }

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
