package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/agentvisor/internal/logger"
	itls "github.com/loykin/agentvisor/internal/tls"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. AGENTVISOR_USE_DOGSTATSD or AGENTVISOR_LOG_LEVEL.
const EnvPrefix = "AGENTVISOR"

// Config is the top-level TOML structure.
type Config struct {
	UseDogstatsd   bool          `mapstructure:"use_dogstatsd"`
	InstallDir     string        `mapstructure:"install_dir"` // empty: discover from the executable
	RunDir         string        `mapstructure:"run_dir"`     // empty: <install_dir>/run
	Tick           time.Duration `mapstructure:"tick"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"` // 0: twice the tick
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	RestartWindow  time.Duration `mapstructure:"restart_window"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	JMXMaxRestarts int           `mapstructure:"jmx_max_restarts"`
	LockFile       string        `mapstructure:"lock_file"`
	PIDFile        string        `mapstructure:"pid_file"`

	// Env and EnvFiles add variables to every worker's environment.
	// Files are applied in order, then Env entries override them.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`

	Log     logger.Config   `mapstructure:"log"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
	Server  ServerConfig    `mapstructure:"server"`
	History []HistoryConfig `mapstructure:"history"`
}

type MetricsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Listen           string        `mapstructure:"listen"`
	ResourceInterval time.Duration `mapstructure:"resource_interval"` // 0 disables the resource sampler
}

type ServerConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      itls.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	DSN     string `mapstructure:"dsn"`
	Enabled bool   `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_dogstatsd", true)
	v.SetDefault("install_dir", "")
	v.SetDefault("run_dir", "")
	v.SetDefault("tick", "1s")
	v.SetDefault("settle_delay", "0s")
	v.SetDefault("stop_timeout", "3s")
	v.SetDefault("restart_window", "1h")
	v.SetDefault("max_restarts", 5)
	v.SetDefault("jmx_max_restarts", 3)
	v.SetDefault("lock_file", "")
	v.SetDefault("pid_file", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9101")
	v.SetDefault("metrics.resource_interval", "0s")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:5002")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		UseDogstatsd:   true,
		Tick:           time.Second,
		StopTimeout:    3 * time.Second,
		RestartWindow:  time.Hour,
		MaxRestarts:    5,
		JMXMaxRestarts: 3,
		Env:            []string{},
		EnvFiles:       []string{},
		Log: logger.Config{
			Level:  "info",
			Format: "text",
			File: logger.FileConfig{
				MaxSizeMB:  logger.DefaultMaxSizeMB,
				MaxBackups: logger.DefaultMaxBackups,
				MaxAgeDays: logger.DefaultMaxAgeDays,
			},
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9101"},
		Server:  ServerConfig{Listen: "127.0.0.1:5002", BasePath: "/api"},
	}
}

// Load reads path (TOML) over the defaults and applies AGENTVISOR_*
// environment overrides. An empty or missing path yields the defaults; a
// malformed file is an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", c.Tick)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout)
	}
	if c.RestartWindow <= 0 {
		return fmt.Errorf("restart_window must be positive, got %s", c.RestartWindow)
	}
	if c.MaxRestarts <= 0 || c.JMXMaxRestarts <= 0 {
		return fmt.Errorf("max_restarts and jmx_max_restarts must be positive")
	}
	if c.SettleDelay < 0 || c.Metrics.ResourceInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return err
	}
	for i, h := range c.History {
		if h.Enabled && strings.TrimSpace(h.DSN) == "" {
			return fmt.Errorf("history[%d]: enabled sink requires dsn", i)
		}
	}
	return nil
}

// WorkerEnv composes the extra worker variables: env_files in order, then
// the env list. The result is "K=V" entries.
func (c Config) WorkerEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in file order.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}

// EnabledHistory returns the DSNs of enabled history sinks.
func (c Config) EnabledHistory() []string {
	var out []string
	for _, h := range c.History {
		if h.Enabled {
			out = append(out, strings.TrimSpace(h.DSN))
		}
	}
	return out
}
