package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/agentvisor/internal/agent"
	"github.com/loykin/agentvisor/internal/config"
	"github.com/loykin/agentvisor/internal/detector"
	"github.com/loykin/agentvisor/internal/history"
	"github.com/loykin/agentvisor/internal/history/factory"
	"github.com/loykin/agentvisor/internal/layout"
	"github.com/loykin/agentvisor/internal/logger"
	"github.com/loykin/agentvisor/internal/manager"
	"github.com/loykin/agentvisor/internal/metrics"
	"github.com/loykin/agentvisor/internal/server"
	itls "github.com/loykin/agentvisor/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// loadRunConfig reads the config file and applies flag overrides.
func loadRunConfig(path string, flags RunFlags) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if flags.InstallDir != "" {
		cfg.InstallDir = flags.InstallDir
	}
	if flags.LockFile != "" {
		cfg.LockFile = flags.LockFile
	}
	if flags.PIDFile != "" {
		cfg.PIDFile = flags.PIDFile
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	return cfg, cfg.Validate()
}

func resolveLayout(cfg config.Config) layout.Layout {
	if cfg.InstallDir != "" {
		return layout.FromRoot(cfg.InstallDir)
	}
	return layout.DiscoverSelf()
}

func runDir(cfg config.Config, lay layout.Layout) string {
	if cfg.RunDir != "" {
		return cfg.RunDir
	}
	return lay.RunDir()
}

// runSupervisor is the foreground host shell: it owns the lock, pid file,
// history sinks, metrics and status servers around one Supervisor run.
func runSupervisor(ctx context.Context, configPath string, flags RunFlags, stderr io.Writer) error {
	cfg, err := loadRunConfig(configPath, flags)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	lay := resolveLayout(cfg)
	if !lay.Discovered {
		log.Warn("no dist directory above the executable, using the default install root", "root", lay.Root)
	}
	rd := runDir(cfg, lay)

	lockPath := cfg.LockFile
	if lockPath == "" {
		lockPath = filepath.Join(rd, "agentvisor.lock")
	}
	lock, err := acquireLock(lockPath)
	if err != nil {
		return err
	}
	defer releaseLock(lock, log)

	if cfg.PIDFile != "" {
		if alive, _ := (detector.PIDFileDetector{PIDFile: cfg.PIDFile}).Alive(); alive {
			log.Warn("pid file points to a live process, overwriting", "path", cfg.PIDFile)
		}
		if err := detector.WritePIDFile(cfg.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() {
			if err := removePidFile(cfg.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("remove pid file", "path", cfg.PIDFile, "error", err)
			}
		}()
	}

	recorder := history.NewRecorder(log)
	for _, dsn := range cfg.EnabledHistory() {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink disabled", "dsn", dsn, "error", err)
			continue
		}
		recorder.Add(sink)
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Warn("close history sinks", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	sup, err := agent.NewSupervisor(cfg, lay,
		manager.WithLogger(log),
		manager.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	var servers []*http.Server
	defer func() {
		for _, s := range servers {
			shutdownServer(s, log)
		}
	}()

	var routerOpts []server.RouterOption
	if cfg.Metrics.Enabled {
		resources := metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{
			Enabled:  cfg.Metrics.ResourceInterval > 0,
			Interval: cfg.Metrics.ResourceInterval,
		})
		if err := resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register resource metrics", "error", err)
		}
		if err := resources.Start(ctx, sup.PIDs); err != nil {
			log.Warn("resource sampler not started", "error", err)
		}
		defer resources.Stop()
		if resources.IsEnabled() {
			routerOpts = append(routerOpts, server.WithResources(resources))
		}
		routerOpts = append(routerOpts, server.WithMetrics(metrics.Handler()))

		if cfg.Metrics.Listen != "" {
			servers = append(servers, serveMetrics(cfg.Metrics.Listen, log))
		}
	}

	if cfg.Server.Enabled {
		srv, err := startStatusServer(cfg.Server, sup, routerOpts)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		servers = append(servers, srv)
		log.Info("status API listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", cfg.Server.TLS.Enabled)
	}

	log.Info("starting agent supervisor", "root", lay.Root, "python", lay.Python(), "dogstatsd", cfg.UseDogstatsd)
	notifyReady(log)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		notifyStopping(log)
		err = <-done
	}
	return err
}

func startStatusServer(sc config.ServerConfig, src server.StatusSource, opts []server.RouterOption) (*http.Server, error) {
	if !sc.TLS.Enabled {
		return server.NewServer(sc.Listen, sc.BasePath, src, opts...)
	}
	tlsCfg, err := itls.Setup(sc.TLS)
	if err != nil {
		return nil, err
	}
	return server.NewTLSServer(sc.Listen, sc.BasePath, src, tlsCfg, opts...)
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}

func shutdownServer(s *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Debug("http shutdown", "addr", s.Addr, "error", err)
	}
}
