package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/branchoff/branchoff/internal/engine"
	"github.com/branchoff/branchoff/internal/shell/api"
	"github.com/branchoff/branchoff/internal/shell/docker"
	"github.com/branchoff/branchoff/internal/shell/executor"
	"github.com/branchoff/branchoff/internal/shell/procman"
	"github.com/branchoff/branchoff/internal/shell/registry"
	"github.com/branchoff/branchoff/internal/shell/resolver"
	"github.com/branchoff/branchoff/internal/shell/store"
	"github.com/branchoff/branchoff/internal/shell/vcs"
	"github.com/branchoff/branchoff/internal/shell/workers"
	"github.com/branchoff/branchoff/internal/telemetry"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitIgniteError     = 5
)

// =============================================================================
// Server
// =============================================================================

// Server is the long-running orchestrator: the HTTP surface plus the engine
// and everything it drives.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      *store.SQLiteStore
	processes  procman.Manager
	queue      *workers.Queue
	engine     *engine.Engine
	tracing    telemetry.Shutdown
	logger     *slog.Logger
}

// NewServer creates a new server with all dependencies.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	tracing, err := telemetry.SetupTracing(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	dsn := cfg.DatabaseDSN()
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			tracing(ctx)
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
		}
	}
	s, err := store.NewSQLiteStore(dsn)
	if err != nil {
		tracing(ctx)
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}
	logger.Info("database opened", "dsn", dsn)

	processes, err := newProcessManager(ctx, cfg, s, logger)
	if err != nil {
		s.Close()
		tracing(ctx)
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}

	metrics := telemetry.NewMetrics()
	shell := executor.NewShell(cfg.Shell.Path, logger)

	reg := newRegistry(cfg, logger)
	res := resolver.New(reg, resolver.Config{Files: cfg.Deploy.ConfigFiles}, logger)

	queue := workers.NewQueue(workers.QueueConfig{
		Observer: metrics,
		OnDrain: func() {
			logger.Debug("queue drained")
		},
	}, logger)

	eng, err := engine.New(engine.Config{
		Queue:     queue,
		Registry:  reg,
		Resolver:  res,
		VCS:       vcs.NewGit(shell, cfg.VCS.GitPath, logger),
		Processes: processes,
		Executor:  shell,
		Journal:   s,
		Metrics:   metrics,
		Accept:    cfg.Accept.AllowList(),
	}, logger)
	if err != nil {
		processes.Close()
		s.Close()
		tracing(ctx)
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	var metricsForAPI *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metricsForAPI = metrics
	}
	handler := api.NewHandler(api.Config{
		Pipelines:     eng,
		Contexts:      reg,
		Store:         s,
		Processes:     processes,
		Queue:         queue,
		Metrics:       metricsForAPI,
		Token:         cfg.Server.APIToken,
		WebhookSecret: cfg.Webhook.Secret,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		processes:  processes,
		queue:      queue,
		engine:     eng,
		tracing:    tracing,
		logger:     logger,
	}, nil
}

// newProcessManager builds the configured process manager backend.
func newProcessManager(ctx context.Context, cfg *Config, recorder procman.Recorder, logger *slog.Logger) (procman.Manager, error) {
	switch cfg.Process.Backend {
	case procman.BackendDocker:
		client, err := docker.NewDockerClient(ctx, cfg.Process.DockerHost)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("docker process backend", "host", cfg.Process.DockerHost, "default_image", cfg.Process.DefaultImage)
		return procman.NewDockerManager(client, procman.DockerConfig{
			DefaultImage: cfg.Process.DefaultImage,
			StopTimeout:  cfg.Process.StopTimeout,
			Recorder:     recorder,
		}, logger), nil
	default:
		logger.Info("local process backend")
		return procman.NewSupervisor(procman.SupervisorConfig{
			Shell:       cfg.Shell.Path,
			StopTimeout: cfg.Process.StopTimeout,
			Recorder:    recorder,
		}, logger), nil
	}
}

func newRegistry(cfg *Config, logger *slog.Logger) *registry.Registry {
	return registry.New(registry.Config{
		Path:         cfg.RegistryPath(),
		ReposDir:     cfg.ReposDir(),
		Ports:        cfg.Ports.Range(),
		MaxInstances: cfg.MaxInstances(),
	}, logger)
}

func telemetryConfig(cfg *Config) telemetry.TracingConfig {
	tc := cfg.Tracing
	tc.ServiceName = "branchoff"
	tc.ServiceVersion = Version
	return tc
}

// Start restores the registry, serves HTTP and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.queue.Start()

	s.engine.Restore(func(r engine.Result) {
		if r.Err != nil {
			s.logger.Error("restore finished with errors", "error", r.Err)
			return
		}
		s.logger.Info("restore finished")
	})

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown stops accepting requests, cancels the task in flight and closes
// every backend. Pending tasks are dropped; the registry on disk lets the
// next start restore them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if n := s.queue.Len(); n > 0 {
		s.logger.Warn("dropping queued tasks", "count", n)
	}
	s.queue.Stop()

	if err := s.processes.Close(); err != nil {
		s.logger.Error("process manager close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	if err := s.tracing(shutdownCtx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
