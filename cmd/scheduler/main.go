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

	"github.com/spf13/cobra"

	"github.com/me/gocycle/internal/config"
	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/internal/logging"
	"github.com/me/gocycle/internal/metrics"
	"github.com/me/gocycle/internal/scheduler"
	"github.com/me/gocycle/internal/server"
	"github.com/me/gocycle/internal/store"
	"github.com/me/gocycle/internal/taskdef"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultSchedulerConfig()
	var configFile string
	var debug bool

	cmd := &cobra.Command{
		Use:   "gocycle-scheduler <workflow.yaml>",
		Short: "Run a cycling workflow",
		Long: "gocycle-scheduler loads a workflow definition, restores the previous run\n" +
			"from its run directory if there is one, and schedules task instances until\n" +
			"the workflow completes or is stopped. The REST API serves the gocycle CLI\n" +
			"and remote workers.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			boot, err := logging.NewStderr(cfg.LogLevel, cfg.LogFormat, debug)
			if err != nil {
				return err
			}
			if err := config.Resolve(cmd.Flags(), configFile, boot); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if debug {
				cfg.LogLevel = "debug"
			}
			return run(cmd.Context(), &cfg, args[0])
		},
	}

	cfg.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config", os.Getenv(config.EnvKey("config")), "YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Shorthand for --log-level=debug")
	return cmd
}

func run(ctx context.Context, cfg *config.SchedulerConfig, workflowPath string) error {
	def, err := taskdef.Load(workflowPath)
	if err != nil {
		return err
	}
	if err := cfg.ResolvePaths(def.Name); err != nil {
		return err
	}

	runLog, err := logging.OpenRunLog(cfg.WorkDir)
	if err != nil {
		return err
	}
	defer runLog.Close()
	logger, err := logging.New(io.MultiWriter(os.Stderr, runLog), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger = logger.With("workflow", def.Name)

	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	reg, err := newRegistry(cfg, st, logger)
	if err != nil {
		return err
	}
	m := metrics.New()

	loop, err := scheduler.NewLoop(scheduler.Options{
		Config: scheduler.Config{
			WorkflowID:         def.Name,
			TickInterval:       cfg.TickInterval,
			PollInterval:       cfg.JobPollInterval,
			CallTimeout:        cfg.CallTimeout,
			MaxConcurrentCalls: cfg.MaxConcurrentCalls,
			HandlerWorkers:     cfg.HandlerWorkers,
			HandlerTimeout:     cfg.HandlerTimeout,
		},
		Definition: def,
		Loader:     func() (*taskdef.Config, error) { return taskdef.Load(workflowPath) },
		Store:      st,
		Registry:   reg,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	restarted, err := loop.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore previous run: %w", err)
	}
	if restarted {
		logger.Info("restarting previous run", "run_dir", cfg.WorkDir)
	}

	opts := []server.Option{server.WithExecutorRegistry(reg), server.WithMetrics(m)}
	keys, err := server.LoadWorkerKeyConfig(cfg.WorkerKeysFile)
	if err != nil {
		return err
	}
	if keys.IsEnabled() {
		opts = append(opts, server.WithWorkerKeyConfig(keys))
		logger.Info("worker key authentication enabled", "keys", len(keys.Keys))
	}
	srv, err := server.New(def.Kind(), st, loop, loop.Data(), logger, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.ReapWorkers(ctx, cfg.WorkerTimeout, cfg.WorkerTimeout/4)

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	runErr := loop.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve %s: %w", cfg.Addr, err)
	default:
	}
	if errors.Is(runErr, context.Canceled) {
		logger.Info("scheduler interrupted; restart to continue the run")
		return nil
	}
	return runErr
}

// newRegistry registers every back-end and selects the default platform.
func newRegistry(cfg *config.SchedulerConfig, st *store.SQLiteStore, logger *slog.Logger) (*executor.Registry, error) {
	jobDir := filepath.Join(cfg.WorkDir, "job")
	reg := executor.NewRegistry(logger)
	reg.Register(executor.NewLocalBackend(jobDir, logger))
	reg.Register(executor.NewDockerBackend(jobDir, logger))
	reg.Register(executor.NewSimulationBackend(nil, logger))

	wb := executor.NewWorkerBackend(st, logger)
	if cfg.WorkerLogDir != "" {
		wb.SetLogDir(cfg.WorkerLogDir)
	}
	reg.Register(wb)

	reg.SetDefault(cfg.DefaultPlatform)
	if _, err := reg.Get(""); err != nil {
		return nil, fmt.Errorf("default platform: %w", err)
	}
	return reg, nil
}
