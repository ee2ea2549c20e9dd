package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/gocycle/internal/config"
	"github.com/me/gocycle/internal/logging"
	"github.com/me/gocycle/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultWorkerConfig()
	var configFile string
	var debug bool

	cmd := &cobra.Command{
		Use:   "gocycle-worker",
		Short: "Run jobs for a gocycle scheduler on this host",
		Long: "gocycle-worker registers with a scheduler, checks out jobs queued on the\n" +
			"worker platform for its pools, runs them and reports their outcome.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			logger, err := logging.NewStderr(cfg.LogLevel, cfg.LogFormat, debug)
			if err != nil {
				return err
			}

			host, _ := os.Hostname()
			w, err := worker.New(worker.Config{
				ServerURL: cfg.Server,
				Name:      cfg.Name,
				Hostname:  host,
				Pools:     cfg.Pools,
				Runtime:   cfg.Runtime,
				WorkDir:   cfg.WorkDir,
				StageOut:  cfg.StageOut,
				WorkerKey: cfg.WorkerKey,
				Poll:      cfg.PollInterval,
				TLS: worker.TLSConfig{
					CACertPath:         cfg.CACert,
					InsecureSkipVerify: cfg.Insecure,
				},
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("worker starting",
				"server", cfg.Server,
				"name", cfg.Name,
				"pools", cfg.Pools,
				"runtime", cfg.Runtime,
				"work_dir", cfg.WorkDir,
			)
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("worker stopped")
			return nil
		},
	}

	cfg.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config", os.Getenv(config.EnvKey("config")), "YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Shorthand for --log-level=debug")
	return cmd
}
