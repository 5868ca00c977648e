package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hydra/internal/api"
	"github.com/mattjoyce/hydra/internal/config"
	"github.com/mattjoyce/hydra/internal/events"
	"github.com/mattjoyce/hydra/internal/fleet"
	"github.com/mattjoyce/hydra/internal/lock"
	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/metrics"
	"github.com/mattjoyce/hydra/internal/supervisor"
)

type serveFlags struct {
	runtimeFlags
	workers      int
	shards       int
	statusListen string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a fleet of worker processes behind the front-end",
		Long: `serve spawns --workers worker processes, each owning its own front-end
and --shards-per-proc shard connections, all serving --host:--port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed
			if changed("workers") {
				cfg.Workers = f.workers
			}
			if changed("shards-per-proc") {
				cfg.Shards = f.shards
			}
			if changed("status-listen") {
				cfg.Status.Listen = f.statusListen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, f.configPath)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().IntVar(&f.workers, "workers", 1, "Number of worker processes")
	cmd.Flags().IntVar(&f.shards, "shards-per-proc", 1, "Shard connections per worker process")
	cmd.Flags().StringVar(&f.statusListen, "status-listen", "", "Address for the status API (empty disables it)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, configPath string) error {
	setupLogging(cfg)
	logger := log.WithComponent("main")

	pidLock, err := lock.AcquireForBind(cfg.Host, cfg.Port)
	if err != nil {
		logger.Error("failed to acquire bind lock (another fleet may be serving)", "bind", cfg.BindAddress(), "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired bind lock", "path", pidLock.Path())

	hash, err := cfg.Fingerprint()
	if err != nil {
		return err
	}
	term, err := supervisor.TerminatorFor(cfg.Platform)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate hydra executable: %w", err)
	}

	hub := events.NewHub(256)
	collector := metrics.NewPrometheusCollector("hydra")

	settle := cfg.Timeouts.Settle
	if settle == 0 {
		settle = -1
	}
	mgr, err := fleet.New(fleet.Options{
		Command:    workerCommand(exe, cfg, configPath),
		Terminator: term,
		Settle:     settle,
		ConfigHash: hash,
		Metrics:    collector,
		Events:     hub,
		Logger:     log.WithComponent("fleet"),
	})
	if err != nil {
		return err
	}
	logger.Info("starting fleet",
		"fleet_id", mgr.RunID(),
		"app", cfg.App,
		"adapter", cfg.Adapter,
		"bind", cfg.BindAddress(),
		"workers", cfg.Workers,
		"shards_per_proc", cfg.Shards,
		"config_hash", hash,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	if cfg.Status.Listen != "" {
		apiServer := api.New(api.Config{Listen: cfg.Status.Listen}, mgr, hub, collector.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("status api: %w", err)
			}
		}()
		logger.Info("status api enabled", "listen", cfg.Status.Listen)
	}

	fleetDone := make(chan error, 1)
	go func() { fleetDone <- mgr.Start(ctx, cfg.Workers) }()

	shutdown := func() error {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*cfg.Timeouts.Shutdown)
		defer stopCancel()
		return mgr.StopAll(stopCtx, cfg.Timeouts.Shutdown)
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		if err := shutdown(); err != nil {
			logger.Error("fleet shutdown incomplete", "error", err)
			return err
		}
		<-fleetDone
		logger.Info("fleet stopped")
		return nil
	case <-parent.Done():
		logger.Info("shutdown requested")
		if err := shutdown(); err != nil {
			logger.Error("fleet shutdown incomplete", "error", err)
			return err
		}
		<-fleetDone
		logger.Info("fleet stopped")
		return nil
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		_ = shutdown()
		<-fleetDone
		return err
	case err := <-fleetDone:
		if stopErr := shutdown(); stopErr != nil {
			logger.Warn("failed to stop remaining workers", "error", stopErr)
		}
		if err != nil {
			logger.Error("fleet exited", "error", err)
			return err
		}
		logger.Info("fleet exited")
		return nil
	}
}

// workerCommand builds the child invocation for worker index i.
func workerCommand(exe string, cfg *config.Config, configPath string) fleet.CommandFactory {
	return func(int) *exec.Cmd {
		return exec.Command(exe, workerArgs(cfg, configPath)...)
	}
}

func workerArgs(cfg *config.Config, configPath string) []string {
	args := []string{
		"worker", "--child",
		"--app", cfg.App,
		"--adapter", cfg.Adapter,
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--shards", strconv.Itoa(cfg.Shards),
		"--log-level", cfg.Log.Level,
	}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if cfg.Frontend != "" {
		args = append(args, "--frontend", cfg.Frontend)
	}
	return args
}
