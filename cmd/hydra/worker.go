package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hydra/internal/config"
	"github.com/mattjoyce/hydra/internal/log"
	"github.com/mattjoyce/hydra/internal/metrics"
	"github.com/mattjoyce/hydra/internal/protocol"
	"github.com/mattjoyce/hydra/internal/supervisor"
	"github.com/mattjoyce/hydra/internal/worker"
)

var errNotChild = errors.New("worker must be started by serve (pass --child)")

type workerFlags struct {
	runtimeFlags
	child  bool
	shards int
}

func newWorkerCmd() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process (started by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !f.child {
				return usageError{errNotChild}
			}
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("shards") {
				cfg.Shards = f.shards
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid configuration: %w", err)
				}
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().BoolVar(&f.child, "child", false, "Required: marks this process as a fleet child")
	cmd.Flags().IntVar(&f.shards, "shards", 1, "Shard connections for this process")
	return cmd
}

func runWorker(parent context.Context, cfg *config.Config) error {
	setupLogging(cfg)
	logger := log.WithComponent("worker")

	handler, _, err := resolveHandler(cfg)
	if err != nil {
		logger.Error("failed to load application", "app", cfg.App, "error", err)
		return err
	}
	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		return err
	}
	term, err := supervisor.TerminatorFor(cfg.Platform)
	if err != nil {
		return err
	}
	exe, args, err := frontendCommand(cfg)
	if err != nil {
		return err
	}

	// serve owns the event hub and metrics; a worker only logs, and serve
	// forwards those lines.
	collector := metrics.NoopCollector{}
	sup := supervisor.New(supervisor.Options{
		Terminator:   term,
		ReadPoll:     cfg.Timeouts.ReadPoll,
		ReadyTimeout: cfg.Timeouts.Ready,
		Metrics:      collector,
		Logger:       log.WithComponent("supervisor"),
	})

	w, err := worker.New(worker.Config{
		Frontend:         supervisor.Spec{Executable: exe, Args: args},
		BindAddr:         cfg.Host,
		BindPort:         cfg.Port,
		Shards:           cfg.Shards,
		PollInterval:     cfg.Shard.PollInterval,
		Backoff:          cfg.Shard.Backoff,
		RestartLimit:     cfg.Shard.RestartLimit,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ShutdownTimeout:  cfg.Timeouts.Shutdown,
		Codec:            codec,
		Handler:          handler,
		Supervisor:       sup,
		Metrics:          collector,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "app", cfg.App, "adapter", cfg.Adapter, "shards", cfg.Shards, "bind", cfg.BindAddress())
	if err := w.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
		return err
	}
	logger.Info("worker stopped")
	return nil
}
