package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/hydra/internal/frontend"
	"github.com/mattjoyce/hydra/internal/log"
)

func newFrontendCmd() *cobra.Command {
	var requestTimeout time.Duration
	cmd := &cobra.Command{
		Use:    "frontend <worker_port> <bind_addr> <bind_port>",
		Short:  "Run the bundled front-end (started by worker)",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerPort, err := parsePort("worker_port", args[0])
			if err != nil {
				return err
			}
			bindPort, err := parsePort("bind_port", args[2])
			if err != nil {
				return err
			}
			opts := frontend.Options{
				WorkerPort:     workerPort,
				BindAddr:       args[1],
				BindPort:       bindPort,
				RequestTimeout: requestTimeout,
				Logger:         log.WithComponent("frontend"),
			}
			return runFrontend(cmd.Context(), opts)
		},
	}
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", frontend.DefaultRequestTimeout, "How long to wait for a shard to answer")
	return cmd
}

func parsePort(name, s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, usageError{fmt.Errorf("%s must be a port number, got %q", name, s)}
	}
	return port, nil
}

func runFrontend(parent context.Context, opts frontend.Options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return frontend.New(opts).Run(ctx)
}
