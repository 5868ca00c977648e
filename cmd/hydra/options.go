package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/hydra/internal/adapter"
	"github.com/mattjoyce/hydra/internal/apps"
	"github.com/mattjoyce/hydra/internal/config"
	"github.com/mattjoyce/hydra/internal/log"
)

// runtimeFlags are the flags shared by serve and worker. Values set on the
// command line override the config file.
type runtimeFlags struct {
	configPath string
	app        string
	adapter    string
	host       string
	port       int
	frontend   string
	logLevel   string
}

func (f *runtimeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&f.app, "app", "", "Application target (module_path:callable)")
	fs.StringVar(&f.adapter, "adapter", "", "Calling convention: asgi, wsgi or raw")
	fs.StringVar(&f.host, "host", "", "Public bind address")
	fs.IntVar(&f.port, "port", 0, "Public bind port")
	fs.StringVar(&f.frontend, "frontend", "", "Front-end executable (default: this binary's frontend command)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// load resolves the configuration: file (or defaults), then changed flags.
func (f *runtimeFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("app") {
		cfg.App = f.app
	}
	if changed("adapter") {
		cfg.Adapter = f.adapter
	}
	if changed("host") {
		cfg.Host = f.host
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("frontend") {
		cfg.Frontend = f.frontend
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	log.SetupWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}

// resolveHandler looks the configured target up in the application registry.
func resolveHandler(cfg *config.Config) (adapter.Handler, *adapter.Registry, error) {
	kind, err := adapter.ParseKind(cfg.Adapter)
	if err != nil {
		return nil, nil, usageError{err}
	}
	reg, err := apps.NewRegistry(cfg.WSGISlots)
	if err != nil {
		return nil, nil, err
	}
	reg.Server().SetPort(cfg.Port)

	h, err := reg.Resolve(cfg.App, kind)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s (%s): %w", cfg.App, kind, err)
	}
	return h, reg, nil
}

// frontendCommand is the executable and leading args that start a front-end.
// The bundled front-end also receives the configured request timeout.
func frontendCommand(cfg *config.Config) (string, []string, error) {
	if cfg.Frontend != "" {
		return cfg.Frontend, nil, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("locate hydra executable: %w", err)
	}
	return exe, []string{"frontend", "--request-timeout", cfg.Timeouts.Request.String()}, nil
}
