package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a YAML file. An empty path yields the
// defaults. Values not set in the file keep their defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := Defaults()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", configPath)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, after ${VAR} interpolation.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyConfigDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults restores defaults for fields explicitly emptied in YAML.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Adapter == "" {
		cfg.Adapter = defaults.Adapter
	}
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Codec == "" {
		cfg.Codec = defaults.Codec
	}
	if cfg.Platform == "" {
		cfg.Platform = defaults.Platform
	}
	if cfg.WSGISlots == 0 {
		cfg.WSGISlots = defaults.WSGISlots
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// interpolateEnv replaces ${VAR} with its value. Unset variables are left as
// written so validation can point at them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.App == "" {
		return fmt.Errorf("app is required")
	}
	if envVarPattern.MatchString(c.App) {
		return fmt.Errorf("app references an unset environment variable: %s", c.App)
	}

	validAdapters := map[string]bool{"asgi": true, "wsgi": true, "raw": true}
	if !validAdapters[c.Adapter] {
		return fmt.Errorf("adapter must be one of: asgi, wsgi, raw (got %q)", c.Adapter)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535 (got %d)", c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1 (got %d)", c.Workers)
	}
	if c.Shards < 1 {
		return fmt.Errorf("shards must be at least 1 (got %d)", c.Shards)
	}
	if c.WSGISlots < 1 {
		return fmt.Errorf("wsgi_slots must be at least 1 (got %d)", c.WSGISlots)
	}

	validCodecs := map[string]bool{"fast": true, "std": true}
	if !validCodecs[c.Codec] {
		return fmt.Errorf("codec must be one of: fast, std (got %q)", c.Codec)
	}
	validPlatforms := map[string]bool{"auto": true, "posix": true, "windows": true}
	if !validPlatforms[c.Platform] {
		return fmt.Errorf("platform must be one of: auto, posix, windows (got %q)", c.Platform)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", c.Log.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		return fmt.Errorf("log.format must be one of: json, text (got %q)", c.Log.Format)
	}

	for name, d := range map[string]int64{
		"timeouts.shutdown":   int64(c.Timeouts.Shutdown),
		"timeouts.read_poll":  int64(c.Timeouts.ReadPoll),
		"timeouts.ready":      int64(c.Timeouts.Ready),
		"timeouts.handshake":  int64(c.Timeouts.Handshake),
		"timeouts.request":    int64(c.Timeouts.Request),
		"shard.poll_interval": int64(c.Shard.PollInterval),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Timeouts.Settle < 0 {
		return fmt.Errorf("timeouts.settle must not be negative")
	}
	if c.Shard.Backoff < 0 {
		return fmt.Errorf("shard.backoff must not be negative")
	}
	if c.Shard.RestartLimit < 0 {
		return fmt.Errorf("shard.restart_limit must not be negative")
	}

	if c.Status.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Status.Listen); err != nil {
			return fmt.Errorf("status.listen %q: %w", c.Status.Listen, err)
		}
	}
	return nil
}

// BindAddress is the public host:port the front-end serves.
func (c *Config) BindAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
