package config

import "time"

// Config is the complete hydra configuration. One value is built at startup
// and passed to whatever needs it.
type Config struct {
	App       string         `yaml:"app"`
	Adapter   string         `yaml:"adapter"`
	Host      string         `yaml:"host"`
	Port      int            `yaml:"port"`
	Workers   int            `yaml:"workers"`
	Shards    int            `yaml:"shards"`
	Codec     string         `yaml:"codec"`
	Platform  string         `yaml:"platform"`
	Frontend  string         `yaml:"frontend"`
	WSGISlots int            `yaml:"wsgi_slots"`
	Timeouts  TimeoutsConfig `yaml:"timeouts"`
	Shard     ShardConfig    `yaml:"shard"`
	Log       LogConfig      `yaml:"log"`
	Status    StatusConfig   `yaml:"status"`
}

// TimeoutsConfig groups the process and transport timeouts.
type TimeoutsConfig struct {
	Shutdown  time.Duration `yaml:"shutdown"`
	ReadPoll  time.Duration `yaml:"read_poll"`
	Ready     time.Duration `yaml:"ready"`
	Settle    time.Duration `yaml:"settle"`
	Handshake time.Duration `yaml:"handshake"`
	Request   time.Duration `yaml:"request"`
}

// ShardConfig tunes the shard pool monitor.
type ShardConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Backoff      time.Duration `yaml:"backoff"`
	// RestartLimit of 0 means twice the shard count.
	RestartLimit int `yaml:"restart_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatusConfig enables the fleet status API when Listen is set.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		App:       "examples/hello:app",
		Adapter:   "raw",
		Host:      "127.0.0.1",
		Port:      8080,
		Workers:   1,
		Shards:    1,
		Codec:     "fast",
		Platform:  "auto",
		WSGISlots: 64,
		Timeouts: TimeoutsConfig{
			Shutdown:  10 * time.Second,
			ReadPoll:  5 * time.Second,
			Ready:     10 * time.Second,
			Settle:    time.Second,
			Handshake: 5 * time.Second,
			Request:   30 * time.Second,
		},
		Shard: ShardConfig{
			PollInterval: 500 * time.Millisecond,
			Backoff:      time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
