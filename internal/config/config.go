// Package config loads relay settings from ~/.msgrelay/config.toml, an
// optional .env file and MSGRELAY_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MSGRELAY_"

// Config represents the global ~/.msgrelay/config.toml.
type Config struct {
	DefaultProfile string          `toml:"default_profile" env:"DEFAULT_PROFILE"`
	Remote         RemoteConfig    `toml:"remote" envPrefix:"REMOTE_"`
	Sync           SyncConfig      `toml:"sync" envPrefix:"SYNC_"`
	Outbox         OutboxConfig    `toml:"outbox" envPrefix:"OUTBOX_"`
	Transport      TransportConfig `toml:"transport" envPrefix:"TRANSPORT_"`
	Fragment       FragmentConfig  `toml:"fragment" envPrefix:"FRAGMENT_"`
}

// RemoteConfig points at the remote message service.
type RemoteConfig struct {
	BaseURL           string        `toml:"base_url" env:"BASE_URL"`
	Token             string        `toml:"token" env:"TOKEN"`
	Timeout           time.Duration `toml:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `toml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int           `toml:"burst" env:"BURST"`
}

// SyncConfig tunes the background sync scheduler.
type SyncConfig struct {
	Interval    time.Duration `toml:"interval" env:"INTERVAL"`
	Concurrency int           `toml:"concurrency" env:"CONCURRENCY"`
	Retention   time.Duration `toml:"retention" env:"RETENTION"`
}

// OutboxConfig tunes the outbound sender.
type OutboxConfig struct {
	PollInterval time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
}

// TransportConfig describes the AMQP host platform. An empty AMQPURL
// disables the gateway.
type TransportConfig struct {
	AMQPURL          string `toml:"amqp_url" env:"AMQP_URL"`
	InboundExchange  string `toml:"inbound_exchange" env:"INBOUND_EXCHANGE"`
	InboundQueue     string `toml:"inbound_queue" env:"INBOUND_QUEUE"`
	InboundKey       string `toml:"inbound_key" env:"INBOUND_KEY"`
	ReceiptExchange  string `toml:"receipt_exchange" env:"RECEIPT_EXCHANGE"`
	ReceiptQueue     string `toml:"receipt_queue" env:"RECEIPT_QUEUE"`
	ReceiptKey       string `toml:"receipt_key" env:"RECEIPT_KEY"`
	OutboundExchange string `toml:"outbound_exchange" env:"OUTBOUND_EXCHANGE"`
	OutboundKey      string `toml:"outbound_key" env:"OUTBOUND_KEY"`
	Workers          int    `toml:"workers" env:"WORKERS"`
}

// FragmentConfig tunes the reassembly sweeper.
type FragmentConfig struct {
	SweepInterval time.Duration `toml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// Default returns a config with every value set.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Remote: RemoteConfig{
			Timeout:           15 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Sync: SyncConfig{
			Interval:    time.Minute,
			Concurrency: 4,
			Retention:   7 * 24 * time.Hour,
		},
		Outbox: OutboxConfig{PollInterval: 500 * time.Millisecond},
		Transport: TransportConfig{
			InboundExchange:  "relay.inbound",
			InboundQueue:     "msgrelay.fragments",
			InboundKey:       "fragments.#",
			ReceiptExchange:  "relay.receipts",
			ReceiptQueue:     "msgrelay.receipts",
			ReceiptKey:       "receipts.#",
			OutboundExchange: "relay.outbound",
			OutboundKey:      "send.text",
			Workers:          2,
		},
		Fragment: FragmentConfig{SweepInterval: 10 * time.Second},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read builds the effective config: defaults, then the file at path if it
// exists, then dotenv (if non-empty and present), then the process
// environment.
func Read(path, dotenv string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from MSGRELAY_* variables. A nil environ reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	return env.ParseWithOptions(cfg, opts)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
