package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config is the process configuration, populated from the environment with
// an optional .env file. CLI flags may override individual fields after
// loading; components receive values explicitly and never read ambient
// process state themselves.
type Config struct {
	DataDir         string `env:"DATA_DIR" envDefault:"./data"`
	Account         string `env:"ACCOUNT" envDefault:"default"`
	CredentialsPath string `env:"CREDENTIALS_FILE" envDefault:"credentials.json"`

	Workers              int           `env:"SYNC_WORKERS" envDefault:"16"`
	MaxRetries           int           `env:"SYNC_MAX_RETRIES" envDefault:"3"`
	FailureRateThreshold float64       `env:"SYNC_FAILURE_THRESHOLD" envDefault:"0.5"`
	SyncInterval         time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	// NATSURL enables the message.indexed event feed when set.
	NATSURL  string `env:"NATS_URL"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments configure the environment
	// directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	return cfg, nil
}

// AccountDir is the per-account data directory holding the database and
// the cached token.
func (c *Config) AccountDir() string {
	return filepath.Join(c.DataDir, c.Account)
}
