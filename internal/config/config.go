// Package config loads process configuration from .env, the environment
// (TRAINCTL_*) and an optional YAML file, in that order of precedence from
// lowest to highest.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"trainctl/internal/logger"
	"trainctl/internal/store"
)

const envPrefix = "TRAINCTL"

type Config struct {
	// DataDir holds the SQLite database and the worker control files.
	DataDir string `envconfig:"DATA_DIR" default:"." yaml:"data_dir"`
	DBFile  string `envconfig:"DB_FILE" default:"trainctl.db" yaml:"db_file"`
	// Backend selects the job queue store: sqlite or redis.
	Backend   string        `envconfig:"BACKEND" default:"sqlite" yaml:"backend"`
	RedisURL  string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0" yaml:"redis_url"`
	OpTimeout time.Duration `envconfig:"OP_TIMEOUT" default:"5s" yaml:"op_timeout"`

	Log    logger.Config `envconfig:"LOG" yaml:"log"`
	Policy Policy        `envconfig:"POLICY" yaml:"policy"`
	Worker Worker        `envconfig:"WORKER" yaml:"worker"`
	HTTP   HTTP          `envconfig:"HTTP" yaml:"http"`
}

// Policy seeds the config table on first start. After that the table,
// edited with `trainctl config set`, is authoritative.
type Policy struct {
	MaxAttempts       int    `envconfig:"MAX_ATTEMPTS" default:"3" yaml:"max_attempts"`
	BackoffStrategy   string `envconfig:"BACKOFF_STRATEGY" default:"exponential" yaml:"backoff_strategy"`
	BackoffBase       int    `envconfig:"BACKOFF_BASE" default:"2" yaml:"backoff_base"`
	BackoffCapSeconds int    `envconfig:"BACKOFF_CAP_SECONDS" default:"60" yaml:"backoff_cap_seconds"`
	RequiredByDefault bool   `envconfig:"REQUIRED_BY_DEFAULT" default:"true" yaml:"required_by_default"`
	CheckpointEvery   int    `envconfig:"CHECKPOINT_EVERY" default:"0" yaml:"checkpoint_every"`
}

type Worker struct {
	Count int           `envconfig:"COUNT" default:"1" yaml:"count"`
	Rate  float64       `envconfig:"RATE" default:"0" yaml:"rate"`
	Poll  time.Duration `envconfig:"POLL" default:"300ms" yaml:"poll"`
}

type HTTP struct {
	Addr string `envconfig:"ADDR" default:":8080" yaml:"addr"`
}

// Load reads configuration. A missing .env file is ignored; a missing
// config file named explicitly is an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Policy.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1")
	}
	if c.Policy.CheckpointEvery < 0 {
		return fmt.Errorf("config: checkpoint_every must not be negative")
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("config: op_timeout must be positive")
	}
	return nil
}

func (c *Config) DBPath() string {
	if filepath.IsAbs(c.DBFile) {
		return c.DBFile
	}
	return filepath.Join(c.DataDir, c.DBFile)
}

// Seeds returns the policy as config table entries.
func (p Policy) Seeds() map[string]string {
	return map[string]string{
		store.KeyMaxAttempts:       strconv.Itoa(p.MaxAttempts),
		store.KeyBackoffStrategy:   p.BackoffStrategy,
		store.KeyBackoffBase:       strconv.Itoa(p.BackoffBase),
		store.KeyBackoffCapSeconds: strconv.Itoa(p.BackoffCapSeconds),
		store.KeyRequiredByDefault: strconv.FormatBool(p.RequiredByDefault),
		store.KeyCheckpointEvery:   strconv.Itoa(p.CheckpointEvery),
	}
}
