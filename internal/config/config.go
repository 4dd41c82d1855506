// Package config loads runtime settings from the environment, optionally
// seeded from .env files.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"postflow/internal/backoff"
	"postflow/internal/credential"
	"postflow/internal/queue"
	"postflow/internal/scheduler"
	"postflow/internal/secrets"
	"postflow/internal/transport"
)

// Prefix is prepended to every variable name.
const Prefix = "POSTFLOW_"

var (
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	DBPath    string `env:"DB" envDefault:"postflow.db"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	Debug     bool   `env:"DEBUG"`

	// RedisURL moves the dedup window to Redis when set.
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"postflow:sent:"`

	// SecretKey is a base64 32-byte key. Without it credentials stay in memory.
	SecretKey       string `env:"SECRET_KEY"`
	CredentialsPath string `env:"CREDENTIALS_PATH" envDefault:"credentials.bin"`

	// ProbeAddr is dialed to detect connectivity; empty disables probing.
	ProbeAddr     string        `env:"PROBE_ADDR" envDefault:"api.x.com:443"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`

	DrainBatch     int           `env:"DRAIN_BATCH" envDefault:"20"`
	DedupWindow    time.Duration `env:"DEDUP_WINDOW" envDefault:"5m"`
	DedupThreshold float64       `env:"DEDUP_THRESHOLD" envDefault:"0.9"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

	Queue       queue.Config      `envPrefix:"QUEUE_"`
	Backoff     backoff.Policy    `envPrefix:"BACKOFF_"`
	Credential  credential.Config `envPrefix:"CREDENTIAL_"`
	Transport   transport.Config
	Maintenance scheduler.Config `envPrefix:"MAINTENANCE_"`
}

// Load reads the given .env files (or ./.env when none are given and it
// exists) and parses the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DrainBatch < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_BATCH must not be negative"))
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("DEDUP_THRESHOLD must be in (0, 1]"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		errs = append(errs, fmt.Errorf("BACKOFF_MAX_DELAY must not be below BACKOFF_BASE_DELAY"))
	}
	if c.SecretKey != "" {
		if _, err := c.SecretKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	for name, spec := range map[string]string{
		"MAINTENANCE_SWEEP_SPEC":    c.Maintenance.SweepSpec,
		"MAINTENANCE_WATCHDOG_SPEC": c.Maintenance.WatchdogSpec,
		"MAINTENANCE_PURGE_SPEC":    c.Maintenance.PurgeSpec,
	} {
		if spec == "" {
			continue
		}
		if err := scheduler.ValidateSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// SecretKeyBytes decodes SecretKey.
func (c Config) SecretKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("SECRET_KEY: %w", err)
	}
	if len(key) != secrets.KeySize {
		return nil, fmt.Errorf("SECRET_KEY: %w", secrets.ErrInvalidKey)
	}
	return key, nil
}
