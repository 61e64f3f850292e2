// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds the settings shared by the toolledger binaries. Each binary
// reads the fields it needs.
type Config struct {
	Port            string        `env:"PORT,default=8080"`
	ServiceName     string        `env:"SERVICE_NAME,default=toolledger"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	StoreDriver string `env:"STORE_DRIVER,default=memory"`
	DatabaseURL string `env:"DATABASE_URL"`

	CatalogServiceURL   string `env:"CATALOG_SERVICE_URL"`
	DirectoryServiceURL string `env:"DIRECTORY_SERVICE_URL"`
	LedgerServiceURL    string `env:"LEDGER_SERVICE_URL,default=http://localhost:8082"`

	NotifySink       string  `env:"NOTIFY_SINK,default=log"`
	NotifyBuffer     int     `env:"NOTIFY_BUFFER,default=256"`
	GatewayURL       string  `env:"GATEWAY_WEBHOOK_URL"`
	GatewayRateLimit float64 `env:"GATEWAY_RATE_LIMIT,default=20"`
	RedisAddr        string  `env:"REDIS_ADDR,default=localhost:6379"`
	RedisChannel     string  `env:"REDIS_CHANNEL,default=toolledger.notifications"`

	OverdueAfter    time.Duration `env:"OVERDUE_AFTER,default=168h"`
	OverdueSchedule string        `env:"OVERDUE_SCHEDULE"`

	AdminKeyHash string `env:"ADMIN_KEY_HASH"`
	AdminKeySalt string `env:"ADMIN_KEY_SALT"`

	RetryAttempts int           `env:"CONFLICT_RETRY_ATTEMPTS,default=3"`
	RetryInitial  time.Duration `env:"CONFLICT_RETRY_INITIAL,default=10ms"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads envFile when it exists, then decodes the environment.
// Variables already set take precedence over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the binaries cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.NotifySink {
	case "log", "redis":
	case "webhook":
		if c.GatewayURL == "" {
			return errors.New("GATEWAY_WEBHOOK_URL is required for the webhook sink")
		}
	default:
		return fmt.Errorf("unknown NOTIFY_SINK %q", c.NotifySink)
	}

	if c.RetryAttempts < 1 {
		return errors.New("CONFLICT_RETRY_ATTEMPTS must be at least 1")
	}
	if (c.AdminKeyHash == "") != (c.AdminKeySalt == "") {
		return errors.New("ADMIN_KEY_HASH and ADMIN_KEY_SALT must be set together")
	}
	return nil
}
