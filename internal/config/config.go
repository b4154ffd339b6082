package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	DatabaseURL string
	AMQPURL     string
	HTTPAddr    string

	TransactionsQueue   string
	SettlementsExchange string

	IntakeWorkers     int
	IntakePrefetch    int
	IntakeMaxAttempts int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// RedisAddr enables per-caller rate limiting on the query surface when
	// set. Empty disables it.
	RedisAddr string

	// AuditSink is a file path for the settlement audit trail. Empty keeps
	// the trail in memory only.
	AuditSink string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:         envOr("APP_ENV", "development"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		HTTPAddr:            envOr("HTTP_ADDR", ":8080"),
		TransactionsQueue:   envOr("TRANSACTIONS_QUEUE", "ledger.transactions"),
		SettlementsExchange: envOr("SETTLEMENTS_EXCHANGE", "ledger.settlements"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		AuditSink:           os.Getenv("AUDIT_SINK"),
	}

	var err error
	if cfg.IntakeWorkers, err = envInt("INTAKE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.IntakePrefetch, err = envInt("INTAKE_PREFETCH", 16); err != nil {
		return nil, err
	}
	if cfg.IntakeMaxAttempts, err = envInt("INTAKE_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.OutboxBatchSize, err = envInt("OUTBOX_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.OutboxPollInterval, err = envDuration("OUTBOX_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is complete and coherent.
func (c *Config) Validate() error {
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.AMQPURL == "" {
		missing = append(missing, "AMQP_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.IntakeWorkers < 1 {
		return errors.New("INTAKE_WORKERS must be at least 1")
	}
	if c.IntakeMaxAttempts < 1 {
		return errors.New("INTAKE_MAX_ATTEMPTS must be at least 1")
	}
	if c.OutboxBatchSize < 1 {
		return errors.New("OUTBOX_BATCH_SIZE must be at least 1")
	}
	if c.OutboxPollInterval <= 0 {
		return errors.New("OUTBOX_POLL_INTERVAL must be positive")
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New(key + " must be a duration such as 500ms or 2s")
	}
	return v, nil
}
