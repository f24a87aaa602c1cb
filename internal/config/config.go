package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverBbolt  = "bbolt"
	DriverSqlite = "sqlite"
)

type Config struct {
	RelayAddr   string
	OpsAddr     string
	StoreDriver string
	DBFile      string

	// Engine timing knobs.
	TypingTTL       time.Duration // typing entry lifetime since last signal
	PollInterval    time.Duration // history re-fetch period in fallback mode
	ReconcileWindow time.Duration // optimistic match window around CreatedAt
	SentGrace       time.Duration // how long a confirmed message stays "sent"
	StartupWindow   time.Duration // time for a push source to confirm liveness
}

func Load() (*Config, error) {
	// Missing .env is fine, plain environment variables still apply.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}

	cfg := &Config{
		RelayAddr:   getEnv("RELAY_ADDR", ":8080"),
		OpsAddr:     getEnv("OPS_ADDR", "localhost:8081"),
		StoreDriver: getEnv("STORE_DRIVER", DriverBbolt),
		DBFile:      getEnv("MOLVA_DB", "molva.db"),
	}

	var err error
	if cfg.TypingTTL, err = getDuration("TYPING_TTL", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileWindow, err = getDuration("RECONCILE_WINDOW", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SentGrace, err = getDuration("SENT_GRACE", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.StartupWindow, err = getDuration("STARTUP_WINDOW", 5*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.StoreDriver != DriverBbolt && c.StoreDriver != DriverSqlite {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverBbolt, DriverSqlite, c.StoreDriver)
	}

	for name, d := range map[string]time.Duration{
		"TYPING_TTL":       c.TypingTTL,
		"POLL_INTERVAL":    c.PollInterval,
		"RECONCILE_WINDOW": c.ReconcileWindow,
		"SENT_GRACE":       c.SentGrace,
		"STARTUP_WINDOW":   c.StartupWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
