package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// FromEnv overlays KBQ_* environment variables onto cfg. Unset or empty
// variables leave the field alone; malformed values are an error.
func FromEnv(cfg *Config) error {
	if v := os.Getenv("KBQ_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if err := envInt("KBQ_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns); err != nil {
		return err
	}
	if err := envInt("KBQ_DB_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns); err != nil {
		return err
	}
	if err := envDuration("KBQ_DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime); err != nil {
		return err
	}
	if err := envInt("KBQ_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts); err != nil {
		return err
	}
	if err := envDuration("KBQ_RETRY_BASE_DELAY", &cfg.Retry.BaseDelay); err != nil {
		return err
	}
	if err := envDuration("KBQ_RETRY_MAX_DELAY", &cfg.Retry.MaxDelay); err != nil {
		return err
	}
	if v := os.Getenv("KBQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("KBQ_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("KBQ_POLL_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KBQ_POLL_RATE: %w", err)
		}
		cfg.Poll.Rate = f
	}
	return envInt("KBQ_POLL_BURST", &cfg.Poll.Burst)
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}
