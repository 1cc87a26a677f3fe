package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kbq/internal/store"
	"github.com/roach88/kbq/internal/txn"
)

// Config is the top-level configuration loaded from file, env, and flags.
type Config struct {
	Database Database `yaml:"database"`
	Retry    Retry    `yaml:"retry"`
	Log      Log      `yaml:"log"`
	Poll     Poll     `yaml:"poll"`
}

// Database configures the PostgreSQL pool.
type Database struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Retry bounds the retry loop for transient conflicts.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Poll paces idle polls of drain loops.
type Poll struct {
	// Rate is idle polls per second.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Database: Database{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Retry: Retry{
			MaxAttempts: txn.DefaultMaxAttempts,
			BaseDelay:   txn.DefaultBaseDelay,
			MaxDelay:    txn.DefaultMaxDelay,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Poll: Poll{
			Rate:  10,
			Burst: 1,
		},
	}
}

// Load reads a YAML configuration file over the defaults. If path is
// empty, returns defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations. The DSN is not checked
// here since commands that never touch the database do not need one.
func (c Config) Validate() error {
	if c.Database.MaxOpenConns < 0 {
		return txn.Invalid("database.max_open_conns", fmt.Sprint(c.Database.MaxOpenConns), "must not be negative")
	}
	if c.Database.MaxIdleConns < 0 {
		return txn.Invalid("database.max_idle_conns", fmt.Sprint(c.Database.MaxIdleConns), "must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return txn.Invalid("retry.max_attempts", fmt.Sprint(c.Retry.MaxAttempts), "must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return txn.Invalid("retry", "", "delays must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return txn.Invalid("log.format", c.Log.Format, "must be text or json")
	}
	if c.Poll.Rate <= 0 {
		return txn.Invalid("poll.rate", fmt.Sprint(c.Poll.Rate), "must be positive")
	}
	if c.Poll.Burst < 1 {
		return txn.Invalid("poll.burst", fmt.Sprint(c.Poll.Burst), "must be at least 1")
	}
	return nil
}

// Policy returns the retry policy for txn.Runner.
func (c Config) Policy() txn.Policy {
	return txn.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// StoreOptions returns the pool settings for store.Open.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return 0, txn.Invalid("log.level", l.Level, "must be debug, info, warn, or error")
	}
	return level, nil
}

// NewLogger builds a text or JSON slog logger writing to w.
func (l Log) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
