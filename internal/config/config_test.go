package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbq/internal/txn"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, txn.DefaultPolicy(), cfg.Policy())
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://kb@localhost/kb?sslmode=disable
  max_open_conns: 4
  conn_max_lifetime: 5m
retry:
  max_attempts: 8
  base_delay: 50ms
log:
  level: debug
  format: json
poll:
  rate: 2.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://kb@localhost/kb?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns, "unset fields keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, txn.DefaultMaxDelay, cfg.Retry.MaxDelay)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2.5, cfg.Poll.Rate)
	assert.Equal(t, 1, cfg.Poll.Burst)
	require.NoError(t, cfg.Validate())

	opts := cfg.StoreOptions()
	assert.Equal(t, 4, opts.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, opts.ConnMaxLifetime)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  dns: oops\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field dns not found")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("KBQ_DSN", "postgres://env/kb")
	t.Setenv("KBQ_DB_MAX_OPEN_CONNS", "7")
	t.Setenv("KBQ_DB_CONN_MAX_LIFETIME", "1h")
	t.Setenv("KBQ_RETRY_MAX_ATTEMPTS", "2")
	t.Setenv("KBQ_RETRY_MAX_DELAY", "1s")
	t.Setenv("KBQ_LOG_LEVEL", "warn")
	t.Setenv("KBQ_POLL_RATE", "0.5")
	t.Setenv("KBQ_POLL_BURST", "3")

	cfg := Default()
	require.NoError(t, FromEnv(&cfg))

	assert.Equal(t, "postgres://env/kb", cfg.Database.DSN)
	assert.Equal(t, 7, cfg.Database.MaxOpenConns)
	assert.Equal(t, time.Hour, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 0.5, cfg.Poll.Rate)
	assert.Equal(t, 3, cfg.Poll.Burst)
}

func TestFromEnvMalformed(t *testing.T) {
	tests := []struct {
		name string
		val  string
	}{
		{name: "KBQ_DB_MAX_IDLE_CONNS", val: "many"},
		{name: "KBQ_RETRY_BASE_DELAY", val: "soon"},
		{name: "KBQ_POLL_RATE", val: "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.name, tt.val)
			cfg := Default()
			err := FromEnv(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "negative open conns", mutate: func(c *Config) { c.Database.MaxOpenConns = -1 }, field: "database.max_open_conns"},
		{name: "negative idle conns", mutate: func(c *Config) { c.Database.MaxIdleConns = -1 }, field: "database.max_idle_conns"},
		{name: "zero attempts", mutate: func(c *Config) { c.Retry.MaxAttempts = 0 }, field: "retry.max_attempts"},
		{name: "negative delay", mutate: func(c *Config) { c.Retry.BaseDelay = -time.Second }, field: "retry"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, field: "log.level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, field: "log.format"},
		{name: "zero rate", mutate: func(c *Config) { c.Poll.Rate = 0 }, field: "poll.rate"},
		{name: "zero burst", mutate: func(c *Config) { c.Poll.Burst = 0 }, field: "poll.burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ve *txn.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Log{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "path", "svc")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"path":"svc"`)

	buf.Reset()
	logger, err = Log{Level: "DEBUG", Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("detail")
	assert.Contains(t, buf.String(), "msg=detail")
}
