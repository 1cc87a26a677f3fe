package testutil

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbq/internal/txn"
)

// FastPolicy retries three times with millisecond delays.
var FastPolicy = txn.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// Mock returns a sqlmock database. Unmet expectations fail the test at cleanup.
func Mock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

// Runner returns a runner over db with FastPolicy and a silent logger.
func Runner(db *sql.DB, opts ...txn.Option) *txn.Runner {
	opts = append([]txn.Option{
		txn.WithPolicy(FastPolicy),
		txn.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return txn.NewRunner(db, opts...)
}
