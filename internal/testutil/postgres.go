package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbq/internal/store"
)

// DSNEnv names the environment variable holding the integration database DSN.
const DSNEnv = "KBQ_TEST_DSN"

// Postgres opens the integration database and applies the schema.
// The test is skipped when KBQ_TEST_DSN is unset.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", DSNEnv)
	}

	ctx := context.Background()
	s, err := store.Open(ctx, dsn, store.Options{MaxOpenConns: 16})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, store.ApplySchema(ctx, s.DB()))
	return s.DB()
}

// Root returns a fresh top-level label so that tests sharing one database
// never see each other's slots. Rows beneath it are deleted at cleanup.
func Root(t *testing.T, db *sql.DB) string {
	t.Helper()
	root := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	t.Cleanup(func() {
		ctx := context.Background()
		for table, column := range pathColumns {
			db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s <@ $1::ltree", table, column), root)
		}
	})
	return root
}

var pathColumns = map[string]string{
	store.JobTable:       "path",
	store.RPCServerTable: "server_path",
	store.RPCClientTable: "client_path",
	store.StreamTable:    "path",
	store.StatusTable:    "path",
}

// Fill pre-allocates n baseline rows of table at path.
func Fill(t *testing.T, db *sql.DB, table, path string, n int) {
	t.Helper()
	ctx := context.Background()

	var query string
	switch table {
	case store.JobTable:
		query = `INSERT INTO kb_job_slots (path, completed_at) VALUES ($1, NOW())`
	case store.RPCServerTable:
		query = `INSERT INTO kb_rpc_server_slots (server_path, completed_at) VALUES ($1, NOW())`
	case store.RPCClientTable:
		query = `INSERT INTO kb_rpc_client_slots (client_path, server_path) VALUES ($1, $1)`
	case store.StreamTable:
		query = `INSERT INTO kb_stream_slots (path, recorded_at) VALUES ($1, NOW() - INTERVAL '1 day')`
	case store.StatusTable:
		query = `INSERT INTO kb_status (path) VALUES ($1)`
	default:
		t.Fatalf("unknown table %s", table)
	}
	for i := 0; i < n; i++ {
		_, err := db.ExecContext(ctx, query, path)
		require.NoError(t, err)
	}
}
