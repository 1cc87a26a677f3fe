package txn

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// AdvisoryKey derives the advisory lock key for (table, path). The key must
// be identical across processes and releases, so it is a fixed FNV-1a
// hash rather than anything seeded per process.
func AdvisoryKey(table, path string) int64 {
	h := fnv.New64a()
	h.Write([]byte(table))
	h.Write([]byte{':'})
	h.Write([]byte(path))
	return int64(h.Sum64())
}

// LockPath takes a transaction-scoped advisory lock on (table, path).
// The lock is released when tx commits or rolls back.
func LockPath(ctx context.Context, tx *sql.Tx, table, path string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, AdvisoryKey(table, path)); err != nil {
		return fmt.Errorf("advisory lock %s:%s: %w", table, path, err)
	}
	return nil
}
