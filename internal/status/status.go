// Package status stores one JSON status record per provisioned path.
//
// Records are created by provisioning only. Set rewrites an existing record
// and never inserts, so a typo in a path surfaces as txn.ErrNotProvisioned
// instead of a silently created record.
package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/store"
	"github.com/roach88/kbq/internal/txn"
)

const engineName = "status"

// Record is the status of one path.
type Record struct {
	ID        int64           `json:"id"`
	Path      string          `json:"path"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Table is the status engine over kb_status.
type Table struct {
	db     *sql.DB
	runner *txn.Runner
}

// New creates the engine. A nil runner gets the default policy.
func New(db *sql.DB, runner *txn.Runner) *Table {
	if runner == nil {
		runner = txn.NewRunner(db)
	}
	return &Table{db: db, runner: runner}
}

func scanRecord(row slot.Scanner) (*Record, error) {
	var (
		r       Record
		payload []byte
	)
	if err := row.Scan(&r.ID, &r.Path, &payload, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Payload = payload
	return &r, nil
}

// Get returns the record of path.
func (t *Table) Get(ctx context.Context, path string) (*Record, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return nil, err
	}
	r, err := scanRecord(t.db.QueryRowContext(ctx, `
		SELECT id, path::text, payload, updated_at
		FROM `+store.StatusTable+`
		WHERE path = $1
	`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txn.ErrNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	return r, nil
}

// Set replaces the payload of path's record.
func (t *Table) Set(ctx context.Context, path string, payload json.RawMessage) error {
	path, err := kbpath.Clean(path)
	if err != nil {
		return err
	}
	if err := slot.ValidatePayload(payload); err != nil {
		return err
	}

	op := txn.Op{Engine: engineName, Name: "set", Path: path}
	err = t.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE `+store.StatusTable+`
			SET payload = $2, updated_at = NOW()
			WHERE path = $1
		`, path, string(payload))
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return txn.ErrNotProvisioned
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("status updated", "path", path)
	return nil
}

// List returns every record at or beneath prefix, ordered by path.
func (t *Table) List(ctx context.Context, prefix string) ([]Record, error) {
	where, args, err := slot.PrefixFilter("path", prefix, nil)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, path::text, payload, updated_at
		FROM `+store.StatusTable+`
		WHERE `+where+`
		ORDER BY path
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query status records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status records: %w", err)
	}
	return records, nil
}
