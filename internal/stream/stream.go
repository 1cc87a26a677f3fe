package stream

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

const engineName = "stream"

// Entry is one slot of a stream.
type Entry struct {
	ID         int64           `json:"id"`
	Path       string          `json:"path"`
	RecordedAt time.Time       `json:"recorded_at"`
	Valid      bool            `json:"valid"`
	Payload    json.RawMessage `json:"payload"`
}

// Stream is the stream engine over kb_stream_slots.
type Stream struct {
	db     *sql.DB
	runner *txn.Runner
}

// New creates the engine. A nil runner gets the default policy.
func New(db *sql.DB, runner *txn.Runner) *Stream {
	if runner == nil {
		runner = txn.NewRunner(db)
	}
	return &Stream{db: db, runner: runner}
}

// Push overwrites the oldest unlocked slot of path with payload and returns
// the slot id. txn.ErrNotProvisioned when the path has no slots.
//
// Each attempt re-selects the oldest unlocked row; when every row is held
// by concurrent pushers the attempt is retried.
func (s *Stream) Push(ctx context.Context, path string, payload json.RawMessage) (int64, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return 0, err
	}
	if err := slot.ValidatePayload(payload); err != nil {
		return 0, err
	}

	var id int64
	op := txn.Op{Engine: engineName, Name: "push", Path: path}
	err = s.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM `+store.StreamTable+`
			WHERE path = $1
			ORDER BY recorded_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, path).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return slot.NoCandidate(ctx, tx, `
				SELECT COUNT(*) FROM `+store.StreamTable+`
				WHERE path = $1
			`, path, txn.ErrNotProvisioned)
		}
		if err != nil {
			return fmt.Errorf("select oldest slot: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE `+store.StreamTable+`
			SET payload = $2, recorded_at = NOW(), valid = TRUE
			WHERE id = $1
		`, id, string(payload)); err != nil {
			return fmt.Errorf("overwrite slot %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Debug("stream entry pushed", "path", path, "id", id)
	return id, nil
}

// Clear invalidates the entries of path, or only those recorded before
// olderThan when it is set. Slots stay allocated. Returns the number of
// entries invalidated.
func (s *Stream) Clear(ctx context.Context, path string, olderThan *time.Time) (int64, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return 0, err
	}

	query := `UPDATE ` + store.StreamTable + ` SET valid = FALSE WHERE path = $1 AND valid = TRUE`
	args := []any{path}
	if olderThan != nil {
		query += ` AND recorded_at < $2`
		args = append(args, *olderThan)
	}

	var n int64
	op := txn.Op{Engine: engineName, Name: "clear", Path: path}
	err = s.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("invalidate entries: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("stream cleared", "path", path, "entries", n)
	return n, nil
}
