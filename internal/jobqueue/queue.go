package jobqueue

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

const engineName = "jobqueue"

// Job is one slot of a job queue.
type Job struct {
	ID          int64           `json:"id"`
	Path        string          `json:"path"`
	Payload     json.RawMessage `json:"payload"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Occupied    bool            `json:"occupied"`
	Active      bool            `json:"active"`
}

// Queue is the job queue engine over kb_job_slots.
//
// A path owns a fixed pool of slots. Push fills a free slot, Claim hands
// the oldest scheduled job to exactly one caller, Complete returns the slot
// to the free pool.
type Queue struct {
	db     *sql.DB
	runner *txn.Runner
}

// New creates a job queue engine. A nil runner gets the default policy.
func New(db *sql.DB, runner *txn.Runner) *Queue {
	if runner == nil {
		runner = txn.NewRunner(db)
	}
	return &Queue{db: db, runner: runner}
}

// Push stores payload in a free slot of path and schedules it immediately.
// Returns the slot id. txn.ErrNoFreeSlot is the backpressure signal.
func (q *Queue) Push(ctx context.Context, path string, payload json.RawMessage) (int64, error) {
	return q.PushDelayed(ctx, path, payload, 0)
}

// PushDelayed is Push with the job becoming claimable only after delay,
// measured on the database clock.
func (q *Queue) PushDelayed(ctx context.Context, path string, payload json.RawMessage, delay time.Duration) (int64, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return 0, err
	}
	if err := slot.ValidatePayload(payload); err != nil {
		return 0, err
	}
	if delay < 0 {
		return 0, txn.Invalid("delay", delay.String(), "delay must not be negative")
	}

	var id int64
	op := txn.Op{Engine: engineName, Name: "push", Path: path}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM `+store.JobTable+`
			WHERE path = $1 AND occupied = FALSE
			ORDER BY completed_at ASC NULLS FIRST, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, path).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return slot.NoCandidate(ctx, tx, `
				SELECT COUNT(*) FROM `+store.JobTable+`
				WHERE path = $1 AND occupied = FALSE
			`, path, txn.ErrNoFreeSlot)
		}
		if err != nil {
			return fmt.Errorf("select free slot: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE `+store.JobTable+`
			SET payload = $2,
			    occupied = TRUE,
			    active = FALSE,
			    scheduled_at = NOW() + ($3 * INTERVAL '1 microsecond'),
			    started_at = NULL,
			    completed_at = NULL
			WHERE id = $1
		`, id, string(payload), delay.Microseconds())
		if err != nil {
			return fmt.Errorf("fill slot %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Debug("job pushed", "path", path, "id", id, "delay", delay)
	return id, nil
}

// Claim marks the next eligible job of path active and returns it.
// Eligible jobs are occupied, not active, and scheduled at or before now;
// the earliest scheduled wins. Returns nil, nil when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, path string) (*Job, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return nil, err
	}

	var job *Job
	op := txn.Op{Engine: engineName, Name: "claim", Path: path}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		job = nil
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM `+store.JobTable+`
			WHERE path = $1
			  AND occupied = TRUE
			  AND active = FALSE
			  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
			ORDER BY scheduled_at ASC NULLS FIRST, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, path)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select job: %w", err)
		}

		var startedAt time.Time
		if err := tx.QueryRowContext(ctx, `
			UPDATE `+store.JobTable+`
			SET active = TRUE, started_at = NOW()
			WHERE id = $1
			RETURNING started_at
		`, j.ID).Scan(&startedAt); err != nil {
			return fmt.Errorf("activate job %d: %w", j.ID, err)
		}
		j.Active = true
		j.StartedAt = &startedAt
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job != nil {
		slog.Debug("job claimed", "path", path, "id", job.ID)
	}
	return job, nil
}

// Complete returns slot id to the free pool. It reports false when the id
// is unknown or the job was already completed. The row lock does not wait:
// contention surfaces as lock-not-available and is retried by the runner.
func (q *Queue) Complete(ctx context.Context, id int64) (bool, error) {
	var done bool
	op := txn.Op{Engine: engineName, Name: "complete"}
	err := q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		done = false
		var locked int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM `+store.JobTable+`
			WHERE id = $1 AND occupied = TRUE
			FOR UPDATE NOWAIT
		`, id).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock job %d: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE `+store.JobTable+`
			SET occupied = FALSE, active = FALSE, completed_at = NOW()
			WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("release job %d: %w", id, err)
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	slog.Debug("job completed", "id", id, "found", done)
	return done, nil
}

// Clear resets every slot of path to the free baseline and returns the
// number of slots reset.
//
// Clear takes an EXCLUSIVE lock on the whole table for the duration of its
// transaction, blocking every concurrent job queue operation on every path.
// Use it in maintenance windows only.
func (q *Queue) Clear(ctx context.Context, path string) (int64, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return 0, err
	}

	var n int64
	op := txn.Op{Engine: engineName, Name: "clear", Path: path}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE `+store.JobTable+` IN EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock table: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE `+store.JobTable+`
			SET payload = '{}',
			    occupied = FALSE,
			    active = FALSE,
			    scheduled_at = NULL,
			    started_at = NULL,
			    completed_at = NOW()
			WHERE path = $1
		`, path)
		if err != nil {
			return fmt.Errorf("reset slots: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("job queue cleared", "path", path, "slots", n)
	return n, nil
}
