package jobqueue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/store"
)

const jobColumns = `id, path::text, payload, scheduled_at, started_at, completed_at, occupied, active`

// ListOptions pages listings. Time bounds apply to the column each listing
// orders by.
type ListOptions = slot.ListOptions

// Counts is a point-in-time breakdown of one path's slots.
type Counts struct {
	Free     int64 `json:"free"`
	Pending  int64 `json:"pending"`
	Active   int64 `json:"active"`
	Capacity int64 `json:"capacity"`
}

func scanJob(row slot.Scanner) (*Job, error) {
	var (
		j                               Job
		payload                         []byte
		scheduled, started, completedAt sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.Path, &payload, &scheduled, &started, &completedAt, &j.Occupied, &j.Active); err != nil {
		return nil, err
	}
	j.Payload = payload
	j.ScheduledAt = slot.TimePtr(scheduled)
	j.StartedAt = slot.TimePtr(started)
	j.CompletedAt = slot.TimePtr(completedAt)
	return &j, nil
}

// FreeCount returns the number of unoccupied slots of path. Read-only.
func (q *Queue) FreeCount(ctx context.Context, path string) (int64, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return 0, err
	}
	return slot.Count(ctx, q.db, `
		SELECT COUNT(*) FROM `+store.JobTable+`
		WHERE path = $1 AND occupied = FALSE
	`, path)
}

// OccupiedCount returns the number of occupied slots of path, pending and
// active alike. Read-only.
func (q *Queue) OccupiedCount(ctx context.Context, path string) (int64, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return 0, err
	}
	return slot.Count(ctx, q.db, `
		SELECT COUNT(*) FROM `+store.JobTable+`
		WHERE path = $1 AND occupied = TRUE
	`, path)
}

// Counts returns free, pending, and active counts of path in one read.
func (q *Queue) Counts(ctx context.Context, path string) (Counts, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	err = q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT occupied),
			COUNT(*) FILTER (WHERE occupied AND NOT active),
			COUNT(*) FILTER (WHERE occupied AND active),
			COUNT(*)
		FROM `+store.JobTable+`
		WHERE path = $1
	`, path).Scan(&c.Free, &c.Pending, &c.Active, &c.Capacity)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

// ListPending returns occupied jobs not yet claimed, by scheduled time.
func (q *Queue) ListPending(ctx context.Context, path string, opts ListOptions) ([]Job, error) {
	return q.list(ctx, path, "occupied AND NOT active", "scheduled_at", opts)
}

// ListActive returns claimed jobs, by start time.
func (q *Queue) ListActive(ctx context.Context, path string, opts ListOptions) ([]Job, error) {
	return q.list(ctx, path, "occupied AND active", "started_at", opts)
}

// ListCompleted returns free slots that held a job, by completion time.
// Slots reset by Clear are included.
func (q *Queue) ListCompleted(ctx context.Context, path string, opts ListOptions) ([]Job, error) {
	return q.list(ctx, path, "NOT occupied AND completed_at IS NOT NULL", "completed_at", opts)
}

func (q *Queue) list(ctx context.Context, path, state, column string, opts ListOptions) ([]Job, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	args := []any{path}
	bounds, args := opts.Bounds(column, args)
	page, args := opts.Page(args)
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM `+store.JobTable+`
		WHERE path = $1 AND `+state+bounds+`
		ORDER BY `+opts.Order(column)+page, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return collect(rows)
}

// Slots returns every job slot at or beneath prefix, ordered by path and id.
// An empty prefix returns the whole table.
func (q *Queue) Slots(ctx context.Context, prefix string) ([]Job, error) {
	where, args, err := slot.PrefixFilter("path", prefix, nil)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM `+store.JobTable+`
		WHERE `+where+`
		ORDER BY path, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query job slots: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
