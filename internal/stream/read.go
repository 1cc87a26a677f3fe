package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/store"
)

const entryColumns = `id, path::text, recorded_at, valid, payload`

// ListOptions pages List by recorded time.
type ListOptions = slot.ListOptions

// Stats summarizes the valid entries of a path. Intervals are the gaps in
// seconds between consecutive entries in recorded order; they are zero
// when fewer than two entries exist.
type Stats struct {
	Count        int64      `json:"count"`
	First        *time.Time `json:"first,omitempty"`
	Last         *time.Time `json:"last,omitempty"`
	MeanInterval float64    `json:"mean_interval_seconds"`
	MinInterval  float64    `json:"min_interval_seconds"`
	MaxInterval  float64    `json:"max_interval_seconds"`
}

func scanEntry(row slot.Scanner) (*Entry, error) {
	var (
		e       Entry
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Path, &e.RecordedAt, &e.Valid, &payload); err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

// Latest returns the most recent valid entry of path, or nil.
func (s *Stream) Latest(ctx context.Context, path string) (*Entry, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return nil, err
	}
	e, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM `+store.StreamTable+`
		WHERE path = $1 AND valid = TRUE
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest entry: %w", err)
	}
	return e, nil
}

// Get returns the entry with id, valid or not, or nil when no slot has it.
func (s *Stream) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM `+store.StreamTable+`
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query entry %d: %w", id, err)
	}
	return e, nil
}

// Count returns the number of valid entries of path; with includeInvalid
// it returns the provisioned capacity.
func (s *Stream) Count(ctx context.Context, path string, includeInvalid bool) (int64, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + store.StreamTable + ` WHERE path = $1`
	if !includeInvalid {
		query += ` AND valid = TRUE`
	}
	return slot.Count(ctx, s.db, query, path)
}

// List returns valid entries of path ordered by recorded time.
func (s *Stream) List(ctx context.Context, path string, opts ListOptions) ([]Entry, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	args := []any{path}
	bounds, args := opts.Bounds("recorded_at", args)
	page, args := opts.Page(args)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM `+store.StreamTable+`
		WHERE path = $1 AND valid = TRUE`+bounds+`
		ORDER BY `+opts.Order("recorded_at")+page, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return collect(rows)
}

// Stats computes inter-arrival statistics over the valid entries of path.
func (s *Stream) Stats(ctx context.Context, path string) (Stats, error) {
	path, err := kbpath.Clean(path)
	if err != nil {
		return Stats{}, err
	}

	var (
		st           Stats
		first, last  sql.NullTime
		mean, lo, hi sql.NullFloat64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(recorded_at), MAX(recorded_at), AVG(gap), MIN(gap), MAX(gap)
		FROM (
			SELECT recorded_at,
			       EXTRACT(EPOCH FROM recorded_at - LAG(recorded_at) OVER (ORDER BY recorded_at, id))::float8 AS gap
			FROM `+store.StreamTable+`
			WHERE path = $1 AND valid = TRUE
		) AS gaps
	`, path).Scan(&st.Count, &first, &last, &mean, &lo, &hi)
	if err != nil {
		return Stats{}, fmt.Errorf("query stream stats: %w", err)
	}
	st.First = slot.TimePtr(first)
	st.Last = slot.TimePtr(last)
	st.MeanInterval = mean.Float64
	st.MinInterval = lo.Float64
	st.MaxInterval = hi.Float64
	return st, nil
}

// Slots returns every stream slot at or beneath prefix, ordered by path and
// recorded time. An empty prefix returns the whole table.
func (s *Stream) Slots(ctx context.Context, prefix string) ([]Entry, error) {
	where, args, err := slot.PrefixFilter("path", prefix, nil)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM `+store.StreamTable+`
		WHERE `+where+`
		ORDER BY path, recorded_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stream slots: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
