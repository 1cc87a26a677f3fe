package rpcserver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/store"
)

const slotColumns = `id, server_path::text, request_id::text, action, payload, requested_at,
	tag, priority, state, processing_at, completed_at, reply_to_path::text`

// ListOptions pages ListByState by request time.
type ListOptions = slot.ListOptions

// Counts is the per-state breakdown of one server path.
type Counts struct {
	Empty      int64 `json:"empty"`
	NewJob     int64 `json:"new_job"`
	Processing int64 `json:"processing"`
}

// Total is the provisioned capacity of the path.
func (c Counts) Total() int64 {
	return c.Empty + c.NewJob + c.Processing
}

// Of returns the count for one state.
func (c Counts) Of(s State) int64 {
	switch s {
	case StateEmpty:
		return c.Empty
	case StateNewJob:
		return c.NewJob
	case StateProcessing:
		return c.Processing
	}
	return 0
}

func scanSlot(row slot.Scanner) (*Slot, error) {
	var (
		s                         Slot
		payload                   []byte
		state                     string
		processingAt, completedAt sql.NullTime
		replyTo                   sql.NullString
	)
	err := row.Scan(&s.ID, &s.ServerPath, &s.RequestID, &s.Action, &payload, &s.RequestedAt,
		&s.Tag, &s.Priority, &state, &processingAt, &completedAt, &replyTo)
	if err != nil {
		return nil, err
	}
	s.Payload = payload
	s.State = State(state)
	s.ProcessingAt = slot.TimePtr(processingAt)
	s.CompletedAt = slot.TimePtr(completedAt)
	s.ReplyTo = replyTo.String
	return &s, nil
}

// CountByState returns the number of slots of serverPath in state.
func (q *Queue) CountByState(ctx context.Context, serverPath string, state State) (int64, error) {
	serverPath, err := kbpath.Clean(serverPath)
	if err != nil {
		return 0, err
	}
	if state, err = ParseState(string(state)); err != nil {
		return 0, err
	}
	return slot.Count(ctx, q.db, `
		SELECT COUNT(*) FROM `+store.RPCServerTable+`
		WHERE server_path = $1 AND state = $2
	`, serverPath, string(state))
}

// Counts returns every per-state count of serverPath in one read.
func (q *Queue) Counts(ctx context.Context, serverPath string) (Counts, error) {
	serverPath, err := kbpath.Clean(serverPath)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	err = q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'empty'),
			COUNT(*) FILTER (WHERE state = 'new_job'),
			COUNT(*) FILTER (WHERE state = 'processing')
		FROM `+store.RPCServerTable+`
		WHERE server_path = $1
	`, serverPath).Scan(&c.Empty, &c.NewJob, &c.Processing)
	if err != nil {
		return Counts{}, fmt.Errorf("count requests: %w", err)
	}
	return c, nil
}

// ListByState returns the slots of serverPath in state. New jobs are listed
// in claim order (priority, then request time); other states by request time.
func (q *Queue) ListByState(ctx context.Context, serverPath string, state State, opts ListOptions) ([]Slot, error) {
	serverPath, err := kbpath.Clean(serverPath)
	if err != nil {
		return nil, err
	}
	if state, err = ParseState(string(state)); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	order := opts.Order("requested_at")
	if state == StateNewJob && !opts.Descending {
		order = "priority DESC, " + order
	}
	args := []any{serverPath, string(state)}
	bounds, args := opts.Bounds("requested_at", args)
	page, args := opts.Page(args)
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM `+store.RPCServerTable+`
		WHERE server_path = $1 AND state = $2`+bounds+`
		ORDER BY `+order+page, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	return collect(rows)
}

// Slots returns every request slot at or beneath prefix, ordered by path and
// id. An empty prefix returns the whole table.
func (q *Queue) Slots(ctx context.Context, prefix string) ([]Slot, error) {
	where, args, err := slot.PrefixFilter("server_path", prefix, nil)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM `+store.RPCServerTable+`
		WHERE `+where+`
		ORDER BY server_path, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query request slots: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Slot, error) {
	defer rows.Close()

	slots := []Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		slots = append(slots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return slots, nil
}
