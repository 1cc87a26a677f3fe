// Package slot holds the SQL helpers shared by the exchange engines:
// payload checks, the "none visible" versus "none exist" distinction after a
// skip-locked miss, time windows with paging, and path prefix filters.
package slot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/txn"
)

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ValidatePayload rejects empty or malformed JSON. Engines store payloads
// verbatim and never look inside them.
func ValidatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return txn.Invalid("payload", "", "payload is empty")
	}
	if !json.Valid(payload) {
		return txn.Invalid("payload", abbreviate(string(payload)), "payload is not valid JSON")
	}
	return nil
}

func abbreviate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// NoCandidate is called after a skip-locked select returned no row. It runs
// countQuery (one $1 path argument) inside the same transaction: zero rows
// means the permanent empty result, anything else means every candidate is
// locked by a concurrent transaction and the attempt should be retried.
func NoCandidate(ctx context.Context, tx Querier, countQuery, path string, empty error) error {
	n, err := Count(ctx, tx, countQuery, path)
	if err != nil {
		return err
	}
	if n == 0 {
		return empty
	}
	return txn.ErrContended
}

// Count runs a single-value COUNT query.
func Count(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// TimePtr converts a nullable timestamp column.
func TimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// ListOptions pages through rows ordered by a timestamp column.
// A zero Limit means no limit. After and Before are exclusive bounds.
type ListOptions struct {
	Limit      int
	Offset     int
	After      *time.Time
	Before     *time.Time
	Descending bool
}

// Validate checks the paging and range arguments.
func (o ListOptions) Validate() error {
	if o.Limit < 0 {
		return txn.Invalid("limit", strconv.Itoa(o.Limit), "limit must not be negative")
	}
	if o.Offset < 0 {
		return txn.Invalid("offset", strconv.Itoa(o.Offset), "offset must not be negative")
	}
	if o.After != nil && o.Before != nil && !o.After.Before(*o.Before) {
		return txn.Invalid("range", o.After.Format(time.RFC3339)+".."+o.Before.Format(time.RFC3339),
			"after must be earlier than before")
	}
	return nil
}

// Bounds returns the " AND column > $n" conditions for the time range,
// numbering placeholders after the existing args.
func (o ListOptions) Bounds(column string, args []any) (string, []any) {
	var clause string
	if o.After != nil {
		args = append(args, *o.After)
		clause += " AND " + column + " > $" + strconv.Itoa(len(args))
	}
	if o.Before != nil {
		args = append(args, *o.Before)
		clause += " AND " + column + " < $" + strconv.Itoa(len(args))
	}
	return clause, args
}

// Order returns "column ASC" or "column DESC" followed by id as tie-breaker.
func (o ListOptions) Order(column string) string {
	if o.Descending {
		return column + " DESC, id DESC"
	}
	return column + " ASC, id ASC"
}

// Page returns the LIMIT/OFFSET suffix.
func (o ListOptions) Page(args []any) (string, []any) {
	var clause string
	if o.Limit > 0 {
		args = append(args, o.Limit)
		clause += " LIMIT $" + strconv.Itoa(len(args))
	}
	if o.Offset > 0 {
		args = append(args, o.Offset)
		clause += " OFFSET $" + strconv.Itoa(len(args))
	}
	return clause, args
}

// PrefixFilter returns a condition selecting rows whose column lies at or
// beneath prefix. An empty prefix selects every row.
func PrefixFilter(column, prefix string, args []any) (string, []any, error) {
	if prefix == "" {
		return "TRUE", args, nil
	}
	p, err := kbpath.Clean(prefix)
	if err != nil {
		return "", nil, err
	}
	args = append(args, p)
	return column + " <@ $" + strconv.Itoa(len(args)) + "::ltree", args, nil
}
