package rpcclient

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/store"
)

const slotColumns = `id, client_path::text, request_id::text, server_path::text, action, tag, payload, delivered_at, pending`

// ListOptions pages ListPending by delivery time.
type ListOptions = slot.ListOptions

func scanSlot(row slot.Scanner) (*Slot, error) {
	var (
		s       Slot
		payload []byte
	)
	err := row.Scan(&s.ID, &s.ClientPath, &s.RequestID, &s.ServerPath, &s.Action, &s.Tag, &payload, &s.DeliveredAt, &s.Pending)
	if err != nil {
		return nil, err
	}
	s.Payload = payload
	return &s, nil
}

// FreeSlots returns the number of slots of clientPath able to take a reply.
func (q *Queue) FreeSlots(ctx context.Context, clientPath string) (int64, error) {
	return q.count(ctx, clientPath, false)
}

// QueuedSlots returns the number of replies of clientPath awaiting delivery.
func (q *Queue) QueuedSlots(ctx context.Context, clientPath string) (int64, error) {
	return q.count(ctx, clientPath, true)
}

func (q *Queue) count(ctx context.Context, clientPath string, pending bool) (int64, error) {
	clientPath, err := kbpath.Clean(clientPath)
	if err != nil {
		return 0, err
	}
	return slot.Count(ctx, q.db, `
		SELECT COUNT(*) FROM `+store.RPCClientTable+`
		WHERE client_path = $1 AND pending = $2
	`, clientPath, pending)
}

// ListPending returns the replies of clientPath awaiting delivery, oldest
// first unless opts says otherwise. It does not claim them.
func (q *Queue) ListPending(ctx context.Context, clientPath string, opts ListOptions) ([]Slot, error) {
	clientPath, err := kbpath.Clean(clientPath)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	args := []any{clientPath}
	bounds, args := opts.Bounds("delivered_at", args)
	page, args := opts.Page(args)
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM `+store.RPCClientTable+`
		WHERE client_path = $1 AND pending = TRUE`+bounds+`
		ORDER BY `+opts.Order("delivered_at")+page, args...)
	if err != nil {
		return nil, fmt.Errorf("query replies: %w", err)
	}
	return collect(rows)
}

// Slots returns every reply slot at or beneath prefix, ordered by path and
// id. An empty prefix returns the whole table.
func (q *Queue) Slots(ctx context.Context, prefix string) ([]Slot, error) {
	where, args, err := slot.PrefixFilter("client_path", prefix, nil)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM `+store.RPCClientTable+`
		WHERE `+where+`
		ORDER BY client_path, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query reply slots: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Slot, error) {
	defer rows.Close()

	slots := []Slot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		slots = append(slots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return slots, nil
}
