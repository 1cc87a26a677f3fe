package rpcclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/slot"
	"github.com/roach88/kbq/internal/store"
	"github.com/roach88/kbq/internal/txn"
)

const engineName = "rpcclient"

// Reply is the input to PushReply.
type Reply struct {
	ClientPath string
	RequestID  string
	ServerPath string
	Action     string
	Tag        string
	Payload    json.RawMessage
}

// Slot is one row of the reply table.
type Slot struct {
	ID          int64           `json:"id"`
	ClientPath  string          `json:"client_path"`
	RequestID   string          `json:"request_id"`
	ServerPath  string          `json:"server_path"`
	Action      string          `json:"action"`
	Tag         string          `json:"tag"`
	Payload     json.RawMessage `json:"payload"`
	DeliveredAt time.Time       `json:"delivered_at"`
	Pending     bool            `json:"pending"`
}

// Queue is the reply engine over kb_rpc_client_slots.
type Queue struct {
	db     *sql.DB
	runner *txn.Runner
}

// New creates the engine. A nil runner gets the default policy.
func New(db *sql.DB, runner *txn.Runner) *Queue {
	if runner == nil {
		runner = txn.NewRunner(db)
	}
	return &Queue{db: db, runner: runner}
}

func (r *Reply) validate() error {
	path, err := kbpath.Clean(r.ClientPath)
	if err != nil {
		return err
	}
	r.ClientPath = path

	if r.ServerPath, err = kbpath.Clean(r.ServerPath); err != nil {
		return err
	}
	id, err := uuid.Parse(r.RequestID)
	if err != nil {
		return txn.Invalid("request_id", r.RequestID, "must be a UUID")
	}
	r.RequestID = id.String()

	if strings.TrimSpace(r.Action) == "" {
		return txn.Invalid("action", r.Action, "action is empty")
	}
	return slot.ValidatePayload(r.Payload)
}

// PushReply writes r into the oldest free slot of r.ClientPath and marks it
// pending. Returns the slot id; txn.ErrNoFreeSlot when every slot of the
// path is already waiting for delivery.
func (q *Queue) PushReply(ctx context.Context, r Reply) (int64, error) {
	if err := r.validate(); err != nil {
		return 0, err
	}

	var id int64
	op := txn.Op{Engine: engineName, Name: "push", Path: r.ClientPath}
	err := q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM `+store.RPCClientTable+`
			WHERE client_path = $1 AND pending = FALSE
			ORDER BY delivered_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, r.ClientPath).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return slot.NoCandidate(ctx, tx, `
				SELECT COUNT(*) FROM `+store.RPCClientTable+`
				WHERE client_path = $1 AND pending = FALSE
			`, r.ClientPath, txn.ErrNoFreeSlot)
		}
		if err != nil {
			return fmt.Errorf("select free slot: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE `+store.RPCClientTable+`
			SET request_id = $2,
			    server_path = $3,
			    action = $4,
			    tag = $5,
			    payload = $6,
			    delivered_at = NOW(),
			    pending = TRUE
			WHERE id = $1
		`, id, r.RequestID, r.ServerPath, r.Action, r.Tag, string(r.Payload))
		if err != nil {
			return fmt.Errorf("fill slot %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Debug("rpc reply pushed", "client_path", r.ClientPath, "id", id, "request_id", r.RequestID)
	return id, nil
}

// ClaimReply returns the oldest pending reply of clientPath and frees its
// slot in the same transaction. Returns nil, nil when nothing is pending.
// Pending replies that stay locked by concurrent claimers for the whole
// retry budget yield *txn.RetriesExhaustedError.
func (q *Queue) ClaimReply(ctx context.Context, clientPath string) (*Slot, error) {
	clientPath, err := kbpath.Clean(clientPath)
	if err != nil {
		return nil, err
	}

	var claimed *Slot
	op := txn.Op{Engine: engineName, Name: "claim", Path: clientPath}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		claimed = nil
		s, err := scanSlot(tx.QueryRowContext(ctx, `
			SELECT `+slotColumns+`
			FROM `+store.RPCClientTable+`
			WHERE client_path = $1 AND pending = TRUE
			ORDER BY delivered_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, clientPath))
		if errors.Is(err, sql.ErrNoRows) {
			return slot.NoCandidate(ctx, tx, `
				SELECT COUNT(*) FROM `+store.RPCClientTable+`
				WHERE client_path = $1 AND pending = TRUE
			`, clientPath, txn.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select reply: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE `+store.RPCClientTable+`
			SET pending = FALSE
			WHERE id = $1
		`, s.ID); err != nil {
			return fmt.Errorf("acknowledge reply %d: %w", s.ID, err)
		}
		s.Pending = false
		claimed = s
		return nil
	})
	if errors.Is(err, txn.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("rpc reply claimed", "client_path", clientPath, "id", claimed.ID, "request_id", claimed.RequestID)
	return claimed, nil
}

// ClearReplyQueue resets every slot of clientPath to the free baseline with
// a fresh request id, and returns the number of slots reset. Rows are locked
// without waiting; a concurrent holder makes the attempt retry.
func (q *Queue) ClearReplyQueue(ctx context.Context, clientPath string) (int64, error) {
	clientPath, err := kbpath.Clean(clientPath)
	if err != nil {
		return 0, err
	}

	var n int64
	op := txn.Op{Engine: engineName, Name: "clear", Path: clientPath}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		n = 0
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM `+store.RPCClientTable+`
			WHERE client_path = $1
			ORDER BY id
			FOR UPDATE NOWAIT
		`, clientPath)
		if err != nil {
			return fmt.Errorf("lock slots: %w", err)
		}

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate ids: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE `+store.RPCClientTable+`
				SET request_id = $2,
				    server_path = client_path,
				    action = 'none',
				    tag = '',
				    payload = '{}',
				    delivered_at = NOW(),
				    pending = FALSE
				WHERE id = $1
			`, id, uuid.NewString()); err != nil {
				return fmt.Errorf("reset slot %d: %w", id, err)
			}
		}
		n = int64(len(ids))
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Info("rpc reply queue cleared", "client_path", clientPath, "slots", n)
	return n, nil
}
