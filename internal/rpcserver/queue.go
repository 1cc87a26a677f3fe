package rpcserver

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

const engineName = "rpcserver"

// Request is the input to PushRequest.
type Request struct {
	ServerPath string
	// RequestID must be a UUID; empty generates a fresh one.
	RequestID string
	Action    string
	Payload   json.RawMessage
	Tag       string
	Priority  int
	// ReplyTo is the client path the reply goes to; optional.
	ReplyTo string
}

// Slot is one row of the request table.
type Slot struct {
	ID           int64           `json:"id"`
	ServerPath   string          `json:"server_path"`
	RequestID    string          `json:"request_id"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	RequestedAt  time.Time       `json:"requested_at"`
	Tag          string          `json:"tag"`
	Priority     int             `json:"priority"`
	State        State           `json:"state"`
	ProcessingAt *time.Time      `json:"processing_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ReplyTo      string          `json:"reply_to,omitempty"`
}

// Receipt identifies an accepted request.
type Receipt struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
}

// Queue is the RPC server engine over kb_rpc_server_slots.
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

// validate normalizes req in place.
func (req *Request) validate() error {
	path, err := kbpath.Clean(req.ServerPath)
	if err != nil {
		return err
	}
	req.ServerPath = path

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	} else {
		id, err := uuid.Parse(req.RequestID)
		if err != nil {
			return txn.Invalid("request_id", req.RequestID, "must be a UUID")
		}
		req.RequestID = id.String()
	}

	if strings.TrimSpace(req.Action) == "" {
		return txn.Invalid("action", req.Action, "action is empty")
	}
	if strings.TrimSpace(req.Tag) == "" {
		return txn.Invalid("tag", req.Tag, "tag is empty")
	}
	if err := slot.ValidatePayload(req.Payload); err != nil {
		return err
	}
	if req.ReplyTo != "" {
		replyTo, err := kbpath.Clean(req.ReplyTo)
		if err != nil {
			return err
		}
		req.ReplyTo = replyTo
	}
	return nil
}

// PushRequest moves one empty slot of req.ServerPath to new_job. Each server
// path owns its own pool of slots; a request never takes a slot provisioned
// for another path.
//
// The transaction runs at SERIALIZABLE isolation under an advisory lock on
// the server path. Serialization failures and deadlocks are retried under
// policy (the runner's default when nil). txn.ErrNoFreeSlot means the path
// has no empty slot.
//
// The snapshot is taken before the advisory lock is granted, so every pusher
// that waited on the lock fails its slot read with a serialization error and
// retries. Each backoff round admits roughly one pusher per path: size
// MaxAttempts to at least the number of concurrent pushers to one path, or
// expect txn.RetriesExhaustedError while empty slots remain.
func (q *Queue) PushRequest(ctx context.Context, req Request, policy *txn.Policy) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}

	var replyTo sql.NullString
	if req.ReplyTo != "" {
		replyTo = sql.NullString{String: req.ReplyTo, Valid: true}
	}

	var id int64
	op := txn.Op{
		Engine:    engineName,
		Name:      "push",
		Path:      req.ServerPath,
		Isolation: sql.LevelSerializable,
		Policy:    policy,
	}
	err := q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		if err := txn.LockPath(ctx, tx, store.RPCServerTable, req.ServerPath); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx, `
			SELECT id FROM `+store.RPCServerTable+`
			WHERE server_path = $1 AND state = 'empty'
			ORDER BY priority DESC, requested_at ASC, id ASC
			LIMIT 1
			FOR UPDATE
		`, req.ServerPath).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return txn.ErrNoFreeSlot
		}
		if err != nil {
			return fmt.Errorf("select empty slot: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE `+store.RPCServerTable+`
			SET request_id = $2,
			    action = $3,
			    payload = $4,
			    tag = $5,
			    priority = $6,
			    reply_to_path = $7,
			    state = 'new_job',
			    requested_at = NOW(),
			    processing_at = NULL,
			    completed_at = NULL
			WHERE id = $1
		`, id, req.RequestID, req.Action, string(req.Payload), req.Tag, req.Priority, replyTo)
		if err != nil {
			return fmt.Errorf("fill slot %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	slog.Debug("rpc request pushed",
		"server_path", req.ServerPath,
		"id", id,
		"request_id", req.RequestID,
		"action", req.Action,
		"priority", req.Priority,
	)
	return Receipt{ID: id, RequestID: req.RequestID}, nil
}

// ClaimNext moves the highest-priority new_job request of serverPath to
// processing and returns it. Equal priorities resolve by request time.
// Returns nil, nil when nothing is waiting.
func (q *Queue) ClaimNext(ctx context.Context, serverPath string) (*Slot, error) {
	serverPath, err := kbpath.Clean(serverPath)
	if err != nil {
		return nil, err
	}

	var claimed *Slot
	op := txn.Op{Engine: engineName, Name: "claim", Path: serverPath}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		claimed = nil
		s, err := scanSlot(tx.QueryRowContext(ctx, `
			SELECT `+slotColumns+`
			FROM `+store.RPCServerTable+`
			WHERE server_path = $1 AND state = 'new_job'
			ORDER BY priority DESC, requested_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, serverPath))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select request: %w", err)
		}

		var processingAt time.Time
		if err := tx.QueryRowContext(ctx, `
			UPDATE `+store.RPCServerTable+`
			SET state = 'processing', processing_at = NOW()
			WHERE id = $1
			RETURNING processing_at
		`, s.ID).Scan(&processingAt); err != nil {
			return fmt.Errorf("start request %d: %w", s.ID, err)
		}
		s.State = StateProcessing
		s.ProcessingAt = &processingAt
		claimed = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		slog.Debug("rpc request claimed", "server_path", serverPath, "id", claimed.ID, "request_id", claimed.RequestID)
	}
	return claimed, nil
}

// Complete moves request id of serverPath from processing back to empty.
// It reports false when the row no longer matches (already completed, reset,
// or re-tagged to another path).
func (q *Queue) Complete(ctx context.Context, serverPath string, id int64) (bool, error) {
	serverPath, err := kbpath.Clean(serverPath)
	if err != nil {
		return false, err
	}

	var done bool
	op := txn.Op{Engine: engineName, Name: "complete", Path: serverPath}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		done = false
		var locked int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM `+store.RPCServerTable+`
			WHERE id = $1 AND server_path = $2 AND state = 'processing'
			FOR UPDATE
		`, id, serverPath).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock request %d: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE `+store.RPCServerTable+`
			SET state = 'empty', completed_at = NOW()
			WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("release request %d: %w", id, err)
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	slog.Debug("rpc request completed", "server_path", serverPath, "id", id, "found", done)
	return done, nil
}

// ClearQueue resets every slot of serverPath to empty with a fresh request
// id and an empty payload, and returns the number of slots reset. Rows are
// locked without waiting; a concurrent holder makes the attempt retry.
func (q *Queue) ClearQueue(ctx context.Context, serverPath string) (int64, error) {
	serverPath, err := kbpath.Clean(serverPath)
	if err != nil {
		return 0, err
	}

	var n int64
	op := txn.Op{Engine: engineName, Name: "clear", Path: serverPath}
	err = q.runner.Do(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		n = 0
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM `+store.RPCServerTable+`
			WHERE server_path = $1
			ORDER BY id
			FOR UPDATE NOWAIT
		`, serverPath)
		if err != nil {
			return fmt.Errorf("lock slots: %w", err)
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE `+store.RPCServerTable+`
				SET request_id = $2,
				    action = 'none',
				    payload = '{}',
				    tag = '',
				    priority = 0,
				    state = 'empty',
				    requested_at = NOW(),
				    processing_at = NULL,
				    completed_at = NOW(),
				    reply_to_path = NULL
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
	slog.Info("rpc server queue cleared", "server_path", serverPath, "slots", n)
	return n, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
