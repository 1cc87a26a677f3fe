package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/kbq/internal/jobqueue"
	"github.com/roach88/kbq/internal/kbpath"
	"github.com/roach88/kbq/internal/rpcclient"
	"github.com/roach88/kbq/internal/rpcserver"
	"github.com/roach88/kbq/internal/status"
	"github.com/roach88/kbq/internal/stream"
)

// Snapshot table names.
const (
	JobTable       = "job_slots"
	RPCServerTable = "rpc_server_slots"
	RPCClientTable = "rpc_client_slots"
	StreamTable    = "stream_slots"
	StatusTable    = "status_records"
)

var tables = []string{JobTable, RPCServerTable, RPCClientTable, StreamTable, StatusTable}

var pathColumns = map[string]string{
	JobTable:       "path",
	RPCServerTable: "server_path",
	RPCClientTable: "client_path",
	StreamTable:    "path",
	StatusTable:    "path",
}

// JobLister is satisfied by *jobqueue.Queue.
type JobLister interface {
	Slots(ctx context.Context, prefix string) ([]jobqueue.Job, error)
}

// RequestLister is satisfied by *rpcserver.Queue.
type RequestLister interface {
	Slots(ctx context.Context, prefix string) ([]rpcserver.Slot, error)
}

// ReplyLister is satisfied by *rpcclient.Queue.
type ReplyLister interface {
	Slots(ctx context.Context, prefix string) ([]rpcclient.Slot, error)
}

// EntryLister is satisfied by *stream.Stream.
type EntryLister interface {
	Slots(ctx context.Context, prefix string) ([]stream.Entry, error)
}

// StatusLister is satisfied by *status.Table.
type StatusLister interface {
	List(ctx context.Context, prefix string) ([]status.Record, error)
}

// Source names the engines to read from. Nil fields are skipped.
type Source struct {
	Jobs     JobLister
	Requests RequestLister
	Replies  ReplyLister
	Streams  EntryLister
	Status   StatusLister
}

// Count is the number of rows one path has in one snapshot table.
type Count struct {
	Table string `json:"table"`
	Path  string `json:"path"`
	Rows  int    `json:"rows"`
}

// Summary describes a snapshot file.
type Summary struct {
	Prefix     string    `json:"prefix"`
	ExportedAt time.Time `json:"exported_at"`
	Counts     []Count   `json:"counts"`
}

// Rows returns the total row count across all tables.
func (s Summary) Rows() int {
	n := 0
	for _, c := range s.Counts {
		n += c.Rows
	}
	return n
}

// Export reads every slot under prefix from src and writes them to a new
// SQLite file. An empty prefix exports everything. The file must not exist.
//
// Each engine is read in its own transaction, so the snapshot is not a
// single consistent cut across tables.
func Export(ctx context.Context, src Source, prefix, file string) (Summary, error) {
	if prefix != "" {
		p, err := kbpath.Clean(prefix)
		if err != nil {
			return Summary{}, err
		}
		prefix = p
	}
	if _, err := os.Stat(file); err == nil {
		return Summary{}, fmt.Errorf("snapshot %s already exists", file)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Summary{}, fmt.Errorf("stat snapshot: %w", err)
	}

	rows, err := collect(ctx, src, prefix)
	if err != nil {
		return Summary{}, err
	}

	db, err := openFile(file)
	if err != nil {
		removeFile(file)
		return Summary{}, err
	}
	defer db.Close()

	exportedAt := time.Now().UTC()
	err = applySchema(db)
	if err == nil {
		err = write(ctx, db, rows, prefix, exportedAt)
	}
	if err != nil {
		db.Close()
		removeFile(file)
		return Summary{}, err
	}

	slog.Info("snapshot exported", "file", file, "prefix", prefix, "rows", rows.len())
	return summarize(ctx, db)
}

// Summarize opens a snapshot file and returns its per-table, per-path
// row counts.
func Summarize(ctx context.Context, file string) (Summary, error) {
	if _, err := os.Stat(file); err != nil {
		return Summary{}, fmt.Errorf("stat snapshot: %w", err)
	}
	db, err := openFile(file)
	if err != nil {
		return Summary{}, err
	}
	defer db.Close()
	if err := checkVersion(db); err != nil {
		return Summary{}, err
	}
	return summarize(ctx, db)
}

type snapshotRows struct {
	jobs     []jobqueue.Job
	requests []rpcserver.Slot
	replies  []rpcclient.Slot
	entries  []stream.Entry
	status   []status.Record
}

func (r snapshotRows) len() int {
	return len(r.jobs) + len(r.requests) + len(r.replies) + len(r.entries) + len(r.status)
}

func collect(ctx context.Context, src Source, prefix string) (snapshotRows, error) {
	var rows snapshotRows
	var err error
	if src.Jobs != nil {
		if rows.jobs, err = src.Jobs.Slots(ctx, prefix); err != nil {
			return rows, fmt.Errorf("read job slots: %w", err)
		}
	}
	if src.Requests != nil {
		if rows.requests, err = src.Requests.Slots(ctx, prefix); err != nil {
			return rows, fmt.Errorf("read rpc server slots: %w", err)
		}
	}
	if src.Replies != nil {
		if rows.replies, err = src.Replies.Slots(ctx, prefix); err != nil {
			return rows, fmt.Errorf("read rpc client slots: %w", err)
		}
	}
	if src.Streams != nil {
		if rows.entries, err = src.Streams.Slots(ctx, prefix); err != nil {
			return rows, fmt.Errorf("read stream slots: %w", err)
		}
	}
	if src.Status != nil {
		if rows.status, err = src.Status.List(ctx, prefix); err != nil {
			return rows, fmt.Errorf("read status records: %w", err)
		}
	}
	return rows, nil
}

func write(ctx context.Context, db *sql.DB, rows snapshotRows, prefix string, exportedAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, kv := range [][2]string{
		{"prefix", prefix},
		{"exported_at", formatTime(exportedAt)},
	} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("write meta %s: %w", kv[0], err)
		}
	}

	for _, j := range rows.jobs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_slots (id, path, payload, scheduled_at, started_at, completed_at, occupied, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, j.ID, j.Path, string(j.Payload), formatTimePtr(j.ScheduledAt), formatTimePtr(j.StartedAt),
			formatTimePtr(j.CompletedAt), j.Occupied, j.Active); err != nil {
			return fmt.Errorf("write job slot %d: %w", j.ID, err)
		}
	}
	for _, s := range rows.requests {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rpc_server_slots (id, server_path, request_id, action, payload, requested_at,
				tag, priority, state, processing_at, completed_at, reply_to_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.ServerPath, s.RequestID, s.Action, string(s.Payload), formatTime(s.RequestedAt),
			s.Tag, s.Priority, string(s.State), formatTimePtr(s.ProcessingAt), formatTimePtr(s.CompletedAt),
			nullString(s.ReplyTo)); err != nil {
			return fmt.Errorf("write rpc server slot %d: %w", s.ID, err)
		}
	}
	for _, s := range rows.replies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rpc_client_slots (id, client_path, request_id, server_path, action, tag,
				payload, delivered_at, pending)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.ClientPath, s.RequestID, s.ServerPath, s.Action, s.Tag,
			string(s.Payload), formatTime(s.DeliveredAt), s.Pending); err != nil {
			return fmt.Errorf("write rpc client slot %d: %w", s.ID, err)
		}
	}
	for _, e := range rows.entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stream_slots (id, path, recorded_at, valid, payload)
			VALUES (?, ?, ?, ?, ?)
		`, e.ID, e.Path, formatTime(e.RecordedAt), e.Valid, string(e.Payload)); err != nil {
			return fmt.Errorf("write stream slot %d: %w", e.ID, err)
		}
	}
	for _, r := range rows.status {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_records (id, path, payload, updated_at)
			VALUES (?, ?, ?, ?)
		`, r.ID, r.Path, string(r.Payload), formatTime(r.UpdatedAt)); err != nil {
			return fmt.Errorf("write status record %d: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func summarize(ctx context.Context, db *sql.DB) (Summary, error) {
	var sum Summary
	var exportedAt string
	err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'prefix'`).Scan(&sum.Prefix)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("read meta: %w", err)
	}
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'exported_at'`).Scan(&exportedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("read meta: %w", err)
	}
	if exportedAt != "" {
		if sum.ExportedAt, err = time.Parse(time.RFC3339Nano, exportedAt); err != nil {
			return sum, fmt.Errorf("parse exported_at: %w", err)
		}
	}

	sum.Counts = []Count{}
	for _, table := range tables {
		col := pathColumns[table]
		rows, err := db.QueryContext(ctx, `SELECT `+col+`, COUNT(*) FROM `+table+` GROUP BY `+col+` ORDER BY `+col)
		if err != nil {
			return sum, fmt.Errorf("count %s: %w", table, err)
		}
		for rows.Next() {
			c := Count{Table: table}
			if err := rows.Scan(&c.Path, &c.Rows); err != nil {
				rows.Close()
				return sum, fmt.Errorf("scan %s count: %w", table, err)
			}
			sum.Counts = append(sum.Counts, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return sum, fmt.Errorf("count %s: %w", table, err)
		}
	}
	return sum, nil
}
