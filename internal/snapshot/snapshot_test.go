package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbq/internal/jobqueue"
	"github.com/roach88/kbq/internal/rpcclient"
	"github.com/roach88/kbq/internal/rpcserver"
	"github.com/roach88/kbq/internal/status"
	"github.com/roach88/kbq/internal/stream"
	"github.com/roach88/kbq/internal/txn"
)

type fakeJobs []jobqueue.Job

func (f fakeJobs) Slots(context.Context, string) ([]jobqueue.Job, error) { return f, nil }

type fakeRequests []rpcserver.Slot

func (f fakeRequests) Slots(context.Context, string) ([]rpcserver.Slot, error) { return f, nil }

type fakeReplies []rpcclient.Slot

func (f fakeReplies) Slots(context.Context, string) ([]rpcclient.Slot, error) { return f, nil }

type fakeEntries []stream.Entry

func (f fakeEntries) Slots(context.Context, string) ([]stream.Entry, error) { return f, nil }

type fakeStatus []status.Record

func (f fakeStatus) List(context.Context, string) ([]status.Record, error) { return f, nil }

type failingJobs struct{}

func (failingJobs) Slots(context.Context, string) ([]jobqueue.Job, error) {
	return nil, errors.New("connection reset")
}

// cancellingStatus cancels the export context once the rows are read, so
// the failure happens after the file is created.
type cancellingStatus struct {
	records fakeStatus
	cancel  context.CancelFunc
}

func (c cancellingStatus) List(context.Context, string) ([]status.Record, error) {
	c.cancel()
	return c.records, nil
}

func testSource() Source {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(time.Second)
	return Source{
		Jobs: fakeJobs{
			{ID: 1, Path: "svc.worker1", Payload: json.RawMessage(`{"n":1}`), ScheduledAt: &now, StartedAt: &started, Occupied: true, Active: true},
			{ID: 2, Path: "svc.worker1", Payload: json.RawMessage(`{}`)},
			{ID: 3, Path: "svc.worker1", Payload: json.RawMessage(`{}`)},
		},
		Requests: fakeRequests{
			{ID: 10, ServerPath: "svc.rpc1", RequestID: "5f1c1f4e-8a0b-4f55-9a55-0c2c7e0b7d11", Action: "resize",
				Payload: json.RawMessage(`{"w":2}`), RequestedAt: now, Tag: "t", Priority: 5, State: rpcserver.StateNewJob, ReplyTo: "cli.c1"},
			{ID: 11, ServerPath: "svc.rpc1", RequestID: "0b5e2f1a-1111-4a2b-9c3d-222233334444", Action: "init",
				Payload: json.RawMessage(`{}`), RequestedAt: now, Tag: "init", State: rpcserver.StateEmpty},
		},
		Replies: fakeReplies{
			{ID: 20, ClientPath: "cli.c1", RequestID: "5f1c1f4e-8a0b-4f55-9a55-0c2c7e0b7d11", ServerPath: "svc.rpc1",
				Action: "resize", Tag: "t", Payload: json.RawMessage(`{"ok":true}`), DeliveredAt: now, Pending: true},
		},
		Streams: fakeEntries{
			{ID: 30, Path: "sensors.t1", RecordedAt: now, Valid: true, Payload: json.RawMessage(`{"c":21.5}`)},
			{ID: 31, Path: "sensors.t2", RecordedAt: now, Payload: json.RawMessage(`{}`)},
		},
		Status: fakeStatus{
			{ID: 40, Path: "svc", Payload: json.RawMessage(`{"up":true}`), UpdatedAt: now},
		},
	}
}

func TestExportAndSummarize(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "snap.db")

	sum, err := Export(ctx, testSource(), "", file)
	require.NoError(t, err)

	want := []Count{
		{Table: JobTable, Path: "svc.worker1", Rows: 3},
		{Table: RPCServerTable, Path: "svc.rpc1", Rows: 2},
		{Table: RPCClientTable, Path: "cli.c1", Rows: 1},
		{Table: StreamTable, Path: "sensors.t1", Rows: 1},
		{Table: StreamTable, Path: "sensors.t2", Rows: 1},
		{Table: StatusTable, Path: "svc", Rows: 1},
	}
	assert.Equal(t, want, sum.Counts)
	assert.Equal(t, 9, sum.Rows())
	assert.False(t, sum.ExportedAt.IsZero())

	again, err := Summarize(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, sum, again)
}

func TestExportPreservesColumns(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "snap.db")
	_, err := Export(ctx, testSource(), "svc", file)
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", file)
	require.NoError(t, err)
	defer db.Close()

	var payload, scheduledAt string
	var completedAt sql.NullString
	var occupied, active bool
	require.NoError(t, db.QueryRow(`SELECT payload, scheduled_at, completed_at, occupied, active FROM job_slots WHERE id = 1`).
		Scan(&payload, &scheduledAt, &completedAt, &occupied, &active))
	assert.JSONEq(t, `{"n":1}`, payload)
	assert.Equal(t, "2026-03-01T12:00:00Z", scheduledAt)
	assert.False(t, completedAt.Valid)
	assert.True(t, occupied)
	assert.True(t, active)

	var state string
	var replyTo sql.NullString
	require.NoError(t, db.QueryRow(`SELECT state, reply_to_path FROM rpc_server_slots WHERE id = 11`).Scan(&state, &replyTo))
	assert.Equal(t, "empty", state)
	assert.False(t, replyTo.Valid)

	var prefix string
	require.NoError(t, db.QueryRow(`SELECT value FROM meta WHERE key = 'prefix'`).Scan(&prefix))
	assert.Equal(t, "svc", prefix)
}

func TestExportSkipsNilListers(t *testing.T) {
	file := filepath.Join(t.TempDir(), "snap.db")
	src := Source{Status: fakeStatus{{ID: 1, Path: "svc", Payload: json.RawMessage(`{}`), UpdatedAt: time.Now()}}}

	sum, err := Export(context.Background(), src, "", file)
	require.NoError(t, err)
	assert.Equal(t, []Count{{Table: StatusTable, Path: "svc", Rows: 1}}, sum.Counts)
}

func TestExportRefusesExistingFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, os.WriteFile(file, []byte("keep"), 0o600))

	_, err := Export(context.Background(), testSource(), "", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestExportInvalidPrefix(t *testing.T) {
	file := filepath.Join(t.TempDir(), "snap.db")
	_, err := Export(context.Background(), testSource(), "svc..x", file)
	assert.True(t, txn.IsValidation(err))
	assert.NoFileExists(t, file)
}

func TestExportSourceError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "snap.db")
	_, err := Export(context.Background(), Source{Jobs: failingJobs{}}, "", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read job slots")
	assert.NoFileExists(t, file)
}

func TestExportFailureRemovesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "snap.db")
	src := testSource()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	failing := src
	failing.Status = cancellingStatus{records: src.Status.(fakeStatus), cancel: cancel}

	_, err := Export(ctx, failing, "", file)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, file)
	assert.NoFileExists(t, file+"-wal")
	assert.NoFileExists(t, file+"-shm")

	sum, err := Export(context.Background(), src, "", file)
	require.NoError(t, err)
	assert.Equal(t, 9, sum.Rows())
}

func TestSummarizeMissingFile(t *testing.T) {
	_, err := Summarize(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestSummarizeRejectsForeignFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "other.db")
	db, err := sql.Open("sqlite3", file)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE x (id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Summarize(context.Background(), file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported snapshot format 0")
}
