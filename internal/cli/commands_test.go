package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbq/internal/snapshot"
	"github.com/roach88/kbq/internal/testutil"
)

var jobRowColumns = []string{"id", "path", "payload", "scheduled_at", "started_at", "completed_at", "occupied", "active"}

func TestJobPush(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM kb_job_slots`).WithArgs("svc.worker1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(`UPDATE kb_job_slots`).WithArgs(int64(7), `{"n":1}`, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := execute(t, db, "job", "push", "svc.worker1", `{"n":1}`)
	require.NoError(t, err)
	assert.Equal(t, "pushed job 7\n", out)
}

func TestJobPushFullQueueIsEmpty(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM kb_job_slots`).WithArgs("svc.worker1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT COUNT`).WithArgs("svc.worker1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	out, err := execute(t, db, "--format", "json", "job", "push", "svc.worker1", `{}`)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, StatusEmpty, resp.Status)
	assert.Contains(t, resp.Message, "no free slot")
}

func TestJobPushInvalidPath(t *testing.T) {
	db, _ := testutil.Mock(t)

	out, err := execute(t, db, "job", "push", "svc..worker1", `{}`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestJobClaimJSON(t *testing.T) {
	db, mock := testutil.Mock(t)
	scheduled := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	started := scheduled.Add(time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, path::text, payload`).WithArgs("svc.worker1").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow(int64(3), "svc.worker1", []byte(`{"n":1}`), scheduled, nil, nil, true, false))
	mock.ExpectQuery(`UPDATE kb_job_slots`).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(started))
	mock.ExpectCommit()

	out, err := execute(t, db, "--format", "json", "job", "claim", "svc.worker1")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			ID      int64           `json:"id"`
			Payload json.RawMessage `json:"payload"`
			Active  bool            `json:"active"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, int64(3), resp.Data.ID)
	assert.JSONEq(t, `{"n":1}`, string(resp.Data.Payload))
	assert.True(t, resp.Data.Active)
}

func TestJobClaimEmpty(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, path::text, payload`).WithArgs("svc.worker1").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))
	mock.ExpectCommit()

	out, err := execute(t, db, "job", "claim", "svc.worker1")
	require.NoError(t, err)
	assert.Equal(t, "empty: no claimable job\n", out)
}

func TestJobCompleteUnknown(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE NOWAIT`).WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	out, err := execute(t, db, "job", "complete", "99")
	require.NoError(t, err)
	assert.Contains(t, out, "job 99 not found")
}

func TestJobCompleteRejectsBadID(t *testing.T) {
	db, _ := testutil.Mock(t)
	out, err := execute(t, db, "job", "complete", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "id must be a positive integer")
}

func TestJobCount(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectQuery(`FILTER`).WithArgs("svc.worker1").
		WillReturnRows(sqlmock.NewRows([]string{"free", "pending", "active", "capacity"}).AddRow(1, 1, 1, 3))

	out, err := execute(t, db, "job", "count", "svc.worker1")
	require.NoError(t, err)
	assert.Equal(t, "free=1 pending=1 active=1 capacity=3\n", out)
}

func TestJobDrainUntilIdle(t *testing.T) {
	db, mock := testutil.Mock(t)
	scheduled := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []int64{1, 2} {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, path::text, payload`).WithArgs("svc.worker1").
			WillReturnRows(sqlmock.NewRows(jobRowColumns).
				AddRow(id, "svc.worker1", []byte(`{}`), scheduled, nil, nil, true, false))
		mock.ExpectQuery(`UPDATE kb_job_slots`).WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(scheduled))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE NOWAIT`).WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
		mock.ExpectExec(`UPDATE kb_job_slots`).WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, path::text, payload`).WithArgs("svc.worker1").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))
	mock.ExpectCommit()

	out, err := execute(t, db, "job", "drain", "svc.worker1", "--exit-when-idle")
	require.NoError(t, err)
	assert.Contains(t, out, "id=1 path=svc.worker1")
	assert.Contains(t, out, "id=2 path=svc.worker1")
}

func TestRPCCount(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectQuery(`FILTER`).WithArgs("svc.rpc1").
		WillReturnRows(sqlmock.NewRows([]string{"empty", "new_job", "processing"}).AddRow(1, 2, 3))

	out, err := execute(t, db, "rpc", "count", "svc.rpc1")
	require.NoError(t, err)
	assert.Equal(t, "empty=1 new_job=2 processing=3 total=6\n", out)
}

func TestRPCListRejectsUnknownState(t *testing.T) {
	db, _ := testutil.Mock(t)
	out, err := execute(t, db, "rpc", "list", "svc.rpc1", "--state", "done")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "must be one of empty, new_job, processing")
}

func TestRPCPushRequiresTag(t *testing.T) {
	db, _ := testutil.Mock(t)
	_, err := execute(t, db, "rpc", "push", "svc.rpc1", "resize", `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"tag" not set`)
}

func TestReplyCount(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectQuery(`SELECT COUNT`).WithArgs("cli.c1", false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT COUNT`).WithArgs("cli.c1", true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	out, err := execute(t, db, "reply", "count", "cli.c1")
	require.NoError(t, err)
	assert.Equal(t, "free=3 queued=1\n", out)
}

func TestStreamLatestEmpty(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectQuery(`FROM kb_stream_slots`).WithArgs("sensors.t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "path", "recorded_at", "valid", "payload"}))

	out, err := execute(t, db, "stream", "latest", "sensors.t1")
	require.NoError(t, err)
	assert.Equal(t, "empty: no valid entry\n", out)
}

func TestStreamClearRejectsBadTime(t *testing.T) {
	db, _ := testutil.Mock(t)
	out, err := execute(t, db, "stream", "clear", "sensors.t1", "--before", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "RFC 3339")
}

func TestStatusGetNotProvisioned(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectQuery(`FROM kb_status`).WithArgs("svc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "path", "payload", "updated_at"}))

	out, err := execute(t, db, "status", "get", "svc")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E004]")
}

func TestPaths(t *testing.T) {
	db, mock := testutil.Mock(t)
	mock.ExpectQuery(`SELECT DISTINCT server_path::text FROM kb_rpc_server_slots WHERE server_path ~ \$1::lquery`).
		WithArgs("svc.*").
		WillReturnRows(sqlmock.NewRows([]string{"path"}).AddRow("svc.rpc1").AddRow("svc.rpc2"))

	out, err := execute(t, db, "paths", "rpc_server", "svc.*")
	require.NoError(t, err)
	assert.Equal(t, "svc.rpc1\nsvc.rpc2\n", out)
}

func TestProvisionPlan(t *testing.T) {
	out, err := execute(t, nil, "provision", "plan", "testdata/manifest.cue")
	require.NoError(t, err)
	assert.Contains(t, out, "job         svc.worker1  3")
	assert.Contains(t, out, "5 pools, 20 slots")
}

func TestProvisionPlanJSON(t *testing.T) {
	out, err := execute(t, nil, "--format", "json", "provision", "plan", "testdata/manifest.cue")
	require.NoError(t, err)

	var resp struct {
		Data planResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Data.Pools, 5)
	assert.Equal(t, 20, resp.Data.Slots)
	assert.False(t, resp.Data.Applied)
}

func TestProvisionPlanMissingFile(t *testing.T) {
	_, err := execute(t, nil, "provision", "plan", "testdata/missing.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSnapshotExportAndSummary(t *testing.T) {
	db, mock := testutil.Mock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM kb_job_slots`).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow(int64(1), "svc.worker1", []byte(`{}`), nil, nil, now, false, false))
	mock.ExpectQuery(`FROM kb_rpc_server_slots`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FROM kb_rpc_client_slots`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FROM kb_stream_slots`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`FROM kb_status`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "path", "payload", "updated_at"}).
			AddRow(int64(5), "svc", []byte(`{"up":true}`), now))

	file := filepath.Join(t.TempDir(), "snap.db")
	_, err := execute(t, db, "snapshot", "export", "", file)
	require.NoError(t, err)

	sum, err := snapshot.Summarize(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, []snapshot.Count{
		{Table: snapshot.JobTable, Path: "svc.worker1", Rows: 1},
		{Table: snapshot.StatusTable, Path: "svc", Rows: 1},
	}, sum.Counts)

	out, err := execute(t, nil, "snapshot", "summary", file)
	require.NoError(t, err)
	assert.Contains(t, out, "rows=2")
	assert.Contains(t, out, "svc.worker1")
}
