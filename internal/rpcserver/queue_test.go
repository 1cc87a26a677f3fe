package rpcserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbq/internal/store"
	"github.com/roach88/kbq/internal/testutil"
	"github.com/roach88/kbq/internal/txn"
)

var slotRowColumns = []string{
	"id", "server_path", "request_id", "action", "payload", "requested_at",
	"tag", "priority", "state", "processing_at", "completed_at", "reply_to_path",
}

const fixedRequestID = "6f1c3a1e-8c4b-4b8e-9d57-2a0f3d0c9b11"

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	db, mock := testutil.Mock(t)
	return New(db, testutil.Runner(db)), mock
}

func TestParseState(t *testing.T) {
	for _, s := range States {
		got, err := ParseState(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseState(" New_Job ")
	require.NoError(t, err)
	assert.Equal(t, StateNewJob, got)

	_, err = ParseState("done")
	require.Error(t, err)
	assert.True(t, txn.IsValidation(err))
	assert.Contains(t, err.Error(), `invalid state "done"`)
}

func TestRequestValidation(t *testing.T) {
	valid := func() Request {
		return Request{ServerPath: "svc.rpc1", Action: "echo", Tag: "t1", Payload: json.RawMessage(`{}`)}
	}
	tests := []struct {
		name   string
		mutate func(r *Request)
		field  string
	}{
		{name: "bad path", mutate: func(r *Request) { r.ServerPath = "svc..rpc1" }, field: "path"},
		{name: "bad request id", mutate: func(r *Request) { r.RequestID = "nope" }, field: "request_id"},
		{name: "empty action", mutate: func(r *Request) { r.Action = " " }, field: "action"},
		{name: "empty tag", mutate: func(r *Request) { r.Tag = "" }, field: "tag"},
		{name: "bad payload", mutate: func(r *Request) { r.Payload = json.RawMessage(`{`) }, field: "payload"},
		{name: "bad reply path", mutate: func(r *Request) { r.ReplyTo = "1client" }, field: "path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.validate()
			require.Error(t, err)
			var ve *txn.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	r := valid()
	require.NoError(t, r.validate())
	_, err := uuid.Parse(r.RequestID)
	assert.NoError(t, err, "empty request id is generated")

	r = valid()
	r.RequestID = "6F1C3A1E-8C4B-4B8E-9D57-2A0F3D0C9B11"
	require.NoError(t, r.validate())
	assert.Equal(t, fixedRequestID, r.RequestID)
}

func expectPush(mock sqlmock.Sqlmock, path string, id int64) {
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(txn.AdvisoryKey(store.RPCServerTable, path)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM kb_rpc_server_slots`).WithArgs(path).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
}

func TestPushRequest(t *testing.T) {
	q, mock := newMockQueue(t)

	expectPush(mock, "svc.rpc1", 1)
	mock.ExpectExec(`UPDATE kb_rpc_server_slots`).
		WithArgs(int64(1), fixedRequestID, "echo", `{"x":1}`, "t1", 5, "cli.c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := q.PushRequest(context.Background(), Request{
		ServerPath: "svc.rpc1",
		RequestID:  fixedRequestID,
		Action:     "echo",
		Payload:    json.RawMessage(`{"x":1}`),
		Tag:        "t1",
		Priority:   5,
		ReplyTo:    "cli.c1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Receipt{ID: 1, RequestID: fixedRequestID}, rec)
}

func TestPushRequestNoEmptySlot(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM kb_rpc_server_slots`).WithArgs("svc.rpc1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := q.PushRequest(context.Background(), Request{
		ServerPath: "svc.rpc1", Action: "echo", Tag: "t1", Payload: json.RawMessage(`{}`),
	}, nil)
	assert.ErrorIs(t, err, txn.ErrNoFreeSlot)
}

func TestPushRequestRetriesSerializationFailure(t *testing.T) {
	q, mock := newMockQueue(t)

	expectPush(mock, "svc.rpc1", 1)
	mock.ExpectExec(`UPDATE kb_rpc_server_slots`).WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	expectPush(mock, "svc.rpc1", 2)
	mock.ExpectExec(`UPDATE kb_rpc_server_slots`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := q.PushRequest(context.Background(), Request{
		ServerPath: "svc.rpc1", Action: "echo", Tag: "t1", Payload: json.RawMessage(`{}`),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.ID)
}

func TestPushRequestExhausted(t *testing.T) {
	q, mock := newMockQueue(t)
	policy := txn.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnError(&pq.Error{Code: "40P01"})
		mock.ExpectRollback()
	}

	_, err := q.PushRequest(context.Background(), Request{
		ServerPath: "svc.rpc1", Action: "echo", Tag: "t1", Payload: json.RawMessage(`{}`),
	}, &policy)
	require.Error(t, err)
	var re *txn.RetriesExhaustedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 2, re.Attempts)
	assert.Equal(t, "svc.rpc1", re.Path)
}

func TestClaimNext(t *testing.T) {
	q, mock := newMockQueue(t)
	requested := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	processing := requested.Add(time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`ORDER BY priority DESC, requested_at ASC, id ASC\s+LIMIT 1\s+FOR UPDATE SKIP LOCKED`).
		WithArgs("svc.rpc1").
		WillReturnRows(sqlmock.NewRows(slotRowColumns).AddRow(
			int64(2), "svc.rpc1", fixedRequestID, "echo", []byte(`{"p":5}`), requested,
			"t1", int64(5), "new_job", nil, nil, "cli.c1"))
	mock.ExpectQuery(`UPDATE kb_rpc_server_slots`).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"processing_at"}).AddRow(processing))
	mock.ExpectCommit()

	s, err := q.ClaimNext(context.Background(), "svc.rpc1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(2), s.ID)
	assert.Equal(t, 5, s.Priority)
	assert.Equal(t, StateProcessing, s.State)
	assert.Equal(t, "cli.c1", s.ReplyTo)
	require.NotNil(t, s.ProcessingAt)
	assert.True(t, processing.Equal(*s.ProcessingAt))
}

func TestClaimNextEmpty(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WithArgs("svc.rpc1").
		WillReturnRows(sqlmock.NewRows(slotRowColumns))
	mock.ExpectCommit()

	s, err := q.ClaimNext(context.Background(), "svc.rpc1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestComplete(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`state = 'processing'`).WithArgs(int64(2), "svc.rpc1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectExec(`SET state = 'empty'`).WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`state = 'processing'`).WithArgs(int64(2), "svc.rpc1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	done, err := q.Complete(context.Background(), "svc.rpc1", 2)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = q.Complete(context.Background(), "svc.rpc1", 2)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestClearQueue(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE NOWAIT`).WithArgs("svc.rpc1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectExec(`UPDATE kb_rpc_server_slots`).WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE kb_rpc_server_slots`).WithArgs(int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := q.ClearQueue(context.Background(), "svc.rpc1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCounts(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`FILTER`).WithArgs("svc.rpc1").
		WillReturnRows(sqlmock.NewRows([]string{"empty", "new_job", "processing"}).AddRow(1, 1, 0))

	c, err := q.Counts(context.Background(), "svc.rpc1")
	require.NoError(t, err)
	assert.Equal(t, Counts{Empty: 1, NewJob: 1}, c)
	assert.Equal(t, int64(2), c.Total())
	assert.Equal(t, int64(1), c.Of(StateNewJob))
}

func TestCountByStateRejectsUnknownState(t *testing.T) {
	q, _ := newMockQueue(t)
	_, err := q.CountByState(context.Background(), "svc.rpc1", State("failed"))
	assert.True(t, txn.IsValidation(err))
}

func TestListByStateOrdersNewJobsByPriority(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`ORDER BY priority DESC, requested_at ASC, id ASC`).
		WithArgs("svc.rpc1", "new_job").
		WillReturnRows(sqlmock.NewRows(slotRowColumns))

	slots, err := q.ListByState(context.Background(), "svc.rpc1", StateNewJob, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, slots)
}
