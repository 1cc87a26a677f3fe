package metrics

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kbq/internal/txn"
)

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)
	op := txn.Op{Engine: "jobqueue", Name: "push", Path: "svc.w1"}

	o.Retried(op, 1, txn.ErrContended)
	o.Retried(op, 2, txn.ErrContended)
	o.Finished(op, 3, txn.OutcomeOK, 10*time.Millisecond)
	o.Finished(op, 1, txn.OutcomeOf(txn.ErrNoFreeSlot), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(o.retries.WithLabelValues("jobqueue", "push")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.ops.WithLabelValues("jobqueue", "push", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.ops.WithLabelValues("jobqueue", "push", "empty")))
	assert.Equal(t, 1, testutil.CollectAndCount(o.duration))
}

func TestObserverWithRunner(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)

	// a runner over a failing beginner reports an error outcome
	r := txn.NewRunner(failingBeginner{}, txn.WithObserver(o))
	err := r.Do(context.Background(), txn.Op{Engine: "stream", Name: "push"}, nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(o.ops.WithLabelValues("stream", "push", "error")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)
	o.Finished(txn.Op{Engine: "rpcserver", Name: "claim"}, 1, txn.OutcomeOK, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kbq_operations_total{engine="rpcserver",op="claim",outcome="ok"} 1`)
}

type failingBeginner struct{}

func (failingBeginner) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("connection refused")
}
