package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Beginner starts transactions. *sql.DB satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Op describes one logical operation run under the Runner.
type Op struct {
	// Engine and Name identify the operation for logs and metrics
	// (e.g. "jobqueue", "push").
	Engine string
	Name   string

	// Path is the hierarchical address the operation targets, if any.
	Path string

	// Isolation is the transaction isolation level for every attempt.
	Isolation sql.IsolationLevel

	// Policy overrides the runner's default policy when non-nil.
	Policy *Policy
}

func (o Op) String() string {
	if o.Engine == "" {
		return o.Name
	}
	return o.Engine + "." + o.Name
}

// Outcome summarizes how an operation finished.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeEmpty     Outcome = "empty"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeError     Outcome = "error"
)

// OutcomeOf maps a final error to its Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case IsEmpty(err):
		return OutcomeEmpty
	case IsValidation(err):
		return OutcomeInvalid
	case IsRetriesExhausted(err):
		return OutcomeExhausted
	default:
		return OutcomeError
	}
}

// Observer receives retry loop events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Retried(op Op, attempt int, err error)
	Finished(op Op, attempts int, outcome Outcome, elapsed time.Duration)
}

// Runner runs units of work inside transactions, retrying transient
// conflicts with capped exponential backoff.
type Runner struct {
	db       Beginner
	policy   Policy
	logger   *slog.Logger
	observer Observer
}

// Option configures a Runner.
type Option func(*Runner)

// WithPolicy sets the default retry policy.
func WithPolicy(p Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver installs an Observer (e.g. Prometheus collectors).
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a Runner over db.
func NewRunner(db Beginner, opts ...Option) *Runner {
	r := &Runner{
		db:     db,
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the runner's default policy.
func (r *Runner) Policy() Policy {
	return r.policy
}

// Do runs fn in a fresh transaction per attempt. A nil return commits;
// any error rolls the attempt back. Transient errors are retried until the
// policy's attempt budget runs out, which yields *RetriesExhaustedError.
// Permanent errors are returned as-is, unexpected errors wrapped with the
// operation name.
func (r *Runner) Do(ctx context.Context, op Op, fn func(ctx context.Context, tx *sql.Tx) error) error {
	policy := r.policy
	if op.Policy != nil {
		policy = *op.Policy
	}
	policy = policy.normalized()
	bo := policy.BackOff()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := r.attempt(ctx, op, fn)
		switch Classify(err) {
		case ClassNone, ClassPermanent:
			r.finish(op, attempt, err, start)
			return err
		case ClassUnexpected:
			err = fmt.Errorf("%s: %w", op, err)
			r.finish(op, attempt, err, start)
			return err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			exhausted := &RetriesExhaustedError{Op: op.String(), Path: op.Path, Attempts: attempt, Err: err}
			r.logger.Warn("transaction retries exhausted",
				"op", op.String(),
				"path", op.Path,
				"attempts", attempt,
				"error", err,
			)
			r.finish(op, attempt, exhausted, start)
			return exhausted
		}

		r.logger.Debug("transient conflict, retrying",
			"op", op.String(),
			"path", op.Path,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if r.observer != nil {
			r.observer.Retried(op, attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = fmt.Errorf("%s: %w", op, ctx.Err())
			r.finish(op, attempt, err, start)
			return err
		case <-timer.C:
		}
	}
}

// attempt runs a single transaction.
func (r *Runner) attempt(ctx context.Context, op Op, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: op.Isolation})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Debug("rollback failed", "op", op.String(), "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Runner) finish(op Op, attempts int, err error, start time.Time) {
	if r.observer != nil {
		r.observer.Finished(op, attempts, OutcomeOf(err), time.Since(start))
	}
}
