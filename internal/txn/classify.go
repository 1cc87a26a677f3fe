package txn

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// Class is the retry disposition of an error.
type Class int

const (
	// ClassNone is a nil error.
	ClassNone Class = iota
	// ClassPermanent is an expected outcome that retrying cannot change.
	ClassPermanent
	// ClassTransient is a conflict with a concurrent transaction; retry after backoff.
	ClassTransient
	// ClassUnexpected is any other failure; propagate without retry.
	ClassUnexpected
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassPermanent:
		return "permanent"
	case ClassTransient:
		return "transient"
	default:
		return "unexpected"
	}
}

// PostgreSQL SQLSTATE codes treated as transient.
const (
	codeSerializationFailure pq.ErrorCode = "40001"
	codeDeadlockDetected     pq.ErrorCode = "40P01"
	codeLockNotAvailable     pq.ErrorCode = "55P03"
)

// Classify maps an error returned from a unit of work (or from BeginTx/Commit)
// to its retry disposition.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassUnexpected
	}
	if errors.Is(err, ErrContended) {
		return ClassTransient
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return ClassTransient
		}
		return ClassUnexpected
	}
	if errors.Is(err, ErrNoFreeSlot) ||
		errors.Is(err, ErrNotProvisioned) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, sql.ErrNoRows) ||
		IsValidation(err) {
		return ClassPermanent
	}
	return ClassUnexpected
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
