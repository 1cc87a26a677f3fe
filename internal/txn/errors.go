package txn

import (
	"errors"
	"fmt"
)

// Sentinel results for the "nothing to do" outcomes. They are control flow,
// not failures: callers check them with errors.Is or IsEmpty.
var (
	// ErrNoFreeSlot is the queue backpressure signal: the path has no free slot left.
	ErrNoFreeSlot = errors.New("no free slot")

	// ErrNotProvisioned means the path has no slot pool at all.
	ErrNotProvisioned = errors.New("path not provisioned")

	// ErrNotFound means the addressed row does not exist or is not in the expected state.
	ErrNotFound = errors.New("not found")

	// ErrContended means candidate rows exist but every one of them is locked
	// by a concurrent transaction. The runner retries it like a serialization failure.
	ErrContended = errors.New("all candidate slots are locked")
)

// ValidationError is returned for malformed input before any transaction begins.
type ValidationError struct {
	// Field names the rejected argument (e.g. "path", "state", "capacity").
	Field string

	// Value is the offending input, for diagnostics.
	Value string

	// Message is a human-readable description.
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, value, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)}
}

// RetriesExhaustedError is returned when a transient conflict persisted for
// every allowed attempt.
type RetriesExhaustedError struct {
	Op       string
	Path     string
	Attempts int
	Err      error // last transient error
}

func (e *RetriesExhaustedError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: retries exhausted for path %s after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetriesExhausted reports whether err is (or wraps) a RetriesExhaustedError.
func IsRetriesExhausted(err error) bool {
	var re *RetriesExhaustedError
	return errors.As(err, &re)
}

// IsEmpty reports whether err is one of the normal "empty" outcomes.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrNoFreeSlot) || errors.Is(err, ErrNotFound)
}
