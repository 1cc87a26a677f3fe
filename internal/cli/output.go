package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/kbq/internal/txn"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Success, including an empty result
	ExitFailure      = 1 // Operation failed (database error, retries exhausted, not provisioned)
	ExitCommandError = 2 // Invalid input (bad path, payload, flag, or config)
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric        = "E001"
	ErrCodeValidation     = "E002"
	ErrCodeExhausted      = "E003"
	ErrCodeNotProvisioned = "E004"
	ErrCodeConfig         = "E005"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for diagnostics (defaults to Writer)
	Verbose   bool
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusEmpty = "empty"
	StatusError = "error"
)

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status  string    `json:"status"`            // "ok", "empty" or "error"
	Data    any       `json:"data,omitempty"`    // success payload
	Message string    `json:"message,omitempty"` // why a result is empty
	Error   *CLIError `json:"error,omitempty"`   // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Emit writes data as an ok response in JSON mode, or hands the writer to
// text in text mode. A nil text prints data with %v.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: StatusOK, Data: data})
	}
	if text == nil {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	text(f.Writer)
	return nil
}

// Success outputs a one-line result.
func (f *OutputFormatter) Success(data any) error {
	return f.Emit(data, nil)
}

// Empty reports an empty result: nothing to claim, no free slot, unknown id.
// Empty is not a failure and exits 0.
func (f *OutputFormatter) Empty(message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: StatusEmpty, Message: message})
	}
	_, err := fmt.Fprintf(f.Writer, "empty: %s\n", message)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: StatusError,
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns the ExitError the command should end with.
// Empty sentinels are printed as empty results and yield nil.
func (f *OutputFormatter) Fail(err error) error {
	if err == nil {
		return nil
	}
	if txn.IsEmpty(err) {
		return f.Empty(err.Error())
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code := ErrCodeGeneric
		if exitErr.Code == ExitCommandError {
			code = ErrCodeConfig
		}
		_ = f.Error(code, exitErr.Error(), nil)
		return exitErr
	}

	var ve *txn.ValidationError
	if errors.As(err, &ve) {
		_ = f.Error(ErrCodeValidation, err.Error(), map[string]string{"field": ve.Field, "value": ve.Value})
		return WrapExitError(ExitCommandError, "invalid input", err)
	}

	var exhausted *txn.RetriesExhaustedError
	if errors.As(err, &exhausted) {
		_ = f.Error(ErrCodeExhausted, err.Error(), map[string]any{"op": exhausted.Op, "attempts": exhausted.Attempts})
		return WrapExitError(ExitFailure, "retries exhausted", err)
	}

	if errors.Is(err, txn.ErrNotProvisioned) {
		_ = f.Error(ErrCodeNotProvisioned, err.Error(), nil)
		return WrapExitError(ExitFailure, "not provisioned", err)
	}

	_ = f.Error(ErrCodeGeneric, err.Error(), nil)
	return WrapExitError(ExitFailure, "operation failed", err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
