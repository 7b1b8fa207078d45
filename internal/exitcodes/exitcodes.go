// Package exitcodes defines the process exit codes returned by scan-migrate
// so that schedulers can tell a retryable failure from one that needs an
// operator.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"
)

const (
	// Success - every scan in every batch was copied
	Success = 0

	// ConfigError - configuration/YAML parsing or missing required settings (don't retry)
	ConfigError = 1

	// ConnectionError - source database or remote API unreachable (recoverable)
	ConnectionError = 2

	// TransferError - a batch or the run aborted during copy (non-recoverable)
	TransferError = 3

	// ValidationError - target scans do not match the source (non-recoverable)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM, checkpoint kept (recoverable)
	Cancelled = 5

	// StateError - checkpoint or history database errors (non-recoverable)
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7

	// AuthError - credentials rejected by either instance (non-recoverable)
	AuthError = 8

	// PartialFailure - run finished but some scans were not created (re-run the blank rows of the mapping report)
	PartialFailure = 9
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error. Typed errors
// are checked first; anything else is classified by its message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	// Checked before ConfigError so "validation failed" is not taken for a config problem.
	if containsAny(errStr, []string{
		"file count",
		"mismatch",
		"validation failed",
		"target scan missing",
	}) {
		return ValidationError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"invalid configuration",
		"missing required",
		"invalid value",
		"parsing config",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"authentication failed",
		"unauthorized",
		"forbidden",
		"invalid credentials",
		"token-auth",
	}) {
		return AuthError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"pool",
		"ping",
	}) {
		return ConnectionError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context deadline",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"checkpoint",
		"state",
		"resume",
		"run not found",
		"history",
	}) {
		return StateError
	}

	if containsAny(errStr, []string{
		"scans failed",
		"partial",
	}) {
		return PartialFailure
	}

	return TransferError
}

// IsRecoverable returns true if re-running the same command may succeed.
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError, PartialFailure:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case TransferError:
		return "transfer error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	case AuthError:
		return "authentication error"
	case PartialFailure:
		return "partial failure (re-run failed scans)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
