package api

import (
	"errors"
	"fmt"
	"net/http"
)

// RemoteError is a non-2xx response from the scan service.
type RemoteError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s returned %d", e.Op, e.URL, e.StatusCode)
}

// Transient reports whether the gateway errors the service emits under load.
func (e *RemoteError) Transient() bool {
	return e.StatusCode == http.StatusBadGateway || e.StatusCode == http.StatusServiceUnavailable
}

// Fatal reports whether the token is no longer accepted.
func (e *RemoteError) Fatal() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Rejected reports whether the service refused the request payload.
func (e *RemoteError) Rejected() bool {
	return e.StatusCode == http.StatusBadRequest
}

// AuthError means a token could not be obtained. It always aborts a run.
type AuthError struct {
	Instance string
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.Username, e.Instance, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Fatal() bool { return true }

// MalformedResponseError is a 2xx response whose body lacks a required field.
type MalformedResponseError struct {
	Op      string
	URL     string
	Missing string
	Body    string
}

func (e *MalformedResponseError) Error() string {
	if e.Missing == "" {
		return fmt.Sprintf("%s: malformed response from %s", e.Op, e.URL)
	}
	return fmt.Sprintf("%s: response from %s missing %q", e.Op, e.URL, e.Missing)
}

// IsFatal reports whether err should abort the whole run.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// IsRejected reports whether err is an HTTP 400 from the service.
func IsRejected(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Rejected()
}
