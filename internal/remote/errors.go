package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// RemoteError represents a structured error from the remote store.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the status is worth retrying:
// 5xx, 408 Request Timeout and 429 Too Many Requests.
func (e *RemoteError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
}

// NewValidationError builds a non-retryable validation failure.
func NewValidationError(msg string) *RemoteError {
	return &RemoteError{Code: "validation_failed", Message: msg, Status: http.StatusUnprocessableEntity}
}

// NewPermissionError builds a non-retryable permission failure.
func NewPermissionError(msg string) *RemoteError {
	return &RemoteError{Code: "permission_denied", Message: msg, Status: http.StatusForbidden}
}

// NewUnavailableError builds a retryable server-side failure.
func NewUnavailableError(msg string) *RemoteError {
	return &RemoteError{Code: "unavailable", Message: msg, Status: http.StatusServiceUnavailable}
}

// IsRetryable classifies an error returned by a Store.
// Network failures, timeouts, 5xx, 408 and 429 are retryable. Validation and
// permission failures (other 4xx) and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return true // unknown transport failures are treated as transient
}

// IsNotFound reports whether err is a 404 from the remote store.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

// errorBody is the error format returned by PostgREST-style backends.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
	Error   string `json:"error"`
}

func decodeError(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	code := body.Code
	if code == "" {
		code = body.Error
	}
	msg := body.Message
	if body.Details != "" {
		msg += " (" + body.Details + ")"
	}
	return &RemoteError{
		Code:    code,
		Message: msg,
		Status:  resp.StatusCode,
	}
}
