package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable_NilError(t *testing.T) {
	assert.False(t, IsRetryable(nil))
}

func TestIsRetryable_ServerError(t *testing.T) {
	err := &RemoteError{Status: 500, Code: "internal_error", Message: "server error"}
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_TooManyRequests(t *testing.T) {
	err := &RemoteError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many"}
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_RequestTimeout(t *testing.T) {
	err := &RemoteError{Status: http.StatusRequestTimeout, Code: "timeout", Message: "slow"}
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_ClientErrors(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 409, 422} {
		err := &RemoteError{Status: status, Code: "client", Message: "nope"}
		assert.False(t, IsRetryable(err), "status %d", status)
	}
}

func TestIsRetryable_Wrapped(t *testing.T) {
	err := fmt.Errorf("insert birds/1: %w", NewValidationError("name required"))
	assert.False(t, IsRetryable(err))

	err = fmt.Errorf("update birds/1: %w", NewUnavailableError("maintenance"))
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_UnknownErrorIsTransient(t *testing.T) {
	err := &http.MaxBytesError{Limit: 100}
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable_Context(t *testing.T) {
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(fmt.Errorf("attempt: %w", context.DeadlineExceeded)))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("x: %w", &RemoteError{Status: 404})))
	assert.False(t, IsNotFound(errors.New("boom")))
}
