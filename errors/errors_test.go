package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDatabaseError(ErrCodeDatabaseConnection, "failed to reach store", cause)

	assert.Contains(t, err.Error(), ErrCodeDatabaseConnection)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError(ErrCodeNodeNotFound, "node B not found", nil)

	assert.Equal(t, ErrTypeNotFound, err.Type)
	assert.False(t, err.IsRetryable())
	assert.Equal(t, http.StatusNotFound, err.GetHTTPStatusCode())
	assert.True(t, IsNotFound(err))
}

func TestNewInvalidPathError_NotRetryable(t *testing.T) {
	// Malformed paths indicate corruption; retrying cannot help
	err := NewInvalidPathError("embedded delimiter", nil)

	assert.Equal(t, ErrTypeInvalidPath, err.Type)
	assert.False(t, err.IsRetryable())
	assert.Equal(t, http.StatusBadRequest, err.GetHTTPStatusCode())
}

func TestNewAlreadyInProgressError(t *testing.T) {
	err := NewAlreadyInProgressError("descendant_counts")

	assert.True(t, IsAlreadyInProgress(err))
	assert.True(t, err.IsRetryable())
	assert.Contains(t, err.Message, "descendant_counts")
	assert.Equal(t, http.StatusAccepted, err.GetHTTPStatusCode())
}

func TestNewTierUnavailableError(t *testing.T) {
	err := NewTierUnavailableError("L2", "dial timeout", errors.New("i/o timeout"))

	assert.True(t, IsTierUnavailable(err))
	assert.True(t, err.IsRetryable())
	assert.Contains(t, err.Message, "L2")
	assert.Equal(t, http.StatusBadGateway, err.GetHTTPStatusCode())
}

func TestNewStaleReadWarning(t *testing.T) {
	warn := NewStaleReadWarning("B")

	assert.Equal(t, ErrTypeStaleRead, warn.Type)
	assert.False(t, warn.IsRetryable())
	assert.Contains(t, warn.Message, "B")
}

func TestAsAppError_WrappedChain(t *testing.T) {
	inner := NewNotFoundError(ErrCodeNodeNotFound, "missing", nil)
	wrapped := fmt.Errorf("resolving ancestors: %w", inner)

	appErr, ok := AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrTypeNotFound, appErr.Type)
	assert.True(t, IsNotFound(wrapped))
}

func TestWrapError_PreservesRetryability(t *testing.T) {
	retryable := NewTierUnavailableError("L2", "down", nil)
	wrapped := WrapError(retryable, ErrTypeInternal, ErrCodeProcessingError, "wrapped")
	assert.True(t, wrapped.Retryable)

	nonRetryable := NewInvalidPathError("bad", nil)
	wrapped = WrapError(nonRetryable, ErrTypeInternal, ErrCodeProcessingError, "wrapped")
	assert.False(t, wrapped.Retryable)
}

func TestWrapError_Nil(t *testing.T) {
	assert.Nil(t, WrapError(nil, ErrTypeInternal, ErrCodeProcessingError, "nothing"))
}

func TestIsRetryable_PlainErrors(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(nil))
}
