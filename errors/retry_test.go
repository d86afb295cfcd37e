package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryer_SucceedsAfterTransientFailures(t *testing.T) {
	retryer := NewRetryer(&RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		BackoffFactor:   2.0,
		RetryableErrors: []ErrorType{ErrTypeTierUnavailable},
	})

	attempts := 0
	err := retryer.Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return NewTierUnavailableError("L2", "transient", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_StopsOnNonRetryable(t *testing.T) {
	retryer := NewRetryer(&RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		BackoffFactor:   2.0,
		RetryableErrors: []ErrorType{ErrTypeTierUnavailable},
	})

	attempts := 0
	err := retryer.Execute(context.Background(), func() error {
		attempts++
		return NewInvalidPathError("corrupt", nil)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_ExhaustsRetries(t *testing.T) {
	retryer := NewRetryer(&RetryConfig{
		MaxRetries:      2,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffFactor:   2.0,
		RetryableErrors: []ErrorType{ErrTypeDatabase},
	})

	attempts := 0
	err := retryer.Execute(context.Background(), func() error {
		attempts++
		return NewDatabaseError(ErrCodeDatabaseQuery, "still failing", nil)
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Contains(t, appErr.Details, "2 retries")
}

func TestRetryer_HonorsContextCancellation(t *testing.T) {
	retryer := NewRetryer(&RetryConfig{
		MaxRetries:      5,
		BaseDelay:       50 * time.Millisecond,
		MaxDelay:        time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []ErrorType{ErrTypeTierUnavailable},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := retryer.Execute(ctx, func() error {
		return NewTierUnavailableError("L2", "down", nil)
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteWithResult(t *testing.T) {
	attempts := 0
	result, err := ExecuteWithResult(context.Background(), &RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffFactor:   2.0,
		RetryableErrors: []ErrorType{ErrTypeTierUnavailable},
	}, func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", NewTierUnavailableError("L2", "transient", nil)
		}
		return "cached-value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "cached-value", result)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		MaxRequests:      1,
	})

	fail := func() error { return errors.New("boom") }

	assert.Error(t, cb.Execute(context.Background(), fail))
	assert.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, CircuitBreakerOpen, cb.GetState())

	// Open breaker rejects without running the operation
	ran := false
	err := cb.Execute(context.Background(), func() error {
		ran = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, ran)
	assert.True(t, IsTierUnavailable(err))
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     5 * time.Millisecond,
		MaxRequests:      1,
	})

	assert.Error(t, cb.Execute(context.Background(), func() error { return errors.New("boom") }))
	assert.Equal(t, CircuitBreakerOpen, cb.GetState())

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, cb.GetState())
}
