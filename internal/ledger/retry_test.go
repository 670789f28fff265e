package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
}

func TestWithRetryTransientThenSuccess(t *testing.T) {
	// Succeeding on the last retry proves every leg of the schedule runs.
	calls := 0
	out, err := withRetry(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		if calls < 4 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 4, calls)
}

func TestWithRetryPermanentSurfacesImmediately(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		return 0, errors.New("execution reverted: request not funded")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryClassifiedPermanentFault(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		return 0, fault.New(fault.Permanent, "writes disabled")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, fault.Permanent, fault.KindOf(err))
}

func TestWithRetryExhaustionIsTransient(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), fastPolicy(), func() (int, error) {
		calls++
		return 0, errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "one initial call plus three retries")
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := withRetry(ctx, RetryPolicy{Attempts: 3, BaseDelay: time.Minute}, func() (int, error) {
		return 0, errors.New("i/o timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransientRPC(t *testing.T) {
	assert.False(t, isTransientRPC(nil))
	assert.False(t, isTransientRPC(errors.New("nonce too low")))
	assert.False(t, isTransientRPC(errors.New("insufficient funds for gas")))
	assert.False(t, isTransientRPC(context.Canceled))
	assert.True(t, isTransientRPC(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransientRPC(errors.New("request timed out")))
}
