package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aidchain/orchestrator/internal/pkg/fault"
)

// RetryPolicy bounds the exponential backoff for transient RPC faults.
// Attempts counts retries after the initial call.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times: 500 ms, 2 s, 8 s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond}
}

// withRetry runs fn under the policy. Only transient errors are retried;
// permanent errors and context cancellation surface immediately. The delay
// quadruples each retry (500 ms, 2 s, 8 s with defaults).
func withRetry[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := policy.BaseDelay
	for attempt := 0; attempt <= policy.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			delay *= 4
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isTransientRPC(err) {
			return zero, err
		}
	}
	return zero, fault.Wrap(fault.Transient, "retries exhausted", lastErr)
}

// permanentMarkers identify RPC errors no retry can fix.
var permanentMarkers = []string{
	"execution reverted",
	"invalid opcode",
	"insufficient funds",
	"nonce too low",
	"replacement transaction underpriced",
	"invalid sender",
}

// isTransientRPC classifies an RPC error. Reverts and signer problems are
// permanent; timeouts, connection failures and node hiccups are transient.
func isTransientRPC(err error) bool {
	if err == nil {
		return false
	}
	if fault.KindOf(err) == fault.Permanent {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}
