package retry

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

var errDisconnected = types.NewTransportError("websocket read", assert.AnError)

func TestNeverDoesNotRetry(t *testing.T) {
	decision := Never().Decide(1, errDisconnected)
	assert.False(t, decision.Retry)
}

func TestExponentialBackoffBoundsAttempts(t *testing.T) {
	policy := ExponentialBackoff(time.Second, 30*time.Second, 5)

	attempts := 1
	var delays []time.Duration
	for {
		decision := policy.Decide(attempts, errDisconnected)
		if !decision.Retry {
			break
		}
		delays = append(delays, decision.Backoff)
		attempts++
		require.LessOrEqual(t, attempts, 100)
	}

	assert.Equal(t, 5, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestExponentialBackoffIsCappedAndNonDecreasing(t *testing.T) {
	policy := ExponentialBackoff(time.Second, 30*time.Second, 0)

	var prev time.Duration
	for attempt := 1; attempt <= 200; attempt++ {
		decision := policy.Decide(attempt, errDisconnected)
		require.True(t, decision.Retry)
		require.GreaterOrEqual(t, decision.Backoff, prev)
		require.LessOrEqual(t, decision.Backoff, 30*time.Second)
		prev = decision.Backoff
	}
	assert.Equal(t, 30*time.Second, prev)
}

func TestFixedInterval(t *testing.T) {
	policy := FixedInterval(250*time.Millisecond, 3)

	assert.Equal(t, Decision{Retry: true, Backoff: 250 * time.Millisecond}, policy.Decide(1, errDisconnected))
	assert.Equal(t, Decision{Retry: true, Backoff: 250 * time.Millisecond}, policy.Decide(2, errDisconnected))
	assert.False(t, policy.Decide(3, errDisconnected).Retry)
}

func TestNonRetryableErrorsStop(t *testing.T) {
	policies := []Policy{
		ExponentialBackoff(time.Second, time.Minute, 0),
		FixedInterval(time.Second, 0),
	}
	for _, policy := range policies {
		assert.False(t, policy.Decide(1, types.NewDecodeError(solana.PublicKey{}, "User", assert.AnError)).Retry)
		assert.False(t, policy.Decide(1, types.ErrNotFound).Retry)
		assert.False(t, policy.Decide(1, types.ErrUnsigned).Retry)
	}
}

func TestFromConfig(t *testing.T) {
	policy, err := FromConfig("never", time.Second, time.Second, 1)
	require.NoError(t, err)
	assert.Equal(t, Never(), policy)

	policy, err = FromConfig("Exponential", time.Second, 30*time.Second, 5)
	require.NoError(t, err)
	assert.Equal(t, ExponentialBackoff(time.Second, 30*time.Second, 5), policy)

	_, err = FromConfig("sometimes", 0, 0, 0)
	require.Error(t, err)
}

func TestSleepStopsOnDone(t *testing.T) {
	done := make(chan struct{})
	close(done)
	assert.False(t, Sleep(done, time.Hour))
	assert.True(t, Sleep(make(chan struct{}), time.Millisecond))
}
