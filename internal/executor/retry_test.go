package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/autologin/internal/authflow"
	"github.com/t77yq/autologin/internal/model"
)

func newTestRetrier(t *testing.T, delays *[]time.Duration) *Retrier {
	r := NewRetrier(nil, zaptest.NewLogger(t))
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
	return r
}

func failing(message string, calls *int) Attempt {
	return func(ctx context.Context, attempt int) (bool, string) {
		*calls++
		return false, message
	}
}

func TestLinearBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, DefaultBackoff.NextRetry(0))
	assert.Equal(t, 7*time.Second, DefaultBackoff.NextRetry(1))
	assert.Equal(t, 9*time.Second, DefaultBackoff.NextRetry(2))

	custom := LinearBackoff{Base: 10 * time.Second, Step: time.Second}
	assert.Equal(t, 12*time.Second, custom.NextRetry(2))
}

func TestRetrier_NonRetryableStopsAfterOneAttempt(t *testing.T) {
	var delays []time.Duration
	calls := 0

	outcome := newTestRetrier(t, &delays).Do(context.Background(), 3, failing(authflow.MsgStillOnLoginPage, &calls), nil)

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, model.ErrorKindLoginFailed, outcome.Kind)
	assert.Equal(t, authflow.MsgStillOnLoginPage, outcome.Message)
	assert.Empty(t, delays)
}

func TestRetrier_RetryableUsesEveryAttempt(t *testing.T) {
	var delays []time.Duration
	var hooked []int
	calls := 0

	outcome := newTestRetrier(t, &delays).Do(context.Background(), 3,
		failing("timeout: context deadline exceeded", &calls),
		func(attempt, maxAttempts int, delay time.Duration, lastError string) {
			hooked = append(hooked, attempt)
			assert.Equal(t, 3, maxAttempts)
			assert.Equal(t, "timeout: context deadline exceeded", lastError)
		})

	assert.False(t, outcome.Success)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, model.ErrorKindNetwork, outcome.Kind)
	assert.Equal(t, []int{2, 3}, hooked)

	require.Len(t, delays, 2)
	assert.Equal(t, []time.Duration{7 * time.Second, 9 * time.Second}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestRetrier_SucceedsOnRetry(t *testing.T) {
	var delays []time.Duration

	outcome := newTestRetrier(t, &delays).Do(context.Background(), 3,
		func(ctx context.Context, attempt int) (bool, string) {
			if attempt == 1 {
				return false, authflow.MsgWindowNotOpened + ", current url: https://example.com/login"
			}
			return true, "OAuth login succeeded"
		}, nil)

	assert.True(t, outcome.Success)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, model.ErrorKindNone, outcome.Kind)
	assert.Len(t, delays, 1)
}

func TestRetrier_AtLeastOneAttempt(t *testing.T) {
	var delays []time.Duration
	calls := 0

	outcome := newTestRetrier(t, &delays).Do(context.Background(), 0, failing("browser exception: target closed", &calls), nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, model.ErrorKindSystemException, outcome.Kind)
}

func TestRetrier_CancelledWhileWaiting(t *testing.T) {
	var delays []time.Duration
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := newTestRetrier(t, &delays).Do(ctx, 3, failing("timeout: navigation", &calls), nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Contains(t, outcome.Message, "retry aborted")
	assert.Equal(t, model.ErrorKindNetwork, outcome.Kind)
}

func TestRetrier_WithStrategy(t *testing.T) {
	var delays []time.Duration
	calls := 0
	r := newTestRetrier(t, &delays).WithStrategy(LinearBackoff{Base: time.Second})

	r.Do(context.Background(), 2, failing("network unreachable", &calls), nil)

	assert.Equal(t, []time.Duration{time.Second}, delays)
}
