package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/autologin/internal/model"
)

const (
	defaultRetryBase = 5 * time.Second
	defaultRetryStep = 2 * time.Second
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the delay before retry number attempt (1 for the first retry)
	NextRetry(attempt int) time.Duration
}

// LinearBackoff waits Base + attempt*Step before each retry
type LinearBackoff struct {
	Base time.Duration
	Step time.Duration
}

// NextRetry implements RetryStrategy
func (b LinearBackoff) NextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return b.Base + time.Duration(attempt)*b.Step
}

// DefaultBackoff is 7s before the first retry, 9s before the second and so on
var DefaultBackoff = LinearBackoff{Base: defaultRetryBase, Step: defaultRetryStep}

// Attempt performs one try and reports its outcome. attempt starts at 1.
type Attempt func(ctx context.Context, attempt int) (success bool, message string)

// RetryHook is called before every retry
type RetryHook func(attempt, maxAttempts int, delay time.Duration, lastError string)

// Outcome is the result of a retried operation
type Outcome struct {
	Success bool
	Message string
	// Attempts is the number of tries actually made
	Attempts int
	Kind     model.ErrorKind
}

// Retrier repeats an Attempt while its failures are classified as retryable
type Retrier struct {
	logger   *zap.Logger
	strategy RetryStrategy
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier. A nil strategy selects DefaultBackoff.
func NewRetrier(strategy RetryStrategy, logger *zap.Logger) *Retrier {
	if strategy == nil {
		strategy = DefaultBackoff
	}
	return &Retrier{
		logger:   logger.Named("retry"),
		strategy: strategy,
		sleep:    sleepContext,
	}
}

// WithStrategy returns a copy of r using strategy
func (r *Retrier) WithStrategy(strategy RetryStrategy) *Retrier {
	clone := *r
	clone.strategy = strategy
	return &clone
}

// Do runs attempt up to maxAttempts times. Values below 1 mean a single try.
func (r *Retrier) Do(ctx context.Context, maxAttempts int, attempt Attempt, hook RetryHook) Outcome {
	maxAttempts = max(1, maxAttempts)

	var last string
	tries := 0
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			delay := r.strategy.NextRetry(i)
			if hook != nil {
				hook(i+1, maxAttempts, delay, last)
			}
			r.logger.Info("Retrying after failure",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.String("last_error", last))

			if err := r.sleep(ctx, delay); err != nil {
				last = fmt.Sprintf("%s (retry aborted: %v)", last, err)
				break
			}
		}

		tries++
		ok, message := attempt(ctx, i+1)
		if ok {
			if i > 0 {
				r.logger.Info("Retry succeeded", zap.Int("attempt", i+1))
			}
			return Outcome{Success: true, Message: message, Attempts: tries}
		}

		last = message
		if !Retryable(message) {
			r.logger.Debug("Failure is not retryable", zap.String("error", message))
			break
		}
	}

	return Outcome{
		Message:  last,
		Attempts: tries,
		Kind:     Classify(last),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
