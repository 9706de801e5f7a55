package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryPolicy is the bounded retry applied to renders and deliveries.
// Attempts counts the first try; Backoff is the base delay before a retry.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	MaxDelay time.Duration
}

// RenderRetryPolicy is one retry after a short jittered pause.
func RenderRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 2, Backoff: 2 * time.Second, MaxDelay: 5 * time.Second}
}

// DeliveryRetryPolicy is one immediate retry.
func DeliveryRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 2}
}

// ShouldRetry decides whether the error of the given 1-based attempt is
// worth another try.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= max(1, p.Attempts) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBotChallenge) {
		return false
	}
	var cfgErr *ConfigurationError
	return !errors.As(err, &cfgErr)
}

// Delay returns the wait before the attempt following the given one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	delay := float64(p.Backoff) * math.Pow(2, float64(max(0, attempt-1)))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// run calls op until it succeeds, the policy gives up or ctx ends. It returns
// the number of attempts made and the last error.
func (p RetryPolicy) run(ctx context.Context, pauser pauseController, op func(ctx context.Context, attempt int) error) (int, error) {
	var err error
	attempt := 0
	for {
		attempt++
		err = op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !p.ShouldRetry(err, attempt) {
			return attempt, err
		}
		pauser.Pause(ctx, p.Delay(attempt))
		if ctx.Err() != nil {
			return attempt, err
		}
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
