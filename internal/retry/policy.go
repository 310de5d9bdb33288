// Package retry implements the exponential backoff with jitter used around
// crawl fetches and store calls.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures retries. The zero value performs a single attempt.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the fraction of each delay that is randomised in both directions.
	Jitter float64
	Logger *slog.Logger

	sleep  func(context.Context, time.Duration) error
	random func() float64
}

// Default mirrors the crawl settings: three attempts, doubling from 500ms up to 30s.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt ceiling is reached. Exhaustion returns an *ExhaustedError.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := p.Delay(attempt)
		p.logger().Debug("retrying after failure",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if sleepErr := p.wait(ctx, delay); sleepErr != nil {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

// Delay returns the backoff before the retry that follows attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	base := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		base *= 1 + (p.rand()*2-1)*p.Jitter
	}
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func (p Policy) rand() float64 {
	if p.random != nil {
		return p.random()
	}
	return rand.Float64()
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
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

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
