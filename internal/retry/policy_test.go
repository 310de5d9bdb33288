package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPolicy(slept *[]time.Duration) Policy {
	p := Policy{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     300 * time.Millisecond,
	}
	p.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return p
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("store unavailable"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)
	calls := 0
	boom := errors.New("malformed response")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
	require.Empty(t, slept)
}

func TestDoExhaustsAttempts(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return &StatusError{Code: 503, URL: "https://www.jumia.co.ke/laptops/"}
	})
	require.ErrorIs(t, err, ErrExhausted)
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 4, exhausted.Attempts)
	require.Equal(t, 4, calls)
	// capped at MaxDelay
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, slept)
}

func TestDoStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("timeout"))
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestDelayJitterStaysWithinBounds(t *testing.T) {
	p := Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second, Jitter: 0.5}
	p.random = func() float64 { return 0 }
	require.Equal(t, 500*time.Millisecond, p.Delay(1))
	p.random = func() float64 { return 1 }
	require.Equal(t, 3*time.Second, p.Delay(2))
	require.Equal(t, 10*time.Second, p.Delay(5))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"429", &StatusError{Code: 429}, true},
		{"502", &StatusError{Code: 502}, true},
		{"404", &StatusError{Code: 404}, false},
		{"403", &StatusError{Code: 403}, false},
		{"plain", errors.New("parse failure"), false},
		{"marked transient", Transient(errors.New("x")), true},
		{"permanent beats timeout", Permanent(context.DeadlineExceeded), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
