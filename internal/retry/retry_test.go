package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordWaits(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	orig := wait
	wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	t.Cleanup(func() { wait = orig })
	return &waits
}

func TestDoExponentialDelays(t *testing.T) {
	waits := recordWaits(t)
	boom := errors.New("boom")
	attempts := 0

	_, err := Do(context.Background(), Options{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		Backoff:      Exponential,
	}, func(context.Context) (int, error) {
		attempts++
		return 0, boom
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, *waits)
}

func TestDoFixedDelays(t *testing.T) {
	waits := recordWaits(t)

	_ = Run(context.Background(), Options{MaxRetries: 2, InitialDelay: 50 * time.Millisecond, Backoff: Fixed},
		func(context.Context) error { return errors.New("x") })

	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, *waits)
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	recordWaits(t)
	attempts := 0

	got, err := Do(context.Background(), Options{MaxRetries: 3, InitialDelay: time.Millisecond},
		func(context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	waits := recordWaits(t)
	auth := errors.New("unauthorized")
	attempts := 0

	err := Run(context.Background(), Options{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, auth) },
	}, func(context.Context) error {
		attempts++
		return auth
	})

	assert.Equal(t, auth, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *waits)
}

func TestDoOnRetryHook(t *testing.T) {
	recordWaits(t)
	var seen []int

	_ = Run(context.Background(), Options{
		MaxRetries:   2,
		InitialDelay: 10 * time.Millisecond,
		Backoff:      Exponential,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			seen = append(seen, attempt)
		},
	}, func(context.Context) error { return errors.New("x") })

	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	start := time.Now()
	err := Run(ctx, Options{MaxRetries: 3, InitialDelay: time.Hour}, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("x")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayClamp(t *testing.T) {
	o := Options{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Backoff: Exponential}
	assert.Equal(t, time.Second, o.Delay(1))
	assert.Equal(t, 4*time.Second, o.Delay(3))
	assert.Equal(t, 5*time.Second, o.Delay(4))
	assert.Equal(t, 5*time.Second, o.Delay(80))
	assert.Equal(t, time.Second, Options{}.Delay(0))
}
