package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("permanent")

func isRetryable(err error) bool { return !errors.Is(err, errPermanent) }

func TestDo_SucceedsFirstTime(t *testing.T) {
	calls := 0
	res := Do(context.Background(), Policy{MaxAttempts: 3, Delay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.True(t, res.OK())
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, calls)
	require.NoError(t, res.Err)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	var failures []int
	res := Do(context.Background(), Policy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		IsRetryable: isRetryable,
		OnFailure:   func(attempt int, err error) { failures = append(failures, attempt) },
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503")
		}
		return nil
	})
	require.Equal(t, Succeeded, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, []int{1, 2}, failures)
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	want := errors.New("still down")
	res := Do(context.Background(), Policy{MaxAttempts: 3, Delay: time.Millisecond, IsRetryable: isRetryable}, func(ctx context.Context) error {
		calls++
		return want
	})
	require.Equal(t, RetryableFailure, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, calls)
	require.ErrorIs(t, res.Err, want)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	failures := 0
	res := Do(context.Background(), Policy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		IsRetryable: isRetryable,
		OnFailure:   func(int, error) { failures++ },
	}, func(ctx context.Context) error {
		calls++
		return errPermanent
	})
	require.Equal(t, PermanentFailure, res.Outcome)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, failures)
	require.ErrorIs(t, res.Err, errPermanent)
}

func TestDo_ZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	res := Do(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	require.Equal(t, 1, calls)
	require.Equal(t, RetryableFailure, res.Outcome)
}

func TestDo_ContextCanceledStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := Do(ctx, Policy{MaxAttempts: 5, Delay: time.Hour}, func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 1, calls)
	require.False(t, res.OK())
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "succeeded", Succeeded.String())
	require.Equal(t, "permanent_failure", PermanentFailure.String())
}
