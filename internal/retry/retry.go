// Package retry runs a remote call under a bounded, fixed-delay policy and
// reports how it ended instead of leaving the caller to inspect errors.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Outcome int

const (
	Succeeded Outcome = iota
	RetryableFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single call.
	MaxAttempts int
	Delay       time.Duration
	// IsRetryable classifies a failure. Nil treats every failure as retryable.
	IsRetryable func(error) bool
	// OnFailure runs after every failed attempt, including the last one.
	OnFailure func(attempt int, err error)
}

type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

func (r Result) OK() bool { return r.Outcome == Succeeded }

func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) Result {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempts := 0
	permanent := false
	var lastErr error

	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.OnFailure != nil {
			p.OnFailure(attempts, err)
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, b)

	if err == nil {
		return Result{Outcome: Succeeded, Attempts: attempts}
	}
	if lastErr == nil {
		lastErr = err
	}
	if permanent {
		return Result{Outcome: PermanentFailure, Attempts: attempts, Err: lastErr}
	}
	return Result{Outcome: RetryableFailure, Attempts: attempts, Err: lastErr}
}
