package util

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds a retry loop. Backoff is a fixed delay between
// attempts. AttemptTimeout, when positive, caps each attempt; an attempt
// that runs out of time counts as a transient failure.
type RetryPolicy struct {
	MaxAttempts    int
	Backoff        time.Duration
	AttemptTimeout time.Duration
}

// RetryOutcome classifies how a retry loop ended.
type RetryOutcome int

const (
	// RetrySucceeded means one attempt returned nil.
	RetrySucceeded RetryOutcome = iota
	// RetryExhausted means every attempt failed transiently.
	RetryExhausted
	// RetryAborted means a permanent error or parent cancellation stopped
	// the loop early.
	RetryAborted
)

func (o RetryOutcome) String() string {
	switch o {
	case RetrySucceeded:
		return "succeeded"
	case RetryExhausted:
		return "exhausted"
	case RetryAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RetryResult is what Retry hands back to the caller.
type RetryResult struct {
	Outcome  RetryOutcome
	Attempts int
	Err      error // last error; nil on success
}

// OK reports whether the loop succeeded.
func (r RetryResult) OK() bool { return r.Outcome == RetrySucceeded }

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry calls fn up to policy.MaxAttempts times, sleeping policy.Backoff
// between attempts. It never sleeps after the last attempt and stops early
// on a permanent error or when ctx is cancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) RetryResult {
	attempts := max(policy.MaxAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return RetryResult{Outcome: RetrySucceeded, Attempts: attempt}
		}
		if IsPermanent(err) {
			return RetryResult{Outcome: RetryAborted, Attempts: attempt, Err: err}
		}
		if ctx.Err() != nil {
			return RetryResult{Outcome: RetryAborted, Attempts: attempt, Err: ctx.Err()}
		}

		// Don't sleep after the last failed attempt.
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return RetryResult{Outcome: RetryAborted, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(policy.Backoff):
			}
		}
	}

	return RetryResult{Outcome: RetryExhausted, Attempts: attempts, Err: err}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}
