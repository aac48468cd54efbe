package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	res := Retry(context.Background(), RetryPolicy{MaxAttempts: 5}, func(context.Context) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if !res.OK() {
		t.Fatalf("Retry returned unexpected outcome %v: %v", res.Outcome, res.Err)
	}
	if attempts != targetAttempts || res.Attempts != targetAttempts {
		t.Errorf("Retry called fn %d times (reported %d), want %d", attempts, res.Attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	res := Retry(context.Background(), RetryPolicy{MaxAttempts: maxAttempts}, func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	if res.Outcome != RetryExhausted {
		t.Fatalf("Outcome = %v, want exhausted", res.Outcome)
	}
	if res.Err == nil {
		t.Fatal("Retry should return the last error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStopsEarly(t *testing.T) {
	attempts := 0
	boom := errors.New("bad ticker")

	res := Retry(context.Background(), RetryPolicy{MaxAttempts: 5}, func(context.Context) error {
		attempts++
		return Permanent(boom)
	})

	if res.Outcome != RetryAborted {
		t.Fatalf("Outcome = %v, want aborted", res.Outcome)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want wrapped %v", res.Err, boom)
	}
}

func TestRetryAttemptTimeoutIsTransient(t *testing.T) {
	attempts := 0
	res := Retry(context.Background(), RetryPolicy{
		MaxAttempts:    2,
		AttemptTimeout: 5 * time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})

	if res.Outcome != RetryExhausted {
		t.Fatalf("Outcome = %v, want exhausted", res.Outcome)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want deadline exceeded", res.Err)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res := Retry(ctx, RetryPolicy{MaxAttempts: 3, Backoff: time.Hour}, func(context.Context) error {
		cancel()
		return errors.New("transient")
	})
	if res.Outcome != RetryAborted {
		t.Fatalf("Outcome = %v, want aborted", res.Outcome)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if got := rl.PerSecond(); got != 1 {
		t.Errorf("PerSecond() = %v, want 1", got)
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait returned error: %v", err)
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(cctx); err == nil {
		t.Error("second Wait should fail before the next token at 1/min")
	}
}

func TestDayHelpers(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	ts := time.Date(2024, 3, 5, 23, 30, 0, 0, loc)
	d := Day(ts)
	if want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC); !d.Equal(want) {
		t.Errorf("Day() = %v, want %v", d, want)
	}
	if got := FormatDay(AddDays(d, 1)); got != "2024-03-06" {
		t.Errorf("AddDays(+1) = %q, want 2024-03-06", got)
	}
	if FormatDay(time.Time{}) != "" {
		t.Error("FormatDay(zero) should be empty")
	}
	p, err := ParseDay("2024-02-29")
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	if p.Day() != 29 {
		t.Errorf("ParseDay day = %d, want 29", p.Day())
	}
	if _, err := ParseDay("not-a-day"); err == nil {
		t.Error("ParseDay should reject malformed input")
	}
}

func TestFixedClock(t *testing.T) {
	c := FixedClock(time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC))
	if got := FormatDay(c.Today()); got != "2024-05-01" {
		t.Errorf("Today() = %q, want 2024-05-01", got)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("debug", "json", &buf).Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json logger output = %q", buf.String())
	}

	buf.Reset()
	NewLogger("warn", "text", &buf).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record should be filtered at warn level, got %q", buf.String())
	}

	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
