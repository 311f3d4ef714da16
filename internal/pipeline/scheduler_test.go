package pipeline

import (
	"testing"
	"time"

	"github.com/agridoc/backend/internal/model"
)

// fakeClock pins time so backoff math is asserted without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func testClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func TestScheduleRetry_BackoffWindow(t *testing.T) {
	clock := testClock()
	sched := NewScheduler(RetryConfig{
		MaxRetries:     3,
		BaseDelay:      5 * time.Minute,
		MaxDelay:       time.Hour,
		BackoffFactor:  2.0,
		JitterFraction: 0.2,
	}, clock)

	attempt := &model.ExtractionAttempt{
		ID:          "att-1",
		FailureCode: model.FailureTransient,
	}

	next, ok := sched.ScheduleRetry(attempt)
	if !ok || next == nil {
		t.Fatal("expected a retry to be scheduled")
	}
	// retry_count=0, base 5min, 20% jitter: 5-6 minutes out.
	delay := next.Sub(clock.now)
	if delay < 5*time.Minute || delay > 6*time.Minute {
		t.Fatalf("first retry delay = %v, want 5m..6m", delay)
	}
	if attempt.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", attempt.RetryCount)
	}
	if attempt.NextRetryAt == nil || !attempt.NextRetryAt.Equal(*next) {
		t.Fatalf("NextRetryAt not stamped: %+v", attempt.NextRetryAt)
	}
}

func TestScheduleRetry_ExponentialGrowthAndCap(t *testing.T) {
	sched := NewScheduler(RetryConfig{
		MaxRetries:    10,
		BaseDelay:     5 * time.Minute,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	}, testClock())

	wants := []time.Duration{
		5 * time.Minute,  // 5 * 2^0
		10 * time.Minute, // 5 * 2^1
		20 * time.Minute, // 5 * 2^2
		40 * time.Minute, // 5 * 2^3
		time.Hour,        // capped (would be 80m)
		time.Hour,        // still capped
	}
	for count, want := range wants {
		if got := sched.Delay(count); got != want {
			t.Errorf("Delay(%d) = %v, want %v", count, got, want)
		}
	}
}

func TestScheduleRetry_BudgetExhaustion(t *testing.T) {
	sched := NewScheduler(RetryConfig{
		MaxRetries:    3,
		BaseDelay:     5 * time.Minute,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	}, testClock())

	attempt := &model.ExtractionAttempt{FailureCode: model.FailureTransient}

	for i := 0; i < 3; i++ {
		if _, ok := sched.ScheduleRetry(attempt); !ok {
			t.Fatalf("retry %d should be allowed", i+1)
		}
	}
	if attempt.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", attempt.RetryCount)
	}

	// Fourth transient failure: budget gone, retry_count must not grow past max.
	if _, ok := sched.ScheduleRetry(attempt); ok {
		t.Fatal("retry allowed past max_retries")
	}
	if attempt.RetryCount != 3 {
		t.Fatalf("retry_count grew past max: %d", attempt.RetryCount)
	}
	if !sched.Exhausted(attempt) {
		t.Fatal("Exhausted should report true")
	}
}

func TestScheduleRetry_InvalidInputNeverRetried(t *testing.T) {
	sched := NewScheduler(DefaultRetryConfig, testClock())

	attempt := &model.ExtractionAttempt{FailureCode: model.FailureInvalidInput}

	if _, ok := sched.ScheduleRetry(attempt); ok {
		t.Fatal("invalid input must never be retried, even with budget remaining")
	}
	if attempt.RetryCount != 0 {
		t.Fatalf("retry_count changed: %d", attempt.RetryCount)
	}
}

func TestScheduleRetry_IdempotencyKeyPreserved(t *testing.T) {
	sched := NewScheduler(DefaultRetryConfig, testClock())

	attempt := &model.ExtractionAttempt{
		FailureCode:    model.FailureTransient,
		IdempotencyKey: "idem-abc123",
	}
	sched.ScheduleRetry(attempt)
	sched.ScheduleRetry(attempt)

	if attempt.IdempotencyKey != "idem-abc123" {
		t.Fatalf("idempotency key changed across retries: %s", attempt.IdempotencyKey)
	}
}

func TestDelay_JitterIsPositiveOnly(t *testing.T) {
	sched := NewScheduler(RetryConfig{
		MaxRetries:     3,
		BaseDelay:      5 * time.Minute,
		MaxDelay:       time.Hour,
		BackoffFactor:  2.0,
		JitterFraction: 0.5,
	}, testClock())

	for i := 0; i < 100; i++ {
		d := sched.Delay(0)
		if d < 5*time.Minute {
			t.Fatalf("jitter made delay shorter than base: %v", d)
		}
		if d > 8*time.Minute {
			t.Fatalf("jitter exceeded fraction: %v", d)
		}
	}
}
