package pipeline

import (
	"math"
	"math/rand"
	"time"

	"github.com/agridoc/backend/internal/model"
)

// Clock abstracts time so retry decisions are testable without real delays.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64 // 0.0 to 1.0 — fraction of delay to randomize
}

// DefaultRetryConfig is tuned for the external extraction engines: minutes of
// base delay, capped at an hour.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	BaseDelay:      5 * time.Minute,
	MaxDelay:       time.Hour,
	BackoffFactor:  2.0,
	JitterFraction: 0.2,
}

// Scheduler decides if and when a failed attempt is retried. The decision is
// pure: waking up and re-invoking the extractor is the dispatcher's job.
type Scheduler struct {
	cfg   RetryConfig
	clock Clock
	rand  *rand.Rand
}

// NewScheduler creates a scheduler. A nil clock falls back to the system
// clock.
func NewScheduler(cfg RetryConfig, clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	return &Scheduler{
		cfg:   cfg,
		clock: clock,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxRetries exposes the configured retry budget for the retry endpoint.
func (s *Scheduler) MaxRetries() int { return s.cfg.MaxRetries }

// ScheduleRetry decides the next retry for a failed attempt. It returns
// (nil, false) when no retry is allowed: the failure is non-retriable or the
// budget is exhausted. Otherwise it increments the attempt's retry counter,
// stamps NextRetryAt, and preserves the idempotency key so a slow prior
// execution and the retry cannot both commit.
func (s *Scheduler) ScheduleRetry(attempt *model.ExtractionAttempt) (*time.Time, bool) {
	if attempt.FailureCode == model.FailureInvalidInput {
		// Malformed input is never retried regardless of remaining budget.
		return nil, false
	}
	if attempt.RetryCount >= s.cfg.MaxRetries {
		return nil, false
	}

	delay := s.Delay(attempt.RetryCount)
	next := s.clock.Now().Add(delay)

	attempt.RetryCount++
	attempt.NextRetryAt = &next
	return &next, true
}

// Delay computes the backoff for a given retry count:
// min(maxDelay, baseDelay * factor^retryCount) + jitter. Pure and
// side-effect-free apart from the jitter draw.
func (s *Scheduler) Delay(retryCount int) time.Duration {
	delay := float64(s.cfg.BaseDelay) * math.Pow(s.cfg.BackoffFactor, float64(retryCount))
	if delay > float64(s.cfg.MaxDelay) {
		delay = float64(s.cfg.MaxDelay)
	}
	if s.cfg.JitterFraction > 0 {
		// Positive-only jitter keeps the computed time a lower bound, so the
		// dispatcher never wakes an attempt early.
		delay += delay * s.cfg.JitterFraction * s.rand.Float64()
	}
	return time.Duration(delay)
}

// Exhausted reports whether the attempt has no automatic retry budget left.
func (s *Scheduler) Exhausted(attempt *model.ExtractionAttempt) bool {
	return attempt.RetryCount >= s.cfg.MaxRetries
}
