package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harun/conductor/pkg/llm"
)

// Context describes a failed attempt. A fresh value is built for every
// failure and handed to Strategy.Evaluate.
type Context struct {
	// Attempt is the 1-indexed number of the attempt that just failed.
	Attempt      int
	Err          error
	FirstErrorAt time.Time
	LastErrorAt  time.Time
	TaskID       string
	AgentType    string
}

// Decision is the verdict of a Strategy for one failed attempt
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	Reason      string
}

// Strategy decides whether and when a failed operation is retried.
// The engine in Do is policy-agnostic; everything about which errors are
// transient lives here.
type Strategy interface {
	Evaluate(rc Context) Decision
	MaxAttempts() int
}

// Backoff computes exponential delays with additive jitter:
// min(Base*2^n + jitter, Max) where jitter is uniform in [0, JitterFactor*Base*2^n].
type Backoff struct {
	Base         time.Duration
	Max          time.Duration
	JitterFactor float64
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoff returns the provider rate limit backoff: 1s base, 30s cap, up to 30% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:         1 * time.Second,
		Max:          30 * time.Second,
		JitterFactor: 0.3,
	}
}

// Delay returns the wait before retry number n (0-indexed).
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	raw := float64(b.Base) * math.Pow(2, float64(n))

	if b.JitterFactor > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		raw += raw * b.JitterFactor * r()
	}

	if b.Max > 0 && raw > float64(b.Max) {
		return b.Max
	}
	// Guard against overflow for very large n.
	if raw > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// ExponentialStrategy retries errors accepted by Retryable with exponential backoff.
type ExponentialStrategy struct {
	Backoff  Backoff
	Attempts int
	// Retryable classifies errors. Defaults to llm.IsRetryable.
	Retryable func(error) bool
}

// NewExponentialStrategy creates a strategy retrying transient errors.
func NewExponentialStrategy(b Backoff, attempts int) *ExponentialStrategy {
	return &ExponentialStrategy{Backoff: b, Attempts: attempts}
}

func (s *ExponentialStrategy) Name() string { return "exponential" }

func (s *ExponentialStrategy) MaxAttempts() int { return s.Attempts }

func (s *ExponentialStrategy) Evaluate(rc Context) Decision {
	retryable := s.Retryable
	if retryable == nil {
		retryable = llm.IsRetryable
	}
	if !retryable(rc.Err) {
		return Decision{Reason: "error is not retryable"}
	}
	delay := s.Backoff.Delay(rc.Attempt - 1)
	return Decision{
		ShouldRetry: true,
		Delay:       delay,
		Reason:      fmt.Sprintf("transient error, attempt %d/%d", rc.Attempt, s.Attempts),
	}
}

// RateLimitStrategy retries only rate limit errors. A Retry-After hint from
// the provider wins when it is longer than the computed backoff.
type RateLimitStrategy struct {
	Backoff  Backoff
	Attempts int
}

// NewRateLimitStrategy creates a strategy with the given backoff and attempt ceiling.
func NewRateLimitStrategy(b Backoff, attempts int) *RateLimitStrategy {
	if attempts <= 0 {
		attempts = 5
	}
	return &RateLimitStrategy{Backoff: b, Attempts: attempts}
}

// DefaultRateLimitStrategy returns the built-in provider rate limit handler.
func DefaultRateLimitStrategy() *RateLimitStrategy {
	return NewRateLimitStrategy(DefaultBackoff(), 5)
}

func (s *RateLimitStrategy) Name() string { return "rate_limit" }

func (s *RateLimitStrategy) MaxAttempts() int { return s.Attempts }

func (s *RateLimitStrategy) Evaluate(rc Context) Decision {
	if !llm.IsRateLimit(rc.Err) {
		return Decision{Reason: "not a rate limit error"}
	}

	delay := s.Backoff.Delay(rc.Attempt - 1)
	var rle *llm.RateLimitError
	if errors.As(rc.Err, &rle) && rle.RetryAfter > delay {
		delay = rle.RetryAfter
		if s.Backoff.Max > 0 && delay > s.Backoff.Max {
			delay = s.Backoff.Max
		}
	}

	return Decision{
		ShouldRetry: true,
		Delay:       delay,
		Reason:      fmt.Sprintf("rate limited, backing off %s", delay),
	}
}

// Never is a strategy that never retries
type Never struct{}

func (Never) Name() string { return "never" }

func (Never) MaxAttempts() int { return 1 }

func (Never) Evaluate(Context) Decision { return Decision{Reason: "retries disabled"} }
