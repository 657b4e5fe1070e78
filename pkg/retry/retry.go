package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ExhaustedError is returned when a strategy's attempt ceiling is reached.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type options struct {
	convert   func(error) error
	sleep     Sleeper
	taskID    string
	agentType string
	logger    zerolog.Logger
	onRetry   func(rc Context, d Decision)
	now       func() time.Time
}

// Option configures Do
type Option func(*options)

// WithErrorConverter maps raw errors before they reach the strategy.
func WithErrorConverter(fn func(error) error) Option {
	return func(o *options) { o.convert = fn }
}

// WithSleeper replaces the delay implementation. Tests use it to record
// delays without waiting.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// WithTaskInfo labels retry contexts with the task and agent being served.
func WithTaskInfo(taskID, agentType string) Option {
	return func(o *options) {
		o.taskID = taskID
		o.agentType = agentType
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithOnRetry registers a callback invoked before each retry delay.
func WithOnRetry(fn func(rc Context, d Decision)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs fn until it succeeds, the strategy declines, the attempt ceiling
// is reached or ctx is done. A declined error is returned unchanged.
func Do[T any](ctx context.Context, s Strategy, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{
		convert: func(err error) error { return err },
		sleep:   SleepContext,
		logger:  log.Logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := s.MaxAttempts()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	var firstErrorAt time.Time

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				o.logger.Debug().Int("attempts", attempt).Msg("Retry succeeded")
			}
			return result, nil
		}

		err = o.convert(err)
		now := o.now()
		if firstErrorAt.IsZero() {
			firstErrorAt = now
		}

		rc := Context{
			Attempt:      attempt,
			Err:          err,
			FirstErrorAt: firstErrorAt,
			LastErrorAt:  now,
			TaskID:       o.taskID,
			AgentType:    o.agentType,
		}

		decision := s.Evaluate(rc)
		if !decision.ShouldRetry {
			o.logger.Debug().Err(err).Str("reason", decision.Reason).Msg("Not retrying")
			return zero, err
		}

		if attempt >= maxAttempts {
			o.logger.Warn().Err(err).Int("attempts", attempt).Msg("Max retries exhausted")
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		o.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", decision.Delay).
			Str("reason", decision.Reason).
			Str("task_id", o.taskID).
			Msg("Retrying after failure")

		observability.RecordRetry(strategyName(s))
		if o.onRetry != nil {
			o.onRetry(rc, decision)
		}

		if err := o.sleep(ctx, decision.Delay); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
}

func strategyName(s Strategy) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
