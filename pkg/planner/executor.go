package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/agent"
)

// DefaultMaxParallel bounds how many steps run at once.
const DefaultMaxParallel = 4

var (
	// ErrStepFailed is matched by every PlanError.
	ErrStepFailed = errors.New("plan step failed")

	errPlanAborted = errors.New("plan aborted after a required step failed")
)

// StepExecutor runs the task of one step. It is called concurrently for
// independent steps.
type StepExecutor func(ctx context.Context, step StepView, task agent.Task) agent.TaskResult

// PlanError lists every required step that failed or was skipped.
type PlanError struct {
	Steps []StepView
}

func (e *PlanError) Error() string {
	parts := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		parts = append(parts, fmt.Sprintf("step %d (%s): %s", s.Index, s.Agent, StepFailureMessage(s)))
	}
	return "plan failed: " + strings.Join(parts, "; ")
}

func (e *PlanError) Unwrap() error { return ErrStepFailed }

// StepFailureMessage summarizes why a step did not complete.
func StepFailureMessage(s StepView) string {
	if s.Status == StepStatusSkipped {
		return "skipped: " + s.SkipReason
	}
	if s.Result == nil {
		return string(s.Status)
	}
	if te, ok := s.Result.FirstError(); ok {
		return te.Message
	}
	return s.Result.Output
}

// Executor runs plans, starting each step as soon as all of its
// dependencies have completed.
type Executor struct {
	maxParallel int
	logger      zerolog.Logger
	observer    func(StepView)
	observeMu   sync.Mutex
}

// Option configures an Executor
type Option func(*Executor)

// WithMaxParallel bounds concurrently running steps.
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithObserver registers a callback for every step status change.
// Calls are serialized.
func WithObserver(fn func(StepView)) Option {
	return func(e *Executor) { e.observer = fn }
}

// NewExecutor creates a new plan executor
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		maxParallel: DefaultMaxParallel,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs plan to completion. It returns a *PlanError when a required
// step fails or is skipped; optional step failures are only recorded on the
// plan. A failed required step cancels running siblings and keeps
// un-started steps from starting.
func (e *Executor) Execute(ctx context.Context, plan *ExecutionPlan, run StepExecutor) error {
	if _, err := ExecutionOrder(plan); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	n := len(plan.Steps)
	sem := semaphore.NewWeighted(int64(e.maxParallel))
	pending := make([]int, n)
	dependents := make([][]int, n)
	for _, s := range plan.Steps {
		pending[s.Index] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Index)
		}
	}

	done := make(chan int, n)
	running := 0
	aborted := false

	abort := func() {
		if !aborted {
			aborted = true
			cancel(errPlanAborted)
		}
	}

	launch := func(i int) {
		running++
		task := plan.Steps[i].Task
		go func() {
			defer func() { done <- i }()

			if err := sem.Acquire(ctx, 1); err != nil {
				e.skip(plan, i, "plan aborted before the step started")
				return
			}
			defer sem.Release(1)
			if ctx.Err() != nil {
				e.skip(plan, i, "plan aborted before the step started")
				return
			}

			view := plan.update(i, func(s *Step) {
				s.Status = StepStatusRunning
				s.StartedAt = time.Now()
			})
			e.notify(view)

			result := e.runStep(ctx, run, view, task)

			view = plan.update(i, func(s *Step) {
				s.Result = &result
				s.FinishedAt = time.Now()
				if result.Success {
					s.Status = StepStatusCompleted
				} else {
					s.Status = StepStatusFailed
				}
			})
			observability.RecordPlanStep(view.Agent, string(view.Status))
			e.notify(view)
		}()
	}

	for i, p := range pending {
		if p == 0 {
			launch(i)
		}
	}

	for running > 0 {
		i := <-done
		running--

		view := plan.StepView(i)
		succeeded := view.Status == StepStatusCompleted
		if !succeeded {
			e.logger.Warn().
				Int("step", i).
				Str("agent", view.Agent).
				Bool("optional", view.Optional).
				Str("status", string(view.Status)).
				Msg("Plan step did not complete")
			if !view.Optional {
				abort()
			}
		}

		for _, d := range dependents[i] {
			if !succeeded {
				if e.skipCascade(plan, d, fmt.Sprintf("dependency step %d %s", i, view.Status), dependents) {
					abort()
				}
				continue
			}
			pending[d]--
			if pending[d] == 0 && !aborted && plan.StepView(d).Status == StepStatusPending {
				launch(d)
			}
		}
	}

	for _, s := range plan.Snapshot() {
		if s.Status == StepStatusPending {
			e.skip(plan, s.Index, "plan aborted before the step started")
		}
	}

	var failed []StepView
	for _, s := range plan.Snapshot() {
		if !s.Optional && s.Status != StepStatusCompleted {
			failed = append(failed, s)
		}
	}
	if len(failed) > 0 {
		return &PlanError{Steps: failed}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, run StepExecutor, view StepView, task agent.Task) (result agent.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Int("step", view.Index).Msg("Plan step panicked")
			result = agent.Failure(view.Agent, agent.ErrCodeInternal, fmt.Sprintf("step panicked: %v", r), false)
		}
	}()
	return run(ctx, view, task)
}

// skipCascade marks step i and everything downstream of it as skipped.
// It reports whether a required step was skipped.
func (e *Executor) skipCascade(plan *ExecutionPlan, i int, reason string, dependents [][]int) bool {
	if plan.StepView(i).Status != StepStatusPending {
		return false
	}
	view := e.skip(plan, i, reason)
	required := !view.Optional
	for _, d := range dependents[i] {
		if e.skipCascade(plan, d, fmt.Sprintf("dependency step %d skipped", i), dependents) {
			required = true
		}
	}
	return required
}

func (e *Executor) skip(plan *ExecutionPlan, i int, reason string) StepView {
	view := plan.update(i, func(s *Step) {
		s.Status = StepStatusSkipped
		s.SkipReason = reason
	})
	observability.RecordPlanStep(view.Agent, string(view.Status))
	e.notify(view)
	return view
}

func (e *Executor) notify(view StepView) {
	if e.observer == nil {
		return
	}
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	e.observer(view)
}
