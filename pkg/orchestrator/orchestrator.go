package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/checkpoint"
	"github.com/harun/conductor/pkg/guard"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/planner"
)

const (
	DefaultName              = "orchestrator"
	DefaultMaxClarifications = 2
)

// Orchestrator routes a task to specialist agents and runs the outcome.
// It is itself an agent.Runner; runs on one instance are serialized.
type Orchestrator struct {
	name              string
	description       string
	decisions         *DecisionEngine
	delegator         *Delegator
	interactor        Interactor
	checkpoints       *checkpoint.Scheduler
	interval          time.Duration
	maxClarifications int
	timeout           time.Duration
	logger            zerolog.Logger

	guard  *guard.Guard
	mu     sync.Mutex
	status agent.Status
	cancel context.CancelCauseFunc
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithName sets the name the orchestrator reports and attributes errors to.
func WithName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.name = name
		}
	}
}

// WithDescription sets the description returned by Info.
func WithDescription(description string) Option {
	return func(o *Orchestrator) { o.description = description }
}

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithInteractor attaches the human in the loop.
func WithInteractor(in Interactor) Option {
	return func(o *Orchestrator) { o.interactor = in }
}

// WithCheckpoints snapshots every run on interval and on failure.
func WithCheckpoints(s *checkpoint.Scheduler, interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.checkpoints = s
		o.interval = interval
	}
}

// WithMaxClarifications bounds ask_user rounds per run.
func WithMaxClarifications(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxClarifications = n
		}
	}
}

// WithTimeout sets the default run timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New creates an orchestrator
func New(decisions *DecisionEngine, delegator *Delegator, opts ...Option) (*Orchestrator, error) {
	if decisions == nil {
		return nil, errors.New("orchestrator requires a decision engine")
	}
	if delegator == nil {
		return nil, errors.New("orchestrator requires a delegator")
	}

	o := &Orchestrator{
		name:              DefaultName,
		description:       "Routes requests to specialist agents",
		decisions:         decisions,
		delegator:         delegator,
		maxClarifications: DefaultMaxClarifications,
		timeout:           agent.DefaultTimeout,
		logger:            log.Logger,
		status:            agent.StatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.interactor == nil {
		o.interactor = FallbackInteractor{Logger: o.logger}
	}
	o.logger = o.logger.With().Str("agent", o.name).Logger()
	o.guard = guard.New(o.name)
	return o, nil
}

func (o *Orchestrator) Info() agent.Info {
	return agent.Info{
		Name:         o.name,
		Description:  o.description,
		Capabilities: []string{"routing", "delegation", "decomposition"},
	}
}

// Status returns the current lifecycle state.
func (o *Orchestrator) Status() agent.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Abort cancels the in-flight run, including any delegated work.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel(agent.ErrAborted)
	return true
}

func (o *Orchestrator) setStatus(s agent.Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

// Run decides how to handle task and carries the decision out.
func (o *Orchestrator) Run(ctx context.Context, task agent.Task) (result agent.TaskResult) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := o.guard.Acquire(ctx); err != nil {
		return agent.Failure(o.name, agent.ErrCodeAborted, fmt.Sprintf("cancelled while waiting for orchestrator: %v", err), false)
	}
	defer o.guard.Release()

	if strings.TrimSpace(task.Prompt) == "" {
		return agent.Failure(o.name, agent.ErrCodeInvalidTask, "task prompt is empty", false)
	}

	start := time.Now()
	ctx = tracing.NewAgentRunContext(ctx, o.name, task.ID)
	ctx, span := tracing.StartSpan(ctx, "conductor.orchestrator", "orchestrator.run",
		attribute.String("task.id", task.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.timeout
	}
	runCtx, cancelTimeout := context.WithTimeoutCause(ctx, timeout, agent.ErrTaskTimeout)
	defer cancelTimeout()
	runCtx, cancel := context.WithCancelCause(runCtx)
	defer cancel(nil)

	o.mu.Lock()
	o.cancel = cancel
	o.status = agent.StatusThinking
	o.mu.Unlock()

	state := newRunState(task, o.name)
	checkpointing := o.startCheckpoints(task.ID, state, logger)
	if checkpointing {
		defer o.checkpoints.Complete(task.ID)
	}

	logger.Info().Str("task_id", task.ID).Dur("timeout", timeout).Msg("Orchestrator run started")

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Orchestrator run panicked")
			result = agent.Failure(o.name, agent.ErrCodeInternal, fmt.Sprintf("panic: %v", r), false)
		}

		if !result.Success && checkpointing {
			cause := errors.New(result.Output)
			if te, ok := result.FirstError(); ok {
				cause = te
			}
			if err := o.checkpoints.TriggerError(tracing.Detach(ctx), task.ID, cause); err != nil {
				logger.Warn().Err(err).Msg("Error checkpoint failed")
			}
		}

		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()

		if result.Metrics == nil {
			result.Metrics = &agent.TaskMetrics{}
		}
		result.Metrics.ExecutionTime = time.Since(start)

		status, code := agent.StatusCompleted, "success"
		if !result.Success {
			status = agent.StatusFailed
			if te, ok := result.FirstError(); ok {
				code = string(te.Code)
				if te.Code == agent.ErrCodeAborted {
					status = agent.StatusAborted
				}
			}
		}
		tracing.SetOutcome(span, result.Success, code)
		o.setStatus(status)

		observability.RecordAgentRun(o.name, result.Metrics.ExecutionTime, code, result.Metrics.Iterations)
		logger.Info().
			Bool("success", result.Success).
			Str("status", string(status)).
			Dur("duration", result.Metrics.ExecutionTime).
			Msg("Orchestrator run finished")
	}()

	result = o.route(runCtx, task, state, logger)
	if !result.Success && runCtx.Err() != nil {
		result = o.interrupted(runCtx, result)
	}
	return result
}

func (o *Orchestrator) route(ctx context.Context, task agent.Task, state *runState, logger zerolog.Logger) agent.TaskResult {
	current := task
	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return o.interrupted(ctx, agent.TaskResult{})
		}

		dec, source := o.decisions.DecideWithSource(ctx, current)
		state.recordDecision(dec)
		logger.Info().
			Str("decision", string(dec.Type)).
			Str("source", string(source)).
			Str("target", dec.TargetAgent).
			Int("subtasks", len(dec.Subtasks)).
			Msg("Routing decision")

		switch dec.Type {
		case DecisionDelegate:
			o.setStatus(agent.StatusExecutingTools)
			state.setAgent(dec.TargetAgent)
			return o.delegator.Delegate(ctx, task, dec.TargetAgent, dec.Task)

		case DecisionDecompose:
			o.setStatus(agent.StatusExecutingTools)
			return o.delegator.Decompose(ctx, task, dec, state.setPlan)

		case DecisionExecuteDirectly, DecisionComplete:
			return agent.TaskResult{
				Success: true,
				Output:  dec.Response,
				Data:    map[string]interface{}{"decision": string(dec.Type)},
			}

		case DecisionAskUser:
			if round >= o.maxClarifications {
				return needsClarification(dec)
			}
			answers, err := o.interactor.AskUser(ctx, []Question{{Text: dec.Question, Options: dec.Options}})
			if err != nil {
				if ctx.Err() != nil {
					return o.interrupted(ctx, agent.TaskResult{})
				}
				logger.Warn().Err(err).Msg("Asking the user failed")
				return needsClarification(dec)
			}
			answer := ""
			if len(answers) > 0 {
				answer = strings.TrimSpace(answers[0])
			}
			if answer == "" {
				return needsClarification(dec)
			}
			state.recordAnswer(answer)
			current.Prompt = fmt.Sprintf("%s\n\nClarification:\nQ: %s\nA: %s", current.Prompt, dec.Question, answer)

		default:
			return agent.Failure(o.name, agent.ErrCodeInternal, fmt.Sprintf("unhandled decision type %q", dec.Type), false)
		}
	}
}

// interrupted reports why ctx ended, keeping any child errors after it.
func (o *Orchestrator) interrupted(ctx context.Context, partial agent.TaskResult) agent.TaskResult {
	var failure agent.TaskResult
	if errors.Is(context.Cause(ctx), agent.ErrTaskTimeout) {
		failure = agent.Failure(o.name, agent.ErrCodeTimeout, "task timed out", false)
	} else {
		failure = agent.Failure(o.name, agent.ErrCodeAborted, "task was aborted", false)
	}
	failure.Errors = append(failure.Errors, partial.Errors...)
	failure.Artifacts = partial.Artifacts
	failure.Metrics = partial.Metrics
	failure.Data = partial.Data
	return failure
}

func (o *Orchestrator) startCheckpoints(taskID string, state *runState, logger zerolog.Logger) bool {
	if o.checkpoints == nil {
		return false
	}
	if err := o.checkpoints.Register(taskID, state.produce); err != nil {
		logger.Warn().Err(err).Msg("Checkpoint registration failed")
		return false
	}
	if err := o.checkpoints.StartInterval(taskID, o.interval); err != nil {
		logger.Warn().Err(err).Msg("Checkpoint interval failed to start")
	}
	return true
}

func needsClarification(dec Decision) agent.TaskResult {
	data := map[string]interface{}{
		"needsClarification": true,
		"question":           dec.Question,
	}
	if len(dec.Options) > 0 {
		data["options"] = append([]string(nil), dec.Options...)
	}
	return agent.TaskResult{Success: true, Output: dec.Question, Data: data}
}

// runState is what checkpoints see of an in-flight run.
type runState struct {
	mu      sync.Mutex
	task    agent.Task
	name    string
	current string
	history []llm.Message
	plan    *planner.ExecutionPlan
}

func newRunState(task agent.Task, name string) *runState {
	return &runState{
		task:    task,
		name:    name,
		current: name,
		history: []llm.Message{{Role: llm.RoleUser, Content: task.Prompt}},
	}
}

func (s *runState) recordDecision(d Decision) {
	summary := "decision: " + string(d.Type)
	switch d.Type {
	case DecisionDelegate:
		summary += " to " + d.TargetAgent
	case DecisionDecompose:
		summary += fmt.Sprintf(" into %d subtasks", len(d.Subtasks))
	case DecisionAskUser:
		summary += ": " + d.Question
	}
	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: summary})
	s.mu.Unlock()
}

func (s *runState) recordAnswer(answer string) {
	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: answer})
	s.mu.Unlock()
}

func (s *runState) setAgent(name string) {
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
}

func (s *runState) setPlan(plan *planner.ExecutionPlan) {
	s.mu.Lock()
	s.plan = plan
	s.mu.Unlock()
}

func (s *runState) produce() (checkpoint.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := checkpoint.State{
		Task:      s.task,
		AgentName: s.current,
		History:   llm.CloneMessages(s.history),
	}
	if s.plan == nil {
		return state, nil
	}

	steps := s.plan.Snapshot()
	state.TotalSteps = len(steps)
	state.Progress = s.plan.ProgressRatio()
	state.CurrentStep = s.plan.Running()
	state.PartialResults = make(map[string]string)
	for _, step := range steps {
		if step.Status == planner.StepStatusCompleted && step.Result != nil {
			state.PartialResults[strconv.Itoa(step.Index)] = step.Result.Output
		}
	}
	return state, nil
}
