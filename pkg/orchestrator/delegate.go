package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/planner"
)

// DelegatorConfig configures a Delegator
type DelegatorConfig struct {
	Registry    *Registry
	Interactor  Interactor
	MaxParallel int
	// RequirePlanApproval asks the interactor before running a plan.
	RequirePlanApproval bool
	// Name attributes delegation failures; defaults to "orchestrator".
	Name   string
	Logger zerolog.Logger
}

// Delegator runs delegate and decompose decisions against registered agents.
type Delegator struct {
	cfg      DelegatorConfig
	reviewer *planner.Reviewer
	logger   zerolog.Logger
}

// NewDelegator creates a delegator
func NewDelegator(cfg DelegatorConfig) (*Delegator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("delegator requires a registry")
	}
	if cfg.Interactor == nil {
		cfg.Interactor = FallbackInteractor{Logger: cfg.Logger}
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = planner.DefaultMaxParallel
	}
	if cfg.Name == "" {
		cfg.Name = "orchestrator"
	}

	d := &Delegator{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "delegator").Logger(),
	}
	if cfg.RequirePlanApproval {
		d.reviewer = planner.NewReviewer(func(ctx context.Context, summary string, _ *planner.ExecutionPlan) (bool, error) {
			return cfg.Interactor.RequestApproval(ctx, summary)
		})
	}
	return d, nil
}

// Delegate runs prompt as a child task of parent on the target agent. The
// child's errors are returned with their agent attribution.
func (d *Delegator) Delegate(ctx context.Context, parent agent.Task, target, prompt string) agent.TaskResult {
	runner, err := d.cfg.Registry.Get(target)
	if err != nil {
		observability.RecordDelegationAudit(ctx, d.cfg.Name, target, "unknown_agent", map[string]interface{}{"task_id": parent.ID})
		return agent.Failure(d.cfg.Name, agent.ErrCodeDelegationFailed, err.Error(), false)
	}

	child := parent.Child(prompt)
	ctx = tracing.PropagateToChildTask(ctx, target, child.ID)
	ctx, span := tracing.StartSpan(ctx, "conductor.orchestrator", "orchestrator.delegate",
		attribute.String("agent.target", target),
		attribute.String("task.id", child.ID),
	)
	defer span.End()

	d.logger.Info().Str("target", target).Str("parent_id", parent.ID).Str("child_id", child.ID).Msg("Delegating task")
	result := runner.Run(ctx, child)

	status := "success"
	if !result.Success {
		status = "failed"
		result.Errors = attributed(result.Errors, target)
		if len(result.Errors) == 0 {
			result.Errors = []agent.TaskError{{
				Code:    agent.ErrCodeDelegationFailed,
				Message: nonEmpty(result.Output, "delegated task failed"),
				Agent:   target,
			}}
		}
	}
	observability.RecordDelegationAudit(ctx, d.cfg.Name, target, status, map[string]interface{}{
		"task_id":  parent.ID,
		"child_id": child.ID,
	})

	result.Data = withData(result.Data, "delegatedTo", target)
	return result
}

// Decompose builds a plan from dec and runs it. track, if non-nil, receives
// the plan before any step starts.
func (d *Delegator) Decompose(ctx context.Context, parent agent.Task, dec Decision, track func(*planner.ExecutionPlan)) agent.TaskResult {
	plan, err := planner.NewPlan(parent, nonEmpty(dec.Reasoning, firstLine(parent.Prompt)), dec.StepSpecs())
	if err != nil {
		return agent.Failure(d.cfg.Name, agent.ErrCodeDelegationFailed, fmt.Sprintf("invalid plan: %v", err), false)
	}

	ctx, span := tracing.StartSpan(ctx, "conductor.orchestrator", "orchestrator.decompose",
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.steps", len(plan.Steps)),
	)
	defer span.End()

	logger := d.logger.With().Str("plan_id", plan.ID).Logger()
	logger.Info().Int("steps", len(plan.Steps)).Msg("Executing plan")

	if err := d.reviewer.Review(ctx, plan); err != nil {
		logger.Warn().Err(err).Msg("Plan not approved")
		return agent.Failure(d.cfg.Name, agent.ErrCodeDelegationFailed, err.Error(), false)
	}

	if track != nil {
		track(plan)
	}

	todos := todosFor(plan.Snapshot())
	d.publish(ctx, append([]Todo(nil), todos...))

	exec := planner.NewExecutor(
		planner.WithMaxParallel(d.cfg.MaxParallel),
		planner.WithLogger(logger),
		planner.WithObserver(func(view planner.StepView) {
			todos[view.Index].Status = todoStatus(view.Status)
			d.publish(ctx, append([]Todo(nil), todos...))
		}),
	)

	execErr := exec.Execute(ctx, plan, func(ctx context.Context, step planner.StepView, task agent.Task) agent.TaskResult {
		runner, err := d.cfg.Registry.Get(step.Agent)
		if err != nil {
			return agent.Failure(step.Agent, agent.ErrCodeDelegationFailed, err.Error(), false)
		}
		ctx = tracing.PropagateToChildTask(ctx, step.Agent, task.ID)
		result := runner.Run(ctx, task)
		observability.RecordDelegationAudit(ctx, d.cfg.Name, step.Agent, stepAuditStatus(result), map[string]interface{}{
			"plan_id": plan.ID,
			"step":    step.Index,
		})
		return result
	})

	return d.aggregate(plan, execErr, logger)
}

func (d *Delegator) aggregate(plan *planner.ExecutionPlan, execErr error, logger zerolog.Logger) agent.TaskResult {
	steps := plan.Snapshot()
	metrics := &agent.TaskMetrics{}
	var (
		artifacts []agent.Artifact
		agents    []string
		sections  []string
	)
	for _, s := range steps {
		agents = appendUnique(agents, s.Agent)
		if s.Result == nil {
			continue
		}
		metrics.Add(s.Result.Metrics)
		if s.Status == planner.StepStatusCompleted {
			artifacts = append(artifacts, s.Result.Artifacts...)
			sections = append(sections, fmt.Sprintf("## Step %d (%s): %s\n%s", s.Index, s.Agent, s.Description, s.Result.Output))
		}
	}

	reflection := planner.Reflect(plan)
	data := map[string]interface{}{
		"delegatedTo": agents,
		"planId":      plan.ID,
	}
	if optional := reflection.Optional(); len(optional) > 0 {
		warnings := make([]map[string]interface{}, 0, len(optional))
		for _, issue := range optional {
			warnings = append(warnings, map[string]interface{}{
				"step":  issue.Step,
				"agent": issue.Agent,
				"error": issue.Error,
			})
		}
		data["optionalFailures"] = warnings
	}

	if execErr != nil {
		var planErr *planner.PlanError
		if !errors.As(execErr, &planErr) {
			logger.Error().Err(execErr).Msg("Plan could not run")
			result := agent.Failure(d.cfg.Name, agent.ErrCodeDelegationFailed, execErr.Error(), false)
			result.Metrics = metrics
			result.Data = data
			return result
		}

		logger.Warn().Err(execErr).Bool("retryable", reflection.Retryable).Msg("Plan failed")
		data["retryable"] = reflection.Retryable
		data["suggestions"] = reflection.Suggestions
		return agent.TaskResult{
			Success:   false,
			Output:    execErr.Error(),
			Artifacts: artifacts,
			Errors:    reflection.TaskErrors(plan),
			Metrics:   metrics,
			Data:      data,
		}
	}

	completed, total := plan.Progress()
	logger.Info().Int("completed", completed).Int("total", total).Msg("Plan finished")
	return agent.TaskResult{
		Success:   true,
		Output:    strings.Join(sections, "\n\n"),
		Artifacts: artifacts,
		Metrics:   metrics,
		Data:      data,
	}
}

func (d *Delegator) publish(ctx context.Context, todos []Todo) {
	if err := d.cfg.Interactor.UpdateTodos(ctx, todos); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to publish todos")
	}
}

func todosFor(steps []planner.StepView) []Todo {
	todos := make([]Todo, len(steps))
	for i, s := range steps {
		todos[i] = Todo{ID: s.Index, Agent: s.Agent, Content: s.Description, Status: todoStatus(s.Status)}
	}
	return todos
}

func todoStatus(s planner.StepStatus) TodoStatus {
	switch s {
	case planner.StepStatusRunning:
		return TodoInProgress
	case planner.StepStatusCompleted:
		return TodoCompleted
	case planner.StepStatusFailed:
		return TodoFailed
	case planner.StepStatusSkipped:
		return TodoSkipped
	default:
		return TodoPending
	}
}

func stepAuditStatus(r agent.TaskResult) string {
	if r.Success {
		return "success"
	}
	return "failed"
}

// attributed fills in the agent of errors that carry none.
func attributed(errs []agent.TaskError, name string) []agent.TaskError {
	out := make([]agent.TaskError, len(errs))
	for i, te := range errs {
		if te.Agent == "" {
			te.Agent = name
		}
		out[i] = te
	}
	return out
}

func withData(data map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[key] = value
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
