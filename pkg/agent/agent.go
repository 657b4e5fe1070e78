package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/guard"
	"github.com/harun/conductor/pkg/history"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/retry"
	"github.com/harun/conductor/pkg/toolexecutor"
)

var (
	// ErrAborted is the cancellation cause set by Abort.
	ErrAborted = errors.New("run aborted")

	// ErrTaskTimeout is the cancellation cause of an expired task deadline.
	ErrTaskTimeout = errors.New("task timeout exceeded")
)

// BaseAgent runs the LLM/tool loop for one agent. Runs on the same instance
// are serialized in arrival order.
type BaseAgent struct {
	cfg     Config
	guard   *guard.Guard
	history *history.Manager
	logger  zerolog.Logger

	mu      sync.Mutex
	status  Status
	cancel  context.CancelCauseFunc
	metrics TaskMetrics
	taskID  string
}

// NewBaseAgent validates cfg and fills defaults.
func NewBaseAgent(cfg Config) (*BaseAgent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	a := &BaseAgent{
		cfg:    cfg,
		guard:  guard.New(cfg.Name),
		logger: cfg.Logger.With().Str("agent", cfg.Name).Logger(),
		status: StatusIdle,
	}
	a.history = history.NewManager(cfg.HistoryCapacity,
		history.WithCounter(cfg.TokenCounter),
		history.WithOnTrim(func(removed int) {
			observability.RecordHistoryTrim(cfg.Name)
			a.logger.Debug().Int("removed", removed).Msg("History trimmed")
		}),
	)
	return a, nil
}

func (a *BaseAgent) Info() Info {
	return Info{
		Name:         a.cfg.Name,
		Description:  a.cfg.Description,
		Capabilities: append([]string(nil), a.cfg.Capabilities...),
	}
}

// Status returns the current lifecycle state.
func (a *BaseAgent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// CurrentTaskID returns the id of the task being run, or "".
func (a *BaseAgent) CurrentTaskID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.taskID
}

// HistorySnapshot returns a deep copy of the in-flight conversation.
func (a *BaseAgent) HistorySnapshot() []AgentMessage {
	return a.history.Snapshot()
}

// Abort cancels the in-flight run. It reports whether a run was cancelled.
func (a *BaseAgent) Abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return false
	}
	a.cancel(ErrAborted)
	return true
}

func (a *BaseAgent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Run executes task to completion. It waits for earlier runs on this agent
// to finish first.
func (a *BaseAgent) Run(ctx context.Context, task Task) (result TaskResult) {
	if ctx == nil {
		ctx = context.Background()
	}

	waitStart := time.Now()
	observability.SetGuardWaiters(a.cfg.Name, a.guard.Waiting()+1)
	if err := a.guard.Acquire(ctx); err != nil {
		observability.SetGuardWaiters(a.cfg.Name, a.guard.Waiting())
		return Failure(a.cfg.Name, ErrCodeAborted, fmt.Sprintf("cancelled while waiting for agent: %v", err), false)
	}
	defer a.guard.Release()
	observability.SetGuardWaiters(a.cfg.Name, a.guard.Waiting())
	observability.RecordGuardWait(a.cfg.Name, time.Since(waitStart))

	if strings.TrimSpace(task.Prompt) == "" {
		return Failure(a.cfg.Name, ErrCodeInvalidTask, "task prompt is empty", false)
	}

	start := time.Now()
	ctx = tracing.NewAgentRunContext(ctx, a.cfg.Name, task.ID)
	ctx, span := tracing.StartSpan(ctx, "conductor.agent", "agent.run",
		attribute.String("agent.name", a.cfg.Name),
		attribute.String("task.id", task.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = a.cfg.Timeout
	}
	runCtx, cancelTimeout := context.WithTimeoutCause(ctx, timeout, ErrTaskTimeout)
	defer cancelTimeout()
	runCtx, cancel := context.WithCancelCause(runCtx)
	defer cancel(nil)

	a.history.Reset()
	a.mu.Lock()
	a.metrics = TaskMetrics{}
	a.cancel = cancel
	a.taskID = task.ID
	a.status = StatusThinking
	a.mu.Unlock()

	logger.Info().Str("task_id", task.ID).Dur("timeout", timeout).Msg("Agent run started")

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Agent run panicked")
			result = Failure(a.cfg.Name, ErrCodeInternal, fmt.Sprintf("panic: %v", r), false)
		}

		a.mu.Lock()
		metrics := a.metrics
		a.cancel = nil
		a.taskID = ""
		a.mu.Unlock()
		metrics.ExecutionTime = time.Since(start)
		result.Metrics = &metrics

		status, code := StatusCompleted, "success"
		if !result.Success {
			status = StatusFailed
			if te, ok := result.FirstError(); ok {
				code = string(te.Code)
				if te.Code == ErrCodeAborted {
					status = StatusAborted
				}
			}
		}
		tracing.SetOutcome(span, result.Success, code)
		a.setStatus(status)
		a.history.Reset()

		span.SetAttributes(
			attribute.Int("agent.iterations", metrics.Iterations),
			attribute.Int("agent.llm_calls", metrics.LLMCalls),
		)
		observability.RecordAgentRun(a.cfg.Name, metrics.ExecutionTime, code, metrics.Iterations)
		logger.Info().
			Bool("success", result.Success).
			Str("status", string(status)).
			Int("iterations", metrics.Iterations).
			Dur("duration", metrics.ExecutionTime).
			Msg("Agent run finished")
	}()

	result = a.loop(runCtx, task, logger)
	return result
}

func (a *BaseAgent) loop(ctx context.Context, task Task, logger zerolog.Logger) TaskResult {
	a.history.Append(llm.Message{Role: llm.RoleUser, Content: task.Prompt})

	specs := a.cfg.Tools.Specs(a.cfg.ToolPolicy)
	execCtx := &toolexecutor.ExecutionContext{
		TaskID:     task.ID,
		AgentID:    a.cfg.Name,
		Timeout:    a.cfg.ToolTimeout,
		ToolPolicy: a.cfg.ToolPolicy,
	}
	var artifacts []Artifact

	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		a.mu.Lock()
		a.metrics.Iterations = iteration
		a.mu.Unlock()

		if a.history.ShouldTrim() {
			a.history.TrimIfNeeded()
		}

		if ctx.Err() != nil {
			return a.interrupted(ctx)
		}

		if iteration >= a.cfg.ReminderStart {
			a.history.Append(llm.Message{
				Role:    llm.RoleUser,
				Content: reminder(iteration, a.cfg.MaxIterations),
			})
		}

		a.setStatus(StatusThinking)
		resp, err := a.callLLM(ctx, task, specs, logger)
		if err != nil {
			if ctx.Err() != nil {
				return a.interrupted(ctx)
			}
			if llm.IsRateLimit(err) {
				return Failure(a.cfg.Name, ErrCodeRateLimited, err.Error(), true)
			}
			return Failure(a.cfg.Name, ErrCodeLLM, err.Error(), false)
		}

		calls := withCallIDs(resp.ToolCalls)
		a.history.Append(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: calls,
		})

		if len(calls) == 0 {
			return TaskResult{
				Success:   true,
				Output:    resp.Text,
				Artifacts: artifacts,
			}
		}

		a.setStatus(StatusExecutingTools)
		logger.Debug().Int("iteration", iteration).Int("tool_calls", len(calls)).Msg("Executing tool calls")

		batchStart := time.Now()
		results := a.cfg.Tools.ExecuteBatch(ctx, calls, execCtx)
		batchTime := time.Since(batchStart)

		a.mu.Lock()
		a.metrics.ToolCalls += len(calls)
		a.metrics.ToolExecutionTime += batchTime
		a.mu.Unlock()

		for _, r := range results {
			artifacts = append(artifacts, collectArtifacts(r)...)
		}

		a.history.Append(llm.Message{
			Role:        llm.RoleUser,
			ToolResults: toolexecutor.ToLLMResults(calls, results),
		})
	}

	logger.Warn().Int("max_iterations", a.cfg.MaxIterations).Msg("Iteration budget exhausted")
	return Failure(a.cfg.Name, ErrCodeMaxIterations,
		fmt.Sprintf("reached max iterations (%d) without a final answer", a.cfg.MaxIterations), false)
}

// callLLM sends the current history, retrying rate limits with backoff.
func (a *BaseAgent) callLLM(ctx context.Context, task Task, specs []llm.ToolSpec, logger zerolog.Logger) (*llm.Response, error) {
	req := llm.Request{
		Model:        a.cfg.Model,
		SystemPrompt: a.cfg.SystemPrompt,
		Messages:     a.history.Messages(),
		Tools:        specs,
		MaxTokens:    a.cfg.MaxTokens,
		Temperature:  a.cfg.Temperature,
	}

	return retry.Do(ctx, a.cfg.RateLimit, func(ctx context.Context) (*llm.Response, error) {
		callStart := time.Now()
		resp, err := a.invoke(ctx, req)

		a.mu.Lock()
		a.metrics.LLMCalls++
		if resp != nil {
			a.metrics.InputTokens += resp.Usage.InputTokens
			a.metrics.OutputTokens += resp.Usage.OutputTokens
		}
		a.mu.Unlock()

		var in, out int
		if resp != nil {
			in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
		}
		observability.RecordLLMCall(a.cfg.Name, time.Since(callStart), err == nil, in, out)
		return resp, err
	}, retry.WithTaskInfo(task.ID, a.cfg.Name), retry.WithLogger(logger))
}

// invoke races the provider call against ctx so a provider that ignores
// cancellation cannot hold the run past its deadline.
func (a *BaseAgent) invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	type reply struct {
		resp *llm.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		resp, err := a.cfg.Provider.Call(ctx, req)
		done <- reply{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.resp == nil {
			return nil, errors.New("provider returned no response")
		}
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *BaseAgent) interrupted(ctx context.Context) TaskResult {
	if errors.Is(context.Cause(ctx), ErrTaskTimeout) {
		return Failure(a.cfg.Name, ErrCodeTimeout, "task timed out", false)
	}
	return Failure(a.cfg.Name, ErrCodeAborted, "task was aborted", false)
}

// reminder nudges the model to finish; it gets sharper as the budget runs out.
func reminder(iteration, maxIterations int) string {
	remaining := maxIterations - iteration
	switch {
	case remaining <= 0:
		return "[Reminder] This is your FINAL iteration. Do not call any more tools. Reply with your final answer now."
	case remaining <= 2:
		return fmt.Sprintf("[Reminder] Only %d iteration(s) left. Stop exploring and give your final answer as soon as possible.", remaining)
	case remaining <= maxIterations/2:
		return fmt.Sprintf("[Reminder] %d of %d iterations used. Start wrapping up and avoid unnecessary tool calls.", iteration, maxIterations)
	default:
		return fmt.Sprintf("[Reminder] Iteration %d of %d. Stay focused on the task and conclude once you have what you need.", iteration, maxIterations)
	}
}

func withCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			id, err := gonanoid.New()
			if err != nil {
				id = fmt.Sprintf("%d-%d", time.Now().UnixNano(), i)
			}
			c.ID = "call_" + id
		}
		out[i] = c
	}
	return out
}

func collectArtifacts(r toolexecutor.ToolResult) []Artifact {
	if !r.Success {
		return nil
	}
	switch v := r.Output.(type) {
	case Artifact:
		return []Artifact{v}
	case *Artifact:
		if v != nil {
			return []Artifact{*v}
		}
	case []Artifact:
		return append([]Artifact(nil), v...)
	}
	return nil
}
