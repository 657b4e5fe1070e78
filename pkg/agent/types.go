package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/pkg/llm"
)

// AgentMessage is one entry of an agent's conversation history.
type AgentMessage = llm.Message

// Task is a unit of work handed to a Runner. It is not modified after creation.
type Task struct {
	ID       string                 `json:"id"`
	ParentID string                 `json:"parent_id,omitempty"`
	Prompt   string                 `json:"prompt"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Timeout  time.Duration          `json:"timeout,omitempty"`
}

// NewTask creates a task with a fresh id.
func NewTask(prompt string) Task {
	return Task{ID: uuid.NewString(), Prompt: prompt}
}

// Child derives a new task for delegation, linked to t.
func (t Task) Child(prompt string) Task {
	child := NewTask(prompt)
	child.ParentID = t.ID
	if len(t.Context) > 0 {
		child.Context = make(map[string]interface{}, len(t.Context))
		for k, v := range t.Context {
			child.Context[k] = v
		}
	}
	return child
}

// ErrorCode is a stable identifier for a failed run.
type ErrorCode string

const (
	ErrCodeMaxIterations    ErrorCode = "MAX_ITERATIONS"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeAborted          ErrorCode = "ABORTED"
	ErrCodeLLM              ErrorCode = "LLM_ERROR"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeInvalidTask      ErrorCode = "INVALID_TASK"
	ErrCodeDelegationFailed ErrorCode = "DELEGATION_FAILED"
	ErrCodeStepFailed       ErrorCode = "STEP_FAILED"
	ErrCodeStepSkipped      ErrorCode = "STEP_SKIPPED"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// TaskError describes one failure, attributed to the agent that produced it.
type TaskError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Agent       string    `json:"agent,omitempty"`
	Recoverable bool      `json:"recoverable"`
}

func (e TaskError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Agent, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Artifact is a named output produced by a tool during a run.
type Artifact struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// TaskMetrics accumulates over a single run.
type TaskMetrics struct {
	InputTokens       int           `json:"input_tokens"`
	OutputTokens      int           `json:"output_tokens"`
	ExecutionTime     time.Duration `json:"execution_time"`
	ToolCalls         int           `json:"tool_calls"`
	LLMCalls          int           `json:"llm_calls"`
	ToolExecutionTime time.Duration `json:"tool_execution_time"`
	Iterations        int           `json:"iterations"`
}

// Add folds other into m. Used when aggregating child results.
func (m *TaskMetrics) Add(other *TaskMetrics) {
	if m == nil || other == nil {
		return
	}
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.ToolCalls += other.ToolCalls
	m.LLMCalls += other.LLMCalls
	m.ToolExecutionTime += other.ToolExecutionTime
	m.Iterations += other.Iterations
}

// TaskResult is the single terminal outcome of a run.
type TaskResult struct {
	Success   bool                   `json:"success"`
	Output    string                 `json:"output"`
	Artifacts []Artifact             `json:"artifacts,omitempty"`
	Errors    []TaskError            `json:"errors,omitempty"`
	Metrics   *TaskMetrics           `json:"metrics,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Failure builds a failed result carrying one error.
func Failure(agentName string, code ErrorCode, message string, recoverable bool) TaskResult {
	return TaskResult{
		Success: false,
		Output:  message,
		Errors: []TaskError{{
			Code:        code,
			Message:     message,
			Agent:       agentName,
			Recoverable: recoverable,
		}},
	}
}

// FirstError returns the first error of r, if any.
func (r TaskResult) FirstError() (TaskError, bool) {
	if len(r.Errors) == 0 {
		return TaskError{}, false
	}
	return r.Errors[0], true
}

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusThinking       Status = "thinking"
	StatusExecutingTools Status = "executing_tools"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusAborted        Status = "aborted"
)

// Info describes an agent to routers.
type Info struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Runner executes tasks. Run never returns a Go error; every outcome is a TaskResult.
type Runner interface {
	Info() Info
	Run(ctx context.Context, task Task) TaskResult
}
