package planner

import (
	"sync"
	"time"

	"github.com/harun/conductor/pkg/agent"
)

// ExecutionPlan is a set of agent steps ordered by their dependencies.
// Step state is guarded by the plan; read it through Snapshot or Progress.
type ExecutionPlan struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Steps       []*Step   `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`

	mu sync.RWMutex
}

// Step wraps the child task handed to one agent.
type Step struct {
	Index       int        `json:"index"`
	Agent       string     `json:"agent"`
	Description string     `json:"description"`
	Task        agent.Task `json:"task"`
	// DependsOn holds indices of steps that must succeed before this one starts.
	DependsOn []int `json:"depends_on,omitempty"`
	Optional  bool  `json:"optional,omitempty"`

	Status     StepStatus        `json:"status"`
	Result     *agent.TaskResult `json:"result,omitempty"`
	SkipReason string            `json:"skip_reason,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// StepStatus represents the execution status of a step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Done reports whether the status is terminal.
func (s StepStatus) Done() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepSpec describes a step before it becomes part of a plan.
type StepSpec struct {
	Agent       string `json:"agent"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
	DependsOn   []int  `json:"depends_on,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// StepView is a point-in-time copy of a step, safe to hand out.
type StepView struct {
	Index       int               `json:"index"`
	Agent       string            `json:"agent"`
	Description string            `json:"description"`
	TaskID      string            `json:"task_id"`
	DependsOn   []int             `json:"depends_on,omitempty"`
	Optional    bool              `json:"optional,omitempty"`
	Status      StepStatus        `json:"status"`
	Result      *agent.TaskResult `json:"result,omitempty"`
	SkipReason  string            `json:"skip_reason,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
}
