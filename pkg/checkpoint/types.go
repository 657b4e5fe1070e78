package checkpoint

import (
	"context"
	"time"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/llm"
)

// Trigger records why a checkpoint was taken
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerError    Trigger = "error"
)

// State is a snapshot of an in-flight task, produced by the task's owner.
type State struct {
	Task           agent.Task        `json:"task"`
	AgentName      string            `json:"agent_name"`
	History        []llm.Message     `json:"history,omitempty"`
	PartialResults map[string]string `json:"partial_results,omitempty"`
	Progress       float64           `json:"progress,omitempty"`
	CurrentStep    int               `json:"current_step,omitempty"`
	TotalSteps     int               `json:"total_steps,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Clone deep-copies s so a saved checkpoint never aliases live data.
func (s State) Clone() State {
	out := s
	out.History = llm.CloneMessages(s.History)
	if s.PartialResults != nil {
		out.PartialResults = make(map[string]string, len(s.PartialResults))
		for k, v := range s.PartialResults {
			out.PartialResults[k] = v
		}
	}
	if s.Task.Context != nil {
		out.Task.Context = make(map[string]interface{}, len(s.Task.Context))
		for k, v := range s.Task.Context {
			out.Task.Context[k] = v
		}
	}
	return out
}

// Checkpoint is one saved snapshot
type Checkpoint struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Trigger   Trigger   `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
}

// Producer returns the current state of a registered task.
type Producer func() (State, error)

// Sink persists checkpoints.
type Sink interface {
	Save(ctx context.Context, cp Checkpoint) error
}
