package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/planner"
)

// DecisionType tags the variant of a Decision
type DecisionType string

const (
	DecisionDelegate        DecisionType = "delegate"
	DecisionDecompose       DecisionType = "decompose"
	DecisionExecuteDirectly DecisionType = "execute_directly"
	DecisionAskUser         DecisionType = "ask_user"
	DecisionComplete        DecisionType = "complete"
)

// Decision is the routing verdict for one task. Only the fields of its
// Type are meaningful.
type Decision struct {
	Type DecisionType `json:"type"`

	// delegate
	TargetAgent string `json:"target_agent,omitempty"`
	Task        string `json:"task,omitempty"`

	// decompose
	Subtasks  []Subtask `json:"subtasks,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`

	// execute_directly, complete
	Response string `json:"response,omitempty"`

	// ask_user
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Subtask is one entry of a decompose decision.
type Subtask struct {
	Agent       string `json:"agent"`
	Task        string `json:"task"`
	Description string `json:"description,omitempty"`
	DependsOn   []int  `json:"depends_on,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// Delegate builds a delegate decision
func Delegate(target, task string) Decision {
	return Decision{Type: DecisionDelegate, TargetAgent: target, Task: task}
}

// Decompose builds a decompose decision
func Decompose(reasoning string, subtasks ...Subtask) Decision {
	return Decision{Type: DecisionDecompose, Reasoning: reasoning, Subtasks: subtasks}
}

// ExecuteDirectly builds an execute_directly decision
func ExecuteDirectly(response string) Decision {
	return Decision{Type: DecisionExecuteDirectly, Response: response}
}

// AskUser builds an ask_user decision
func AskUser(question string, options ...string) Decision {
	return Decision{Type: DecisionAskUser, Question: question, Options: options}
}

// Complete builds a complete decision
func Complete(response string) Decision {
	return Decision{Type: DecisionComplete, Response: response}
}

var ErrInvalidDecision = errors.New("invalid decision")

// Validate checks that d carries the fields of its variant and only names
// agents for which known returns true.
func (d Decision) Validate(known func(name string) bool) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidDecision, fmt.Sprintf(format, args...))
	}

	switch d.Type {
	case DecisionDelegate:
		if strings.TrimSpace(d.TargetAgent) == "" {
			return invalid("delegate requires target_agent")
		}
		if strings.TrimSpace(d.Task) == "" {
			return invalid("delegate requires task")
		}
		if known != nil && !known(d.TargetAgent) {
			return invalid("unknown target agent %q", d.TargetAgent)
		}
	case DecisionDecompose:
		if len(d.Subtasks) == 0 {
			return invalid("decompose requires subtasks")
		}
		for i, st := range d.Subtasks {
			if strings.TrimSpace(st.Agent) == "" || strings.TrimSpace(st.Task) == "" {
				return invalid("subtask %d requires agent and task", i)
			}
			if known != nil && !known(st.Agent) {
				return invalid("subtask %d names unknown agent %q", i, st.Agent)
			}
		}
		if _, err := planner.NewPlan(agent.Task{}, "validate", d.StepSpecs()); err != nil {
			return invalid("%v", err)
		}
	case DecisionExecuteDirectly, DecisionComplete:
		if strings.TrimSpace(d.Response) == "" {
			return invalid("%s requires response", d.Type)
		}
	case DecisionAskUser:
		if strings.TrimSpace(d.Question) == "" {
			return invalid("ask_user requires question")
		}
	default:
		return invalid("unknown decision type %q", d.Type)
	}
	return nil
}

// StepSpecs converts the subtasks of a decompose decision into plan steps.
func (d Decision) StepSpecs() []planner.StepSpec {
	specs := make([]planner.StepSpec, len(d.Subtasks))
	for i, st := range d.Subtasks {
		specs[i] = planner.StepSpec{
			Agent:       st.Agent,
			Prompt:      st.Task,
			Description: st.Description,
			DependsOn:   st.DependsOn,
			Optional:    st.Optional,
		}
	}
	return specs
}

// Clone returns a copy that shares no slices with d.
func (d Decision) Clone() Decision {
	out := d
	if d.Subtasks != nil {
		out.Subtasks = make([]Subtask, len(d.Subtasks))
		for i, st := range d.Subtasks {
			st.DependsOn = append([]int(nil), st.DependsOn...)
			out.Subtasks[i] = st
		}
	}
	if d.Options != nil {
		out.Options = append([]string(nil), d.Options...)
	}
	return out
}
