package planner

import (
	"fmt"
	"strings"

	"github.com/harun/conductor/pkg/agent"
)

// Reflection reviews an executed plan
type Reflection struct {
	PlanID      string       `json:"plan_id"`
	Issues      []Issue      `json:"issues"`
	Suggestions []Suggestion `json:"suggestions"`
	// Retryable is true when every required failure looks transient.
	Retryable bool `json:"retryable"`
}

// Issue represents a problem identified during reflection
type Issue struct {
	Step        int             `json:"step"`
	Agent       string          `json:"agent"`
	Optional    bool            `json:"optional"`
	Severity    IssueSeverity   `json:"severity"`
	Description string          `json:"description"`
	Code        agent.ErrorCode `json:"code,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// IssueSeverity represents the severity of an issue
type IssueSeverity string

const (
	IssueSeverityLow      IssueSeverity = "low"
	IssueSeverityMedium   IssueSeverity = "medium"
	IssueSeverityHigh     IssueSeverity = "high"
	IssueSeverityCritical IssueSeverity = "critical"
)

// Suggestion represents a recommended correction
type Suggestion struct {
	Step        int    `json:"step"`
	Description string `json:"description"`
	Action      string `json:"action"` // retry, modify
}

// Reflect inspects every step of plan and reports what went wrong.
func Reflect(plan *ExecutionPlan) *Reflection {
	reflection := &Reflection{PlanID: plan.ID}

	for _, step := range plan.Snapshot() {
		switch step.Status {
		case StepStatusFailed:
			analyzeFailedStep(step, reflection)
		case StepStatusSkipped:
			reflection.Issues = append(reflection.Issues, Issue{
				Step:        step.Index,
				Agent:       step.Agent,
				Optional:    step.Optional,
				Severity:    severityFor(step, IssueSeverityMedium),
				Description: fmt.Sprintf("Step '%s' was skipped", step.Description),
				Code:        agent.ErrCodeStepSkipped,
				Error:       step.SkipReason,
			})
		}
	}

	reflection.Retryable = isRetryable(reflection)
	return reflection
}

// Required returns issues of non-optional steps.
func (r *Reflection) Required() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if !issue.Optional {
			out = append(out, issue)
		}
	}
	return out
}

// Optional returns issues of optional steps.
func (r *Reflection) Optional() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Optional {
			out = append(out, issue)
		}
	}
	return out
}

// TaskErrors converts required issues into attributed task errors. Errors
// reported by the failing agent are kept as-is.
func (r *Reflection) TaskErrors(plan *ExecutionPlan) []agent.TaskError {
	var out []agent.TaskError
	for _, issue := range r.Required() {
		step := plan.StepView(issue.Step)
		if step.Result != nil && len(step.Result.Errors) > 0 {
			for _, te := range step.Result.Errors {
				if te.Agent == "" {
					te.Agent = step.Agent
				}
				out = append(out, te)
			}
			continue
		}
		code := issue.Code
		if code == "" {
			code = agent.ErrCodeStepFailed
		}
		out = append(out, agent.TaskError{
			Code:        code,
			Message:     fmt.Sprintf("step %d: %s", issue.Step, issue.Error),
			Agent:       issue.Agent,
			Recoverable: r.Retryable,
		})
	}
	return out
}

func analyzeFailedStep(step StepView, reflection *Reflection) {
	issue := Issue{
		Step:        step.Index,
		Agent:       step.Agent,
		Optional:    step.Optional,
		Severity:    severityFor(step, IssueSeverityHigh),
		Description: fmt.Sprintf("Step '%s' failed", step.Description),
		Code:        agent.ErrCodeStepFailed,
		Error:       StepFailureMessage(step),
	}
	if step.Result != nil {
		if te, ok := step.Result.FirstError(); ok {
			issue.Code = te.Code
		}
	}
	reflection.Issues = append(reflection.Issues, issue)
	reflection.Suggestions = append(reflection.Suggestions, suggestionFor(step.Index, issue))
}

func severityFor(step StepView, base IssueSeverity) IssueSeverity {
	if step.Optional {
		return IssueSeverityLow
	}
	if step.Result != nil {
		if te, ok := step.Result.FirstError(); ok && te.Code == agent.ErrCodeInternal {
			return IssueSeverityCritical
		}
	}
	return base
}

func suggestionFor(step int, issue Issue) Suggestion {
	switch issue.Code {
	case agent.ErrCodeRateLimited, agent.ErrCodeTimeout:
		return Suggestion{Step: step, Description: "Transient failure, retrying the task later may succeed", Action: "retry"}
	case agent.ErrCodeMaxIterations:
		return Suggestion{Step: step, Description: "Break the step into smaller subtasks", Action: "modify"}
	}

	msg := strings.ToLower(issue.Error)
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return Suggestion{Step: step, Description: "Network issue detected, retry may succeed", Action: "retry"}
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed"):
		return Suggestion{Step: step, Description: "Permission issue, check the agent's tool policy", Action: "modify"}
	case strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		return Suggestion{Step: step, Description: "Resource not found, verify dependencies", Action: "modify"}
	}
	return Suggestion{Step: step, Description: "Review the error and adjust the step", Action: "modify"}
}

func isRetryable(reflection *Reflection) bool {
	required := reflection.Required()
	if len(required) == 0 {
		return false
	}
	retry := map[int]bool{}
	for _, s := range reflection.Suggestions {
		if s.Action == "retry" {
			retry[s.Step] = true
		}
	}
	failures := 0
	for _, issue := range required {
		if issue.Severity == IssueSeverityCritical {
			return false
		}
		// skipped steps follow whatever made their dependency fail
		if issue.Code == agent.ErrCodeStepSkipped {
			continue
		}
		if !retry[issue.Step] {
			return false
		}
		failures++
	}
	return failures > 0
}
