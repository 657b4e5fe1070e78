package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPlanRejected is returned by Review when the reviewer declines the plan.
var ErrPlanRejected = errors.New("plan rejected")

// ReviewCallback presents a rendered plan and reports whether it may run.
type ReviewCallback func(ctx context.Context, summary string, plan *ExecutionPlan) (bool, error)

// Reviewer gates plan execution behind a human decision.
type Reviewer struct {
	callback ReviewCallback
}

// NewReviewer creates a new reviewer with the given callback
func NewReviewer(callback ReviewCallback) *Reviewer {
	return &Reviewer{callback: callback}
}

// Review asks for approval of plan. A nil reviewer or callback approves.
func (r *Reviewer) Review(ctx context.Context, plan *ExecutionPlan) error {
	if r == nil || r.callback == nil {
		return nil
	}

	approved, err := r.callback(ctx, FormatPlan(plan), plan)
	if err != nil {
		return fmt.Errorf("review callback failed: %w", err)
	}
	if !approved {
		return ErrPlanRejected
	}
	return nil
}

// FormatPlan renders a plan grouped by execution level
func FormatPlan(plan *ExecutionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", plan.Description)
	fmt.Fprintf(&b, "Steps: %d\n", len(plan.Steps))

	levels, err := ExecutionOrder(plan)
	if err != nil {
		fmt.Fprintf(&b, "Error: %v\n", err)
		return b.String()
	}

	steps := plan.Snapshot()
	for levelIdx, level := range levels {
		fmt.Fprintf(&b, "\nLevel %d:\n", levelIdx)
		for _, i := range level {
			s := steps[i]
			optional := ""
			if s.Optional {
				optional = " (optional)"
			}
			fmt.Fprintf(&b, "  %d. [%s] %s%s\n", s.Index, s.Agent, s.Description, optional)
			if len(s.DependsOn) > 0 {
				fmt.Fprintf(&b, "     after: %v\n", s.DependsOn)
			}
		}
	}
	return b.String()
}
