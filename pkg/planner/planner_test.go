package planner

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/harun/conductor/pkg/agent"
)

func specs(deps ...[]int) []StepSpec {
	out := make([]StepSpec, len(deps))
	for i, d := range deps {
		out[i] = StepSpec{Agent: "coder", Prompt: "step " + string(rune('A'+i)), DependsOn: d}
	}
	return out
}

func TestNewPlan(t *testing.T) {
	parent := agent.NewTask("build the feature")

	t.Run("creates child tasks", func(t *testing.T) {
		plan, err := NewPlan(parent, "feature", specs(nil, []int{0}))
		if err != nil {
			t.Fatalf("NewPlan failed: %v", err)
		}
		if plan.ID == "" {
			t.Error("Plan ID should be generated")
		}
		if len(plan.Steps) != 2 {
			t.Fatalf("Expected 2 steps, got %d", len(plan.Steps))
		}
		for i, s := range plan.Steps {
			if s.Index != i {
				t.Errorf("Expected index %d, got %d", i, s.Index)
			}
			if s.Task.ParentID != parent.ID {
				t.Errorf("Step %d task not linked to parent", i)
			}
			if s.Status != StepStatusPending {
				t.Errorf("Expected pending status, got %s", s.Status)
			}
		}
		if plan.Steps[0].Task.ID == plan.Steps[1].Task.ID {
			t.Error("Child tasks must have distinct ids")
		}
		if plan.Steps[1].Description != "step B" {
			t.Errorf("Expected description from prompt, got %q", plan.Steps[1].Description)
		}
	})

	t.Run("rejects empty plans", func(t *testing.T) {
		_, err := NewPlan(parent, "empty", nil)
		if !errors.Is(err, ErrEmptyPlan) {
			t.Errorf("Expected ErrEmptyPlan, got %v", err)
		}
	})

	t.Run("rejects unknown dependencies", func(t *testing.T) {
		_, err := NewPlan(parent, "bad", specs(nil, []int{5}))
		if err == nil || !strings.Contains(err.Error(), "non-existent") {
			t.Errorf("Expected non-existent dependency error, got %v", err)
		}
	})

	t.Run("rejects self dependencies", func(t *testing.T) {
		_, err := NewPlan(parent, "bad", specs([]int{0}))
		if err == nil || !strings.Contains(err.Error(), "itself") {
			t.Errorf("Expected self dependency error, got %v", err)
		}
	})

	t.Run("rejects cycles", func(t *testing.T) {
		_, err := NewPlan(parent, "cycle", specs([]int{2}, []int{0}, []int{1}))
		if !errors.Is(err, ErrCycleDetected) {
			t.Errorf("Expected ErrCycleDetected, got %v", err)
		}
	})

	t.Run("rejects steps without agent or prompt", func(t *testing.T) {
		if _, err := NewPlan(parent, "bad", []StepSpec{{Prompt: "x"}}); err == nil {
			t.Error("Expected error for missing agent")
		}
		if _, err := NewPlan(parent, "bad", []StepSpec{{Agent: "coder"}}); err == nil {
			t.Error("Expected error for missing prompt")
		}
	})

	t.Run("drops duplicate dependencies", func(t *testing.T) {
		plan, err := NewPlan(parent, "dupes", specs(nil, []int{0, 0}))
		if err != nil {
			t.Fatalf("NewPlan failed: %v", err)
		}
		if !reflect.DeepEqual(plan.Steps[1].DependsOn, []int{0}) {
			t.Errorf("Expected [0], got %v", plan.Steps[1].DependsOn)
		}
	})
}

func TestExecutionOrder(t *testing.T) {
	plan, err := NewPlan(agent.NewTask("root"), "diamond", specs(nil, []int{0}, []int{0}, []int{1, 2}))
	if err != nil {
		t.Fatalf("NewPlan failed: %v", err)
	}

	levels, err := ExecutionOrder(plan)
	if err != nil {
		t.Fatalf("ExecutionOrder failed: %v", err)
	}

	want := [][]int{{0}, {1, 2}, {3}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("Expected levels %v, got %v", want, levels)
	}
}

func TestProgress(t *testing.T) {
	plan, _ := NewPlan(agent.NewTask("root"), "p", specs(nil, nil, nil, nil))

	if got := plan.ProgressRatio(); got != 0 {
		t.Errorf("Expected 0 progress, got %v", got)
	}

	plan.update(0, func(s *Step) { s.Status = StepStatusCompleted })
	plan.update(1, func(s *Step) { s.Status = StepStatusFailed })
	plan.update(2, func(s *Step) { s.Status = StepStatusRunning })

	completed, total := plan.Progress()
	if completed != 1 || total != 4 {
		t.Errorf("Expected 1/4, got %d/%d", completed, total)
	}
	if plan.Running() != 2 {
		t.Errorf("Expected running step 2, got %d", plan.Running())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	plan, _ := NewPlan(agent.NewTask("root"), "p", specs(nil, []int{0}))
	result := agent.TaskResult{Success: true, Output: "done"}
	plan.update(0, func(s *Step) { s.Result = &result })

	snap := plan.Snapshot()
	snap[0].Result.Output = "changed"
	snap[1].DependsOn[0] = 9

	if plan.Steps[0].Result.Output != "done" {
		t.Error("Snapshot result aliases the plan")
	}
	if plan.Steps[1].DependsOn[0] != 0 {
		t.Error("Snapshot dependencies alias the plan")
	}
}

func TestReviewer(t *testing.T) {
	plan, _ := NewPlan(agent.NewTask("root"), "review me", []StepSpec{
		{Agent: "coder", Prompt: "write code"},
		{Agent: "writer", Prompt: "write docs", DependsOn: []int{0}, Optional: true},
	})

	t.Run("nil reviewer approves", func(t *testing.T) {
		var r *Reviewer
		if err := r.Review(context.Background(), plan); err != nil {
			t.Errorf("Expected approval, got %v", err)
		}
	})

	t.Run("rejection is reported", func(t *testing.T) {
		var seen string
		r := NewReviewer(func(ctx context.Context, summary string, p *ExecutionPlan) (bool, error) {
			seen = summary
			return false, nil
		})
		if err := r.Review(context.Background(), plan); !errors.Is(err, ErrPlanRejected) {
			t.Errorf("Expected ErrPlanRejected, got %v", err)
		}
		if !strings.Contains(seen, "review me") || !strings.Contains(seen, "[writer] write docs (optional)") {
			t.Errorf("Unexpected summary:\n%s", seen)
		}
	})

	t.Run("callback errors are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		r := NewReviewer(func(ctx context.Context, summary string, p *ExecutionPlan) (bool, error) {
			return false, boom
		})
		if err := r.Review(context.Background(), plan); !errors.Is(err, boom) {
			t.Errorf("Expected wrapped error, got %v", err)
		}
	})
}
