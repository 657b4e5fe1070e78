package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/pkg/agent"
)

var (
	ErrEmptyPlan     = errors.New("plan must have at least one step")
	ErrCycleDetected = errors.New("circular dependency detected")
)

// NewPlan turns step specs into a plan of child tasks of parent.
// Dependencies are step indices; they must exist and form no cycle.
func NewPlan(parent agent.Task, description string, specs []StepSpec) (*ExecutionPlan, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyPlan
	}
	if err := validateSpecs(specs); err != nil {
		return nil, fmt.Errorf("invalid steps: %w", err)
	}

	steps := make([]*Step, len(specs))
	for i, spec := range specs {
		desc := spec.Description
		if desc == "" {
			desc = firstLine(spec.Prompt)
		}
		steps[i] = &Step{
			Index:       i,
			Agent:       spec.Agent,
			Description: desc,
			Task:        parent.Child(spec.Prompt),
			DependsOn:   dedupe(spec.DependsOn),
			Optional:    spec.Optional,
			Status:      StepStatusPending,
		}
	}

	return &ExecutionPlan{
		ID:          uuid.New().String(),
		Description: description,
		Steps:       steps,
		CreatedAt:   time.Now(),
	}, nil
}

func validateSpecs(specs []StepSpec) error {
	for i, spec := range specs {
		if strings.TrimSpace(spec.Agent) == "" {
			return fmt.Errorf("step %d has no agent", i)
		}
		if strings.TrimSpace(spec.Prompt) == "" {
			return fmt.Errorf("step %d has an empty prompt", i)
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= len(specs) {
				return fmt.Errorf("step %d depends on non-existent step: %d", i, dep)
			}
			if dep == i {
				return fmt.Errorf("step %d depends on itself", i)
			}
		}
	}
	return checkCircularDependencies(specs)
}

// checkCircularDependencies detects cycles with a DFS over the dependency graph.
func checkCircularDependencies(specs []StepSpec) error {
	visited := make([]bool, len(specs))
	onStack := make([]bool, len(specs))

	var hasCycle func(int) bool
	hasCycle = func(i int) bool {
		visited[i] = true
		onStack[i] = true

		for _, dep := range specs[i].DependsOn {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}

		onStack[i] = false
		return false
	}

	for i := range specs {
		if !visited[i] && hasCycle(i) {
			return fmt.Errorf("%w involving step %d", ErrCycleDetected, i)
		}
	}
	return nil
}

// ExecutionOrder groups step indices into levels; every step in a level
// depends only on steps of earlier levels.
func ExecutionOrder(plan *ExecutionPlan) ([][]int, error) {
	inDegree := make([]int, len(plan.Steps))
	dependents := make([][]int, len(plan.Steps))
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Index)
			inDegree[step.Index]++
		}
	}

	var queue []int
	for i, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, i)
		}
	}

	var levels [][]int
	processed := 0
	for len(queue) > 0 {
		level := append([]int(nil), queue...)
		levels = append(levels, level)
		processed += len(level)

		var next []int
		for _, i := range queue {
			for _, d := range dependents[i] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		queue = next
	}

	if processed != len(plan.Steps) {
		return nil, fmt.Errorf("cannot determine execution order: %w", ErrCycleDetected)
	}
	return levels, nil
}

// Progress returns how many steps completed successfully out of the total.
func (p *ExecutionPlan) Progress() (completed, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.Steps {
		if s.Status == StepStatusCompleted {
			completed++
		}
	}
	return completed, len(p.Steps)
}

// ProgressRatio is Progress as a fraction in [0, 1].
func (p *ExecutionPlan) ProgressRatio() float64 {
	completed, total := p.Progress()
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}

// Snapshot copies every step.
func (p *ExecutionPlan) Snapshot() []StepView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]StepView, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.view()
	}
	return out
}

// StepView returns a copy of step i.
func (p *ExecutionPlan) StepView(i int) StepView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Steps[i].view()
}

// Running returns the index of the first running step, or -1.
func (p *ExecutionPlan) Running() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.Steps {
		if s.Status == StepStatusRunning {
			return s.Index
		}
	}
	return -1
}

func (p *ExecutionPlan) update(i int, fn func(s *Step)) StepView {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.Steps[i])
	return p.Steps[i].view()
}

func (s *Step) view() StepView {
	v := StepView{
		Index:       s.Index,
		Agent:       s.Agent,
		Description: s.Description,
		TaskID:      s.Task.ID,
		DependsOn:   append([]int(nil), s.DependsOn...),
		Optional:    s.Optional,
		Status:      s.Status,
		SkipReason:  s.SkipReason,
	}
	if s.Result != nil {
		r := *s.Result
		v.Result = &r
	}
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		v.Duration = s.FinishedAt.Sub(s.StartedAt)
	}
	return v
}

func dedupe(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
