package toolexecutor

import (
	"context"
	"time"
)

// ExecutionContext carries the caller of a tool execution. Handlers read it
// back with ExecutionContextFrom.
type ExecutionContext struct {
	TaskID     string
	AgentID    string // policy and approval requests are attributed to it
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

type execContextKey struct{}

// WithExecutionContext returns ctx carrying execCtx. A nil execCtx leaves
// ctx unchanged.
func WithExecutionContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecutionContextFrom returns the execution context stored in ctx, if any.
func ExecutionContextFrom(ctx context.Context) (*ExecutionContext, bool) {
	execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx, ok && execCtx != nil
}

func (c *ExecutionContext) agent() string {
	if c == nil {
		return ""
	}
	return c.AgentID
}

func (c *ExecutionContext) task() string {
	if c == nil {
		return ""
	}
	return c.TaskID
}

func auditStatus(r ToolResult) string {
	switch {
	case r.Success:
		return "success"
	case r.Metadata["policy_violation"] == true:
		return "blocked"
	case r.Metadata["approval_denied"] == true:
		return "denied"
	default:
		return "failure"
	}
}
