package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IDs correlate log lines, audit events and checkpoints of one request.
// A request has one TraceID; every agent run inside it gets its own RunID.
type IDs struct {
	TraceID      string `json:"trace_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
}

// MarshalZerologObject writes the non-empty ids as log fields.
func (ids IDs) MarshalZerologObject(e *zerolog.Event) {
	for _, f := range [...]struct{ k, v string }{
		{"trace_id", ids.TraceID},
		{"run_id", ids.RunID},
		{"agent_id", ids.AgentID},
		{"task_id", ids.TaskID},
		{"parent_task_id", ids.ParentTaskID},
	} {
		if f.v != "" {
			e.Str(f.k, f.v)
		}
	}
}

type idsKey struct{}

// IDsFrom returns the ids stored in ctx; missing ones are empty.
func IDsFrom(ctx context.Context) IDs {
	ids, _ := ctx.Value(idsKey{}).(IDs)
	return ids
}

// WithIDs replaces the ids stored in ctx.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, idsKey{}, ids)
}

func update(ctx context.Context, fn func(*IDs)) context.Context {
	ids := IDsFrom(ctx)
	fn(&ids)
	return WithIDs(ctx, ids)
}

func newID() string {
	return uuid.NewString()
}

// WithTraceID sets the trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return update(ctx, func(ids *IDs) { ids.TraceID = traceID })
}

// GetTraceID returns the trace id, or "".
func GetTraceID(ctx context.Context) string {
	return IDsFrom(ctx).TraceID
}

// NewRequestContext starts a new trace for an incoming request.
func NewRequestContext(ctx context.Context) context.Context {
	return WithIDs(ctx, IDs{TraceID: newID()})
}

// NewAgentRunContext starts a run of agentID on taskID. The trace id and
// parent task are kept; a trace id is generated when there is none.
func NewAgentRunContext(ctx context.Context, agentID, taskID string) context.Context {
	return update(ctx, func(ids *IDs) {
		if ids.TraceID == "" {
			ids.TraceID = newID()
		}
		ids.RunID = newID()
		ids.AgentID = agentID
		if taskID != "" {
			ids.TaskID = taskID
		}
	})
}

// PropagateToChildTask prepares ctx for a task handed from the current task
// to agentID. The current task becomes the parent.
func PropagateToChildTask(ctx context.Context, agentID, childTaskID string) context.Context {
	return update(ctx, func(ids *IDs) {
		if ids.TraceID == "" {
			ids.TraceID = newID()
		}
		if ids.TaskID != "" {
			ids.ParentTaskID = ids.TaskID
		}
		ids.RunID = newID()
		ids.AgentID = agentID
		ids.TaskID = childTaskID
	})
}

// LoggerFromContext returns base with the ids of ctx attached.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	ids := IDsFrom(ctx)
	if ids == (IDs{}) {
		return base
	}
	return base.With().EmbedObject(ids).Logger()
}

// Detach returns a context that carries the ids of ctx but none of its
// deadline or cancellation, for work that must outlive the request.
func Detach(ctx context.Context) context.Context {
	return WithIDs(context.Background(), IDsFrom(ctx))
}
