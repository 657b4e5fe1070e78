package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit trail: who did what to which task,
// and how it ended.
type AuditEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // agent or orchestrator name
	Action    string                 `json:"action"`          // e.g. "route:delegate", "execute:read_file"
	Status    string                 `json:"status"`
	TaskID    string                 `json:"task_id,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Auditor writes audit events as JSON lines and mirrors them onto the
// active span as span events.
type Auditor struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// NewAuditor writes events through logger.
func NewAuditor(logger zerolog.Logger) *Auditor {
	return &Auditor{logger: logger}
}

// OpenAuditFile appends events to path, creating its directory.
func OpenAuditFile(path string) (*Auditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &Auditor{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		closer: file,
	}, nil
}

// Record writes event. A task_id in Metadata is promoted to TaskID.
func (a *Auditor) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TaskID == "" {
		if id, ok := event.Metadata["task_id"].(string); ok {
			event.TaskID = id
			delete(event.Metadata, "task_id")
		}
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		entry = entry.Str("actor", event.Actor)
	}
	if event.TaskID != "" {
		entry = entry.Str("task_id", event.TaskID)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

// Close closes the audit file, if the auditor owns one.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

var current atomic.Pointer[Auditor]

func init() {
	current.Store(NewAuditor(zerolog.Nop()))
}

// SetAuditor installs a as the process-wide auditor and returns the one it
// replaced. A nil a discards events.
func SetAuditor(a *Auditor) *Auditor {
	if a == nil {
		a = NewAuditor(zerolog.Nop())
	}
	return current.Swap(a)
}

// CurrentAuditor returns the process-wide auditor.
func CurrentAuditor() *Auditor {
	return current.Load()
}

func RecordDecisionAudit(ctx context.Context, actor, decisionType, source string, metadata map[string]interface{}) {
	CurrentAuditor().Record(ctx, AuditEvent{
		Type:     "decision",
		Actor:    actor,
		Action:   "route:" + decisionType,
		Status:   source,
		Metadata: metadata,
	})
}

func RecordDelegationAudit(ctx context.Context, actor, target, status string, metadata map[string]interface{}) {
	CurrentAuditor().Record(ctx, AuditEvent{
		Type:     "delegation",
		Actor:    actor,
		Action:   "delegate:" + target,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordToolAudit(ctx context.Context, toolName, actor, status string, metadata map[string]interface{}) {
	CurrentAuditor().Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    actor,
		Action:   "execute:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordApprovalAudit(ctx context.Context, toolName, actor string, approved bool) {
	status := "denied"
	if approved {
		status = "approved"
	}
	CurrentAuditor().Record(ctx, AuditEvent{
		Type:   "approval",
		Actor:  actor,
		Action: "approve:" + toolName,
		Status: status,
	})
}
