package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/conductor/pkg/toolexecutor"
)

// Question is one question put to the user
type Question struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// TodoStatus mirrors the status of a plan step
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoFailed     TodoStatus = "failed"
	TodoSkipped    TodoStatus = "skipped"
)

// Todo is one entry of the progress list shown to the user
type Todo struct {
	ID      int        `json:"id"`
	Agent   string     `json:"agent"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// Interactor is the human in the loop. AskUser returns one answer per
// question, in order.
type Interactor interface {
	AskUser(ctx context.Context, questions []Question) ([]string, error)
	UpdateTodos(ctx context.Context, todos []Todo) error
	RequestApproval(ctx context.Context, summary string) (bool, error)
}

// FallbackInteractor is used when no human is attached: questions get the
// first option (or an empty answer) and approvals are denied.
type FallbackInteractor struct {
	Logger zerolog.Logger
}

func (f FallbackInteractor) AskUser(_ context.Context, questions []Question) ([]string, error) {
	answers := make([]string, len(questions))
	for i, q := range questions {
		if len(q.Options) > 0 {
			answers[i] = q.Options[0]
		}
		f.Logger.Warn().Str("question", q.Text).Str("answer", answers[i]).Msg("No interactor attached, using mock answer")
	}
	return answers, nil
}

func (f FallbackInteractor) UpdateTodos(_ context.Context, todos []Todo) error {
	f.Logger.Debug().Int("todos", len(todos)).Msg("Todos updated")
	return nil
}

func (f FallbackInteractor) RequestApproval(_ context.Context, summary string) (bool, error) {
	f.Logger.Warn().Str("summary", firstLine(summary)).Msg("No interactor attached, denying approval")
	return false, nil
}

// ToolApprovalHandler lets an Interactor answer tool approval requests.
func ToolApprovalHandler(in Interactor) toolexecutor.ApprovalHandler {
	return toolexecutor.ApprovalHandlerFunc(func(ctx context.Context, req toolexecutor.ApprovalRequest) (toolexecutor.ApprovalResponse, error) {
		params, _ := json.Marshal(req.Params)
		summary := fmt.Sprintf("Agent %s wants to run tool %s with %s", req.AgentID, req.Tool, params)

		approved, err := in.RequestApproval(ctx, summary)
		if err != nil {
			return toolexecutor.ApprovalResponse{}, err
		}
		if !approved {
			return toolexecutor.ApprovalResponse{Approved: false, Reason: "denied by user"}, nil
		}
		return toolexecutor.ApprovalResponse{Approved: true}, nil
	})
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
