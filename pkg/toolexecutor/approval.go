package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultApprovalTimeout bounds how long a tool waits for a human answer.
const DefaultApprovalTimeout = 5 * time.Minute

// ErrNoApprover is returned when a gated tool runs without an approval handler.
var ErrNoApprover = errors.New("no approval handler configured")

// ApprovalRequest describes one gated tool call awaiting a decision
type ApprovalRequest struct {
	Tool    string                 `json:"tool"`
	Params  map[string]interface{} `json:"params"`
	AgentID string                 `json:"agent_id"`
	TaskID  string                 `json:"task_id"`
	Timeout time.Duration          `json:"timeout"`
}

// ApprovalResponse is the decision for an ApprovalRequest
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ApprovalHandler decides approval requests, usually by asking a human
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApprovalHandlerFunc adapts a function to ApprovalHandler
type ApprovalHandlerFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

func (f ApprovalHandlerFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}

// ApprovalOption customizes an ApprovalManager
type ApprovalOption func(*ApprovalManager)

// WithApprovalTimeout sets the wait used when a request carries none.
func WithApprovalTimeout(d time.Duration) ApprovalOption {
	return func(am *ApprovalManager) {
		if d > 0 {
			am.timeout = d
		}
	}
}

// ApprovalManager bounds approval requests in time. Only an explicit
// approval lets a gated tool run; a missing handler, an error or a timeout
// all deny.
type ApprovalManager struct {
	handler ApprovalHandler
	timeout time.Duration
}

// NewApprovalManager wraps handler. A nil handler denies everything.
func NewApprovalManager(handler ApprovalHandler, opts ...ApprovalOption) *ApprovalManager {
	am := &ApprovalManager{handler: handler, timeout: DefaultApprovalTimeout}
	for _, opt := range opts {
		opt(am)
	}
	return am
}

// Timeout returns the wait applied to requests without their own.
func (am *ApprovalManager) Timeout() time.Duration {
	return am.timeout
}

// RequestApproval asks the handler about req. The bool is true only on an
// explicit approval.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	if am == nil || am.handler == nil {
		log.Warn().Str("tool", req.Tool).Msg("No approval handler configured, denying")
		return false, ErrNoApprover
	}

	if req.AgentID == "" || req.TaskID == "" {
		if execCtx, ok := ExecutionContextFrom(ctx); ok {
			if req.AgentID == "" {
				req.AgentID = execCtx.AgentID
			}
			if req.TaskID == "" {
				req.TaskID = execCtx.TaskID
			}
		}
	}
	if req.Timeout <= 0 {
		req.Timeout = am.timeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	logger := log.With().Str("tool", req.Tool).Str("agent_id", req.AgentID).Str("task_id", req.TaskID).Logger()
	logger.Info().Msg("Requesting approval")

	type answer struct {
		resp ApprovalResponse
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		resp, err := am.handler.RequestApproval(waitCtx, req)
		done <- answer{resp, err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			logger.Error().Err(a.err).Msg("Approval request failed")
			return false, fmt.Errorf("approval request failed: %w", a.err)
		}
		if !a.resp.Approved {
			logger.Warn().Str("reason", a.resp.Reason).Msg("Approval denied")
			return false, nil
		}
		logger.Info().Msg("Approval granted")
		return true, nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		logger.Warn().Dur("timeout", req.Timeout).Msg("Approval request timed out")
		return false, fmt.Errorf("approval request timed out after %v", req.Timeout)
	}
}
