// Package llmtest provides scripted llm.Provider fakes for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/conductor/pkg/llm"
)

// Step is one scripted reply: either a response or an error.
type Step struct {
	Response *llm.Response
	Err      error
}

// Scripted replays a fixed sequence of replies and records every request.
// Once the script is exhausted the last step repeats.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
	// OnCall runs before each reply, outside the lock.
	OnCall func(ctx context.Context, req llm.Request)
}

// New returns a provider that replays steps in order.
func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Text is a shorthand for a plain text reply.
func Text(text string) Step {
	return Step{Response: &llm.Response{Text: text, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}}
}

// Tools is a shorthand for a reply requesting the given tool calls.
func Tools(calls ...llm.ToolCall) Step {
	return Step{Response: &llm.Response{ToolCalls: calls, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}}
}

// Fail is a shorthand for an error reply.
func Fail(err error) Step {
	return Step{Err: err}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.OnCall != nil {
		s.OnCall(ctx, req)
	}

	s.mu.Lock()
	req.Messages = llm.CloneMessages(req.Messages)
	s.requests = append(s.requests, req)
	n := len(s.requests)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("no scripted steps")
	}
	idx := n - 1
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	step := s.steps[idx]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Calls returns how many times Call was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of every recorded request.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}
