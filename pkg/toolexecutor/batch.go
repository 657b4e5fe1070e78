package toolexecutor

import (
	"context"

	"github.com/harun/conductor/pkg/llm"
	"golang.org/x/sync/errgroup"
)

// ExecuteBatch runs every call concurrently and returns their results in
// request order, regardless of completion order. Individual failures are
// carried in the results; the batch itself never fails.
func (te *ToolExecutor) ExecuteBatch(ctx context.Context, calls []llm.ToolCall, execCtx *ExecutionContext) []ToolResult {
	results := make([]ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = te.Execute(ctx, call.Name, call.Input, execCtx)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ToLLMResults pairs executor results with the calls that produced them.
func ToLLMResults(calls []llm.ToolCall, results []ToolResult) []llm.ToolResult {
	out := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		r := results[i]
		out[i] = llm.ToolResult{
			ToolCallID: call.ID,
			Output:     r.OutputString(),
			Error:      r.Error,
			IsError:    !r.Success,
		}
	}
	return out
}
