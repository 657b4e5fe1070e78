// Package agent runs the LLM/tool loop for a single specialist agent.
//
// Invariants:
// - Runs on one BaseAgent are serialized in arrival order through guard.
// - History and metrics are reset at the start of every run and dropped after it.
// - Tool calls route through toolexecutor only, and results are appended in call order.
// - Run never returns an error: budget exhaustion, timeouts, aborts and panics
//   all come back as a failed TaskResult with a stable ErrorCode.
//
// Usage:
//
//	a, _ := agent.NewBaseAgent(agent.Config{
//		Name:     "coder",
//		Provider: provider,
//		Tools:    tools,
//		Logger:   logger,
//	})
//	result := a.Run(ctx, agent.NewTask("add a health endpoint"))
//	_ = result
package agent
