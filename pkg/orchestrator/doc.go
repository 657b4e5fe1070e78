// Package orchestrator routes user tasks to specialist agents.
//
// A DecisionEngine turns a task into one Decision with a single LLM turn,
// memoized by normalized prompt. The Orchestrator then answers directly,
// asks the user for clarification, delegates to one agent, or decomposes the
// task into a dependency-ordered plan run by the Delegator. While a run is in
// flight it is checkpointed on an interval and once more if it fails.
//
//	registry := orchestrator.NewRegistry(coder, writer)
//	engine, _ := orchestrator.NewDecisionEngine(orchestrator.DecisionEngineConfig{
//		Provider: provider,
//		Registry: registry,
//		Cache:    cache.NewLRU[string, orchestrator.Decision](cache.DefaultConfig()),
//	})
//	delegator, _ := orchestrator.NewDelegator(orchestrator.DelegatorConfig{Registry: registry})
//	orch, _ := orchestrator.New(engine, delegator, orchestrator.WithCheckpoints(scheduler, 0))
//	result := orch.Run(ctx, agent.NewTask("write a report on Go generics"))
package orchestrator
