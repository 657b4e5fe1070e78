package orchestrator

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/cache"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/llm/llmtest"
	"github.com/harun/conductor/pkg/retry"
)

func toolCall(name string, input map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: "call_" + name, Name: name, Input: input}
}

func delegateCall(target, task string) llmtest.Step {
	return llmtest.Tools(toolCall("delegate", map[string]interface{}{"target_agent": target, "task": task}))
}

func setupEngine(t *testing.T, provider llm.Provider, registry *Registry, c cache.Cache[string, Decision]) *DecisionEngine {
	t.Helper()
	e, err := NewDecisionEngine(DecisionEngineConfig{
		Provider:  provider,
		Registry:  registry,
		Cache:     c,
		RateLimit: retry.Never{},
		Logger:    zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)
	return e
}

func TestParseDecision(t *testing.T) {
	t.Run("should parse a delegate tool call", func(t *testing.T) {
		d, err := ParseDecision(&llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("delegate", map[string]interface{}{"target_agent": "coder", "task": "write a parser"}),
		}})
		require.NoError(t, err)
		assert.Equal(t, Delegate("coder", "write a parser"), d)
	})

	t.Run("should parse subtasks with dependencies", func(t *testing.T) {
		d, err := ParseDecision(&llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("decompose", map[string]interface{}{
				"reasoning": "needs research first",
				"subtasks": []interface{}{
					map[string]interface{}{"agent": "researcher", "task": "find sources"},
					map[string]interface{}{"agent": "writer", "task": "draft", "depends_on": []interface{}{float64(0)}, "optional": true},
				},
			}),
		}})
		require.NoError(t, err)
		assert.Equal(t, DecisionDecompose, d.Type)
		require.Len(t, d.Subtasks, 2)
		assert.Equal(t, []int{0}, d.Subtasks[1].DependsOn)
		assert.True(t, d.Subtasks[1].Optional)
		assert.Equal(t, "needs research first", d.Reasoning)
	})

	t.Run("should only use the first tool call", func(t *testing.T) {
		d, err := ParseDecision(&llm.Response{ToolCalls: []llm.ToolCall{
			toolCall("complete", map[string]interface{}{"response": "done"}),
			toolCall("delegate", map[string]interface{}{"target_agent": "coder", "task": "x"}),
		}})
		require.NoError(t, err)
		assert.Equal(t, Complete("done"), d)
	})

	t.Run("should parse a json decision in fenced text", func(t *testing.T) {
		d, err := ParseDecision(&llm.Response{Text: "```json\n{\"type\": \"ask_user\", \"question\": \"Which language?\", \"options\": [\"Go\", \"Rust\"]}\n```"})
		require.NoError(t, err)
		assert.Equal(t, AskUser("Which language?", "Go", "Rust"), d)
	})

	t.Run("should repair malformed json", func(t *testing.T) {
		d, err := ParseDecision(&llm.Response{Text: `{"type": "delegate", "target_agent": "coder", "task": "write code",`})
		require.NoError(t, err)
		assert.Equal(t, Delegate("coder", "write code"), d)
	})

	t.Run("should treat plain text as a direct answer", func(t *testing.T) {
		d, err := ParseDecision(&llm.Response{Text: "Paris is the capital of France."})
		require.NoError(t, err)
		assert.Equal(t, ExecuteDirectly("Paris is the capital of France."), d)
	})

	t.Run("should fail on an empty reply", func(t *testing.T) {
		_, err := ParseDecision(&llm.Response{Text: "  "})
		assert.ErrorIs(t, err, ErrUnparseableDecision)

		_, err = ParseDecision(nil)
		assert.ErrorIs(t, err, ErrUnparseableDecision)
	})
}

func TestDecision_Validate(t *testing.T) {
	known := func(name string) bool { return name == "coder" || name == "writer" }

	tests := []struct {
		name     string
		decision Decision
		valid    bool
	}{
		{"delegate to known agent", Delegate("coder", "x"), true},
		{"delegate to unknown agent", Delegate("designer", "x"), false},
		{"delegate without task", Delegate("coder", ""), false},
		{"decompose with a cycle", Decompose("r",
			Subtask{Agent: "coder", Task: "a", DependsOn: []int{1}},
			Subtask{Agent: "writer", Task: "b", DependsOn: []int{0}},
		), false},
		{"decompose with an out of range dependency", Decompose("r", Subtask{Agent: "coder", Task: "a", DependsOn: []int{3}}), false},
		{"decompose with unknown agent", Decompose("r", Subtask{Agent: "ghost", Task: "a"}), false},
		{"decompose without subtasks", Decompose("r"), false},
		{"valid decompose", Decompose("r",
			Subtask{Agent: "coder", Task: "a"},
			Subtask{Agent: "writer", Task: "b", DependsOn: []int{0}},
		), true},
		{"execute directly without response", ExecuteDirectly(""), false},
		{"ask user", AskUser("which?"), true},
		{"ask user without question", AskUser(""), false},
		{"unknown type", Decision{Type: "dance"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decision.Validate(known)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDecision)
			}
		})
	}
}

func TestDecisionEngine_Decide(t *testing.T) {
	registry := NewRegistry(
		newStubRunner("coder", "Writes code", "go", "python"),
		newStubRunner("writer", "Writes prose"),
	)

	t.Run("should serve repeated prompts from the cache", func(t *testing.T) {
		provider := llmtest.New(delegateCall("coder", "write a parser"))
		e := setupEngine(t, provider, registry, cache.NewLRU[string, Decision](cache.DefaultConfig()))

		first, source := e.DecideWithSource(context.Background(), agent.NewTask("Write a parser"))
		assert.Equal(t, SourceLLM, source)

		second, source := e.DecideWithSource(context.Background(), agent.NewTask("  write   a PARSER "))
		assert.Equal(t, SourceCache, source)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, provider.Calls())
	})

	t.Run("should decide the same without a cache", func(t *testing.T) {
		provider := llmtest.New(delegateCall("coder", "write a parser"))
		e := setupEngine(t, provider, registry, nil)

		first := e.Decide(context.Background(), agent.NewTask("Write a parser"))
		second := e.Decide(context.Background(), agent.NewTask("Write a parser"))
		assert.Equal(t, first, second)
		assert.Equal(t, 2, provider.Calls())
	})

	t.Run("should not let callers mutate cached decisions", func(t *testing.T) {
		provider := llmtest.New(llmtest.Tools(toolCall("ask_user", map[string]interface{}{
			"question": "Which one?", "options": []interface{}{"a", "b"},
		})))
		e := setupEngine(t, provider, registry, cache.NewLRU[string, Decision](cache.DefaultConfig()))

		d := e.Decide(context.Background(), agent.NewTask("pick"))
		d.Options[0] = "mutated"

		again := e.Decide(context.Background(), agent.NewTask("pick"))
		assert.Equal(t, []string{"a", "b"}, again.Options)
	})

	t.Run("should fall back when the target agent is unknown", func(t *testing.T) {
		provider := llmtest.New(delegateCall("designer", "draw a logo"))
		lru := cache.NewLRU[string, Decision](cache.DefaultConfig())
		e := setupEngine(t, provider, registry, lru)

		d, source := e.DecideWithSource(context.Background(), agent.NewTask("draw a logo"))
		assert.Equal(t, SourceFallback, source)
		assert.Equal(t, DecisionAskUser, d.Type)
		assert.NotEmpty(t, d.Question)

		_, source = e.DecideWithSource(context.Background(), agent.NewTask("draw a logo"))
		assert.Equal(t, SourceFallback, source, "fallbacks must not be cached")
		assert.Equal(t, 2, provider.Calls())
		assert.Zero(t, lru.Len())
	})

	t.Run("should fall back when the provider fails", func(t *testing.T) {
		provider := llmtest.New(llmtest.Fail(errors.New("connection refused")))
		e := setupEngine(t, provider, registry, nil)

		d, source := e.DecideWithSource(context.Background(), agent.NewTask("anything"))
		assert.Equal(t, SourceFallback, source)
		assert.Equal(t, DecisionAskUser, d.Type)
	})

	t.Run("should use a custom fallback policy", func(t *testing.T) {
		provider := llmtest.New(llmtest.Text(""))
		e, err := NewDecisionEngine(DecisionEngineConfig{
			Provider:  provider,
			Registry:  registry,
			RateLimit: retry.Never{},
			Fallback: func(task agent.Task, _ error) Decision {
				return Delegate("coder", task.Prompt)
			},
			Logger: zerolog.Nop(),
		})
		require.NoError(t, err)

		assert.Equal(t, Delegate("coder", "fix it"), e.Decide(context.Background(), agent.NewTask("fix it")))
	})

	t.Run("should describe agents and offer one tool per decision", func(t *testing.T) {
		provider := llmtest.New(llmtest.Text("hello"))
		e := setupEngine(t, provider, registry, nil)

		e.Decide(context.Background(), agent.NewTask("hi"))

		req := provider.Requests()[0]
		assert.Contains(t, req.SystemPrompt, "- coder: Writes code [capabilities: go, python]")
		assert.Contains(t, req.SystemPrompt, "- writer: Writes prose")
		var names []string
		for _, tool := range req.Tools {
			names = append(names, tool.Name)
		}
		assert.ElementsMatch(t, []string{"delegate", "decompose", "execute_directly", "ask_user", "complete"}, names)
		assert.True(t, strings.HasSuffix(req.Messages[0].Content, "hi"))
	})
}
