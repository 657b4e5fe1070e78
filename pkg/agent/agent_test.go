package agent

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/llm/llmtest"
	"github.com/harun/conductor/pkg/retry"
	"github.com/harun/conductor/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestAgent(t *testing.T, provider llm.Provider, mutate func(*Config)) *BaseAgent {
	t.Helper()
	cfg := Config{
		Name:      "coder",
		Provider:  provider,
		Tools:     toolexecutor.New(),
		RateLimit: retry.Never{},
		Logger:    zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewBaseAgent(cfg)
	require.NoError(t, err)
	return a
}

func delayedTool(name string, delay time.Duration) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        name,
		Description: "Sleeps then answers",
		Category:    toolexecutor.CategoryGeneral,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(delay):
				return "result-" + name, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// blockingProvider parks every call until ctx is done or release is closed.
type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
		return &llm.Response{Text: "released"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// panicCounter panics when it sees the trigger text.
type panicCounter struct{ trigger string }

func (c panicCounter) Count(text string) int {
	if strings.Contains(text, c.trigger) {
		panic("counter exploded")
	}
	return len(text)
}

func TestNewBaseAgent(t *testing.T) {
	t.Run("should require a name and provider", func(t *testing.T) {
		_, err := NewBaseAgent(Config{Provider: llmtest.New()})
		assert.ErrorContains(t, err, "name")

		_, err = NewBaseAgent(Config{Name: "x"})
		assert.ErrorContains(t, err, "provider")
	})

	t.Run("should apply defaults", func(t *testing.T) {
		a := setupTestAgent(t, llmtest.New(), nil)
		assert.Equal(t, DefaultMaxIterations, a.cfg.MaxIterations)
		assert.Equal(t, DefaultReminderStart, a.cfg.ReminderStart)
		assert.Equal(t, DefaultTimeout, a.cfg.Timeout)
		assert.Equal(t, StatusIdle, a.Status())
		assert.Equal(t, "coder", a.Info().Name)
	})
}

func TestBaseAgent_Run(t *testing.T) {
	t.Run("should return the final text on success", func(t *testing.T) {
		provider := llmtest.New(llmtest.Text("all done"))
		a := setupTestAgent(t, provider, func(c *Config) { c.SystemPrompt = "be brief" })

		result := a.Run(context.Background(), NewTask("say hi"))

		require.True(t, result.Success)
		assert.Equal(t, "all done", result.Output)
		assert.Empty(t, result.Errors)
		require.NotNil(t, result.Metrics)
		assert.Equal(t, 1, result.Metrics.LLMCalls)
		assert.Equal(t, 1, result.Metrics.Iterations)
		assert.Equal(t, 10, result.Metrics.InputTokens)
		assert.Equal(t, 5, result.Metrics.OutputTokens)
		assert.Equal(t, StatusCompleted, a.Status())

		req := provider.Requests()[0]
		assert.Equal(t, "be brief", req.SystemPrompt)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "say hi", req.Messages[0].Content)
	})

	t.Run("should reject an empty prompt", func(t *testing.T) {
		a := setupTestAgent(t, llmtest.New(llmtest.Text("x")), nil)
		result := a.Run(context.Background(), NewTask("   "))

		assert.False(t, result.Success)
		assert.Equal(t, ErrCodeInvalidTask, result.Errors[0].Code)
	})

	t.Run("should start every run with fresh history", func(t *testing.T) {
		provider := llmtest.New(llmtest.Text("ok"))
		a := setupTestAgent(t, provider, nil)

		a.Run(context.Background(), NewTask("first"))
		a.Run(context.Background(), NewTask("second"))

		reqs := provider.Requests()
		require.Len(t, reqs, 2)
		require.Len(t, reqs[1].Messages, 1)
		assert.Equal(t, "second", reqs[1].Messages[0].Content)
		assert.Empty(t, a.HistorySnapshot())
	})
}

func TestBaseAgent_FIFO(t *testing.T) {
	t.Run("should run concurrent calls one after another in arrival order", func(t *testing.T) {
		var mu sync.Mutex
		type span struct {
			prompt     string
			start, end time.Time
		}
		var spans []span
		gate := make(chan struct{})
		entered := make(chan struct{}, 2)

		provider := llmtest.New(llmtest.Text("ok"))
		provider.OnCall = func(ctx context.Context, req llm.Request) {
			prompt := req.Messages[0].Content
			s := span{prompt: prompt, start: time.Now()}
			entered <- struct{}{}
			if prompt == "first" {
				<-gate
			}
			time.Sleep(5 * time.Millisecond)
			s.end = time.Now()
			mu.Lock()
			spans = append(spans, s)
			mu.Unlock()
		}
		a := setupTestAgent(t, provider, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.Run(context.Background(), NewTask("first"))
		}()
		<-entered

		go func() {
			defer wg.Done()
			a.Run(context.Background(), NewTask("second"))
		}()
		require.Eventually(t, func() bool { return a.guard.Waiting() == 1 }, time.Second, time.Millisecond)
		assert.Empty(t, entered, "second run must wait for the guard")

		close(gate)
		wg.Wait()

		require.Len(t, spans, 2)
		assert.Equal(t, "first", spans[0].prompt)
		assert.Equal(t, "second", spans[1].prompt)
		assert.False(t, spans[1].start.Before(spans[0].end))
		assert.False(t, a.guard.Held())
	})
}

func TestBaseAgent_MaxIterations(t *testing.T) {
	t.Run("should fail with MAX_ITERATIONS instead of a partial success", func(t *testing.T) {
		provider := llmtest.New(llmtest.Tools(llm.ToolCall{ID: "1", Name: "noop"}))
		a := setupTestAgent(t, provider, func(c *Config) { c.MaxIterations = 3 })
		require.NoError(t, a.cfg.Tools.RegisterTool(delayedTool("noop", 0)))

		result := a.Run(context.Background(), NewTask("loop forever"))

		assert.False(t, result.Success)
		require.NotEmpty(t, result.Errors)
		assert.Equal(t, ErrCodeMaxIterations, result.Errors[0].Code)
		assert.False(t, result.Errors[0].Recoverable)
		assert.Equal(t, "coder", result.Errors[0].Agent)
		assert.Equal(t, 3, provider.Calls())
		assert.Equal(t, 3, result.Metrics.ToolCalls)
		assert.Equal(t, StatusFailed, a.Status())
	})
}

func TestBaseAgent_Reminder(t *testing.T) {
	t.Run("should inject reminders from iteration four without touching prior history", func(t *testing.T) {
		call := llm.ToolCall{ID: "c", Name: "noop"}
		provider := llmtest.New(
			llmtest.Tools(call),
			llmtest.Tools(call),
			llmtest.Tools(call),
			llmtest.Tools(call),
			llmtest.Text("finished"),
		)
		a := setupTestAgent(t, provider, func(c *Config) { c.MaxIterations = 6 })
		require.NoError(t, a.cfg.Tools.RegisterTool(delayedTool("noop", 0)))

		result := a.Run(context.Background(), NewTask("work"))
		require.True(t, result.Success)

		reqs := provider.Requests()
		require.Len(t, reqs, 5)

		for i := 0; i < 3; i++ {
			for _, m := range reqs[i].Messages {
				assert.NotContains(t, m.Content, "[Reminder]")
			}
		}

		third, fourth := reqs[2].Messages, reqs[3].Messages
		require.Len(t, fourth, len(third)+3)
		assert.Equal(t, third, fourth[:len(third)])
		assert.Equal(t, llm.RoleAssistant, fourth[len(third)].Role)
		assert.NotEmpty(t, fourth[len(third)+1].ToolResults)

		last := fourth[len(fourth)-1]
		assert.Equal(t, llm.RoleUser, last.Role)
		assert.Contains(t, last.Content, "[Reminder]")
		assert.Equal(t, "work", fourth[0].Content)
	})

	t.Run("should escalate as the budget runs out", func(t *testing.T) {
		assert.Contains(t, reminder(4, 15), "Iteration 4 of 15")
		assert.Contains(t, reminder(8, 15), "wrapping up")
		assert.Contains(t, reminder(13, 15), "Only 2")
		assert.Contains(t, reminder(15, 15), "FINAL")
	})
}

func TestBaseAgent_TrimsHistory(t *testing.T) {
	t.Run("should keep the prompt and tool pairs while trimming a long run", func(t *testing.T) {
		steps := make([]llmtest.Step, 0, 8)
		for i := 0; i < 7; i++ {
			steps = append(steps, llmtest.Tools(llm.ToolCall{Name: "noop"}))
		}
		steps = append(steps, llmtest.Text("finished"))
		provider := llmtest.New(steps...)

		const capacity = 6
		a := setupTestAgent(t, provider, func(c *Config) {
			c.MaxIterations = 8
			c.HistoryCapacity = capacity
		})
		require.NoError(t, a.cfg.Tools.RegisterTool(delayedTool("noop", 0)))

		result := a.Run(context.Background(), NewTask("work through it"))
		require.True(t, result.Success, result.Output)
		assert.Equal(t, "finished", result.Output)
		assert.Greater(t, a.history.Trims(), 0)

		reqs := provider.Requests()
		require.Len(t, reqs, 8)
		for i, req := range reqs {
			require.NotEmpty(t, req.Messages)
			assert.Equal(t, "work through it", req.Messages[0].Content, "request %d", i)
			assert.LessOrEqual(t, len(req.Messages), capacity, "request %d", i)

			calls := map[string]bool{}
			for j, m := range req.Messages {
				for _, tc := range m.ToolCalls {
					calls[tc.ID] = true
				}
				for _, tr := range m.ToolResults {
					assert.True(t, calls[tr.ToolCallID], "request %d message %d answers %s with no earlier call", i, j, tr.ToolCallID)
				}
			}
		}
	})
}

func TestBaseAgent_ToolResultsOrder(t *testing.T) {
	t.Run("should append results in request order regardless of completion order", func(t *testing.T) {
		provider := llmtest.New(
			llmtest.Tools(
				llm.ToolCall{ID: "a", Name: "slow"},
				llm.ToolCall{ID: "b", Name: "fast"},
				llm.ToolCall{ID: "c", Name: "medium"},
			),
			llmtest.Text("done"),
		)
		a := setupTestAgent(t, provider, nil)
		require.NoError(t, a.cfg.Tools.RegisterTool(delayedTool("slow", 60*time.Millisecond)))
		require.NoError(t, a.cfg.Tools.RegisterTool(delayedTool("fast", 5*time.Millisecond)))
		require.NoError(t, a.cfg.Tools.RegisterTool(delayedTool("medium", 30*time.Millisecond)))

		result := a.Run(context.Background(), NewTask("go"))
		require.True(t, result.Success)

		reqs := provider.Requests()
		require.Len(t, reqs, 2)
		msgs := reqs[1].Messages
		batch := msgs[len(msgs)-1]
		require.Len(t, batch.ToolResults, 3)
		assert.Equal(t, "a", batch.ToolResults[0].ToolCallID)
		assert.Equal(t, "result-slow", batch.ToolResults[0].Output)
		assert.Equal(t, "b", batch.ToolResults[1].ToolCallID)
		assert.Equal(t, "result-fast", batch.ToolResults[1].Output)
		assert.Equal(t, "c", batch.ToolResults[2].ToolCallID)
		assert.Equal(t, "result-medium", batch.ToolResults[2].Output)
		assert.Equal(t, 3, result.Metrics.ToolCalls)
	})

	t.Run("should feed unknown tools back as errors and keep looping", func(t *testing.T) {
		provider := llmtest.New(
			llmtest.Tools(llm.ToolCall{ID: "x", Name: "missing"}),
			llmtest.Text("recovered"),
		)
		a := setupTestAgent(t, provider, nil)

		result := a.Run(context.Background(), NewTask("go"))
		require.True(t, result.Success)
		assert.Equal(t, "recovered", result.Output)

		msgs := provider.Requests()[1].Messages
		tr := msgs[len(msgs)-1].ToolResults[0]
		assert.True(t, tr.IsError)
		assert.Contains(t, tr.Error, "missing")
	})

	t.Run("should synthesize ids for tool calls without one", func(t *testing.T) {
		provider := llmtest.New(
			llmtest.Tools(llm.ToolCall{Name: "noop"}),
			llmtest.Text("ok"),
		)
		a := setupTestAgent(t, provider, nil)
		require.NoError(t, a.cfg.Tools.RegisterTool(delayedTool("noop", 0)))

		require.True(t, a.Run(context.Background(), NewTask("go")).Success)

		msgs := provider.Requests()[1].Messages
		id := msgs[1].ToolCalls[0].ID
		assert.True(t, strings.HasPrefix(id, "call_"))
		assert.Equal(t, id, msgs[2].ToolResults[0].ToolCallID)
	})

	t.Run("should collect artifacts returned by tools", func(t *testing.T) {
		provider := llmtest.New(
			llmtest.Tools(llm.ToolCall{ID: "1", Name: "write"}),
			llmtest.Text("written"),
		)
		a := setupTestAgent(t, provider, nil)
		require.NoError(t, a.cfg.Tools.RegisterTool(toolexecutor.ToolDefinition{
			Name:        "write",
			Description: "Writes a file",
			Category:    toolexecutor.CategoryWrite,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return Artifact{Name: "main.go", Type: "file", Path: "/tmp/main.go"}, nil
			},
		}))

		result := a.Run(context.Background(), NewTask("write a file"))
		require.True(t, result.Success)
		require.Len(t, result.Artifacts, 1)
		assert.Equal(t, "main.go", result.Artifacts[0].Name)
	})
}

func TestBaseAgent_Interruption(t *testing.T) {
	t.Run("should report TIMEOUT when the task deadline expires", func(t *testing.T) {
		a := setupTestAgent(t, newBlockingProvider(), nil)
		task := NewTask("slow")
		task.Timeout = 30 * time.Millisecond

		result := a.Run(context.Background(), task)

		assert.False(t, result.Success)
		assert.Equal(t, ErrCodeTimeout, result.Errors[0].Code)
		assert.False(t, result.Errors[0].Recoverable)
		assert.False(t, a.guard.Held())
	})

	t.Run("should report ABORTED when Abort is called", func(t *testing.T) {
		provider := newBlockingProvider()
		a := setupTestAgent(t, provider, nil)

		done := make(chan TaskResult, 1)
		go func() { done <- a.Run(context.Background(), NewTask("slow")) }()
		<-provider.entered
		assert.True(t, a.Abort())

		result := <-done
		assert.False(t, result.Success)
		assert.Equal(t, ErrCodeAborted, result.Errors[0].Code)
		assert.Equal(t, StatusAborted, a.Status())
		assert.False(t, a.Abort(), "nothing left to abort")
	})

	t.Run("should report ABORTED when the caller cancels", func(t *testing.T) {
		provider := newBlockingProvider()
		a := setupTestAgent(t, provider, nil)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan TaskResult, 1)
		go func() { done <- a.Run(ctx, NewTask("slow")) }()
		<-provider.entered
		cancel()

		result := <-done
		assert.Equal(t, ErrCodeAborted, result.Errors[0].Code)
	})

	t.Run("should fail fast when the context is already cancelled", func(t *testing.T) {
		a := setupTestAgent(t, llmtest.New(llmtest.Text("x")), nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := a.Run(ctx, NewTask("never"))
		assert.Equal(t, ErrCodeAborted, result.Errors[0].Code)
	})
}

func TestBaseAgent_Errors(t *testing.T) {
	t.Run("should retry rate limits and surface RATE_LIMITED when exhausted", func(t *testing.T) {
		provider := llmtest.New(llmtest.Fail(&llm.RateLimitError{Provider: "test", Err: errors.New("429")}))
		a := setupTestAgent(t, provider, func(c *Config) {
			c.RateLimit = retry.NewRateLimitStrategy(retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}, 3)
		})

		result := a.Run(context.Background(), NewTask("hi"))

		assert.False(t, result.Success)
		assert.Equal(t, ErrCodeRateLimited, result.Errors[0].Code)
		assert.Equal(t, 3, provider.Calls())
		assert.Equal(t, 3, result.Metrics.LLMCalls)
	})

	t.Run("should recover from a transient rate limit", func(t *testing.T) {
		provider := llmtest.New(
			llmtest.Fail(&llm.RateLimitError{Err: errors.New("429")}),
			llmtest.Text("made it"),
		)
		a := setupTestAgent(t, provider, func(c *Config) {
			c.RateLimit = retry.NewRateLimitStrategy(retry.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}, 3)
		})

		result := a.Run(context.Background(), NewTask("hi"))
		require.True(t, result.Success)
		assert.Equal(t, "made it", result.Output)
	})

	t.Run("should not retry other provider errors", func(t *testing.T) {
		provider := llmtest.New(llmtest.Fail(errors.New("bad request")))
		a := setupTestAgent(t, provider, func(c *Config) {
			c.RateLimit = retry.NewRateLimitStrategy(retry.Backoff{Base: time.Millisecond}, 3)
		})

		result := a.Run(context.Background(), NewTask("hi"))
		assert.Equal(t, ErrCodeLLM, result.Errors[0].Code)
		assert.Equal(t, 1, provider.Calls())
	})

	t.Run("should release the guard after an error", func(t *testing.T) {
		provider := llmtest.New(llmtest.Fail(errors.New("boom")), llmtest.Text("second time lucky"))
		a := setupTestAgent(t, provider, nil)

		first := a.Run(context.Background(), NewTask("one"))
		assert.False(t, first.Success)
		assert.False(t, a.guard.Held())

		second := a.Run(context.Background(), NewTask("two"))
		assert.True(t, second.Success)
	})

	t.Run("should recover panics into INTERNAL and release the guard", func(t *testing.T) {
		provider := llmtest.New(llmtest.Text("kaboom"))
		a := setupTestAgent(t, provider, func(c *Config) { c.TokenCounter = panicCounter{trigger: "kaboom"} })

		result := a.Run(context.Background(), NewTask("go"))

		assert.False(t, result.Success)
		assert.Equal(t, ErrCodeInternal, result.Errors[0].Code)
		assert.False(t, a.guard.Held())
		require.NotNil(t, result.Metrics)
	})
}

func TestTask_Child(t *testing.T) {
	t.Run("should link to the parent and copy context", func(t *testing.T) {
		parent := NewTask("parent")
		parent.Context = map[string]interface{}{"repo": "conductor"}

		child := parent.Child("child")
		child.Context["repo"] = "changed"

		assert.NotEqual(t, parent.ID, child.ID)
		assert.Equal(t, parent.ID, child.ParentID)
		assert.Equal(t, "conductor", parent.Context["repo"])
	})
}

func TestTaskMetrics_Add(t *testing.T) {
	m := &TaskMetrics{InputTokens: 1, LLMCalls: 1}
	m.Add(&TaskMetrics{InputTokens: 2, LLMCalls: 3, ToolCalls: 1})
	m.Add(nil)

	assert.Equal(t, 3, m.InputTokens)
	assert.Equal(t, 4, m.LLMCalls)
	assert.Equal(t, 1, m.ToolCalls)
}
