package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/checkpoint"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/llm/llmtest"
	"github.com/harun/conductor/pkg/retry"
	"github.com/harun/conductor/pkg/toolexecutor"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Providers = []config.ProviderConfig{
		{ID: "router", Provider: "anthropic", APIKey: "sk-ant-router"},
		{ID: "worker", Provider: "anthropic", APIKey: "sk-ant-worker"},
	}
	cfg.Orchestrator.Provider = "router"
	cfg.Agents[0].Provider = "worker"
	cfg.Tools.Workspace = t.TempDir()
	cfg.Retry.BaseDelay = 1
	cfg.Retry.MaxDelay = 2
	cfg.RateLimit.Enabled = false
	return cfg
}

// scriptedBuilder hands out one scripted provider per configured provider id.
func scriptedBuilder(byID map[string]*llmtest.Scripted) ProviderBuilder {
	return func(pc config.ProviderConfig) (llm.Provider, error) {
		p, ok := byID[pc.ID]
		if !ok {
			return nil, errors.New("unknown provider " + pc.ID)
		}
		return p, nil
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, byID map[string]*llmtest.Scripted, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithProviderBuilder(scriptedBuilder(byID)),
		WithCheckpointSink(checkpoint.NewMemorySink()),
	}
	e, err := New(cfg, testLogger(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func delegateTo(target, task string) llmtest.Step {
	return llmtest.Tools(llm.ToolCall{
		ID:    "call_delegate",
		Name:  "delegate",
		Input: map[string]interface{}{"target_agent": target, "task": task},
	})
}

func TestNew(t *testing.T) {
	t.Run("should reject a missing config", func(t *testing.T) {
		_, err := New(nil, testLogger())
		assert.Error(t, err)
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		cfg := config.DefaultConfig()
		_, err := New(cfg, testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("should surface provider construction failures", func(t *testing.T) {
		cfg := testConfig(t)
		_, err := New(cfg, testLogger(), WithProviderBuilder(scriptedBuilder(map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
		})))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider worker")
	})

	t.Run("should register configured agents and tools", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Agents = append(cfg.Agents, config.AgentConfig{
			Name:         "coder",
			Description:  "Writes code",
			Capabilities: []string{"code"},
			Provider:     "worker",
			Model:        "claude-sonnet-4",
		})
		e := newTestEngine(t, cfg, map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": llmtest.New(llmtest.Text("x")),
		}, WithTools(toolexecutor.ToolDefinition{
			Name:        "echo",
			Description: "Echoes its input",
			Category:    toolexecutor.CategoryGeneral,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return params, nil
			},
		}))

		names := []string{}
		for _, info := range e.Agents() {
			names = append(names, info.Name)
		}
		assert.ElementsMatch(t, []string{"general", "coder"}, names)
		assert.Equal(t, []string{"echo", "edit_file", "list_dir", "read_file", "write_file"}, e.Tools())
		assert.NotNil(t, e.Orchestrator())
		assert.NotNil(t, e.Checkpoints())
	})

	t.Run("should skip built-in tools when disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Tools.Enabled = false
		e := newTestEngine(t, cfg, map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": llmtest.New(llmtest.Text("x")),
		})
		assert.Empty(t, e.Tools())
	})

	t.Run("should leave checkpoints off when disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Checkpoint.Enabled = false
		e := newTestEngine(t, cfg, map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": llmtest.New(llmtest.Text("x")),
		})
		assert.Nil(t, e.Checkpoints())
	})
}

func TestEngine_Run(t *testing.T) {
	t.Run("should delegate to a configured agent", func(t *testing.T) {
		router := llmtest.New(delegateTo("general", "summarize the readme"))
		worker := llmtest.New(llmtest.Text("summary done"))
		e := newTestEngine(t, testConfig(t), map[string]*llmtest.Scripted{"router": router, "worker": worker})

		result := e.Run(context.Background(), "summarize the readme")

		require.True(t, result.Success, result.Output)
		assert.Equal(t, "general", result.Data["delegatedTo"])
		assert.Contains(t, result.Output, "summary done")
		assert.Equal(t, 1, router.Calls())
		assert.Equal(t, 1, worker.Calls())
		first := worker.Requests()[0]
		require.NotEmpty(t, first.Messages)
		assert.Equal(t, llm.RoleUser, first.Messages[0].Role)
		assert.Contains(t, first.Messages[0].Content, "summarize the readme")
	})

	t.Run("should answer directly without delegating", func(t *testing.T) {
		router := llmtest.New(llmtest.Text("4"))
		worker := llmtest.New(llmtest.Text("unused"))
		e := newTestEngine(t, testConfig(t), map[string]*llmtest.Scripted{"router": router, "worker": worker})

		result := e.Run(context.Background(), "what is 2+2?")

		assert.True(t, result.Success)
		assert.Equal(t, "4", result.Output)
		assert.Equal(t, 0, worker.Calls())
	})

	t.Run("should let agents use the workspace tools", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Tools.Workspace, "todo.txt"), []byte("ship it"), 0644))

		router := llmtest.New(delegateTo("general", "read todo.txt"))
		worker := llmtest.New(
			llmtest.Tools(llm.ToolCall{ID: "call_read", Name: "read_file", Input: map[string]interface{}{"path": "todo.txt"}}),
			llmtest.Text("it says ship it"),
		)
		e := newTestEngine(t, cfg, map[string]*llmtest.Scripted{"router": router, "worker": worker})

		result := e.Run(context.Background(), "what is in todo.txt?")

		require.True(t, result.Success, result.Output)
		require.Equal(t, 2, worker.Calls())
		second := worker.Requests()[1]
		found := false
		for _, m := range second.Messages {
			for _, tr := range m.ToolResults {
				if tr.ToolCallID == "call_read" {
					found = true
					assert.Contains(t, tr.Output, "ship it")
				}
			}
		}
		assert.True(t, found, "tool result should be fed back to the model")
	})
}

func TestEngine_Close(t *testing.T) {
	t.Run("should be safe to call twice", func(t *testing.T) {
		cfg := testConfig(t)
		e, err := New(cfg, testLogger(), WithProviderBuilder(scriptedBuilder(map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": llmtest.New(llmtest.Text("x")),
		})))
		require.NoError(t, err)

		ctx := context.Background()
		assert.NoError(t, e.Close(ctx))
		assert.NoError(t, e.Close(ctx))
	})

	t.Run("should persist to sqlite when configured", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Checkpoint.Sink = "sqlite"
		cfg.Checkpoint.Path = filepath.Join(cfg.DataDir, "cp", "checkpoints.db")
		e, err := New(cfg, testLogger(), WithProviderBuilder(scriptedBuilder(map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": llmtest.New(llmtest.Text("x")),
		})))
		require.NoError(t, err)
		assert.IsType(t, checkpoint.Fanout{}, e.Checkpoints())

		_, err = os.Stat(cfg.Checkpoint.Path)
		assert.NoError(t, err)
		assert.NoError(t, e.Close(context.Background()))
	})
}

func TestEngine_AuditFile(t *testing.T) {
	t.Run("should audit to the configured file until closed", func(t *testing.T) {
		before := observability.CurrentAuditor()
		cfg := testConfig(t)
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit", "audit.log")
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Tools.Workspace, "notes.txt"), []byte("hi"), 0644))

		router := llmtest.New(delegateTo("general", "read notes.txt"))
		worker := llmtest.New(
			llmtest.Tools(llm.ToolCall{ID: "call_read", Name: "read_file", Input: map[string]interface{}{"path": "notes.txt"}}),
			llmtest.Text("done"),
		)
		e, err := New(cfg, testLogger(),
			WithProviderBuilder(scriptedBuilder(map[string]*llmtest.Scripted{"router": router, "worker": worker})),
			WithCheckpointSink(checkpoint.NewMemorySink()),
		)
		require.NoError(t, err)
		assert.NotSame(t, before, observability.CurrentAuditor())

		result := e.Run(context.Background(), "read notes.txt")
		require.True(t, result.Success, result.Output)
		require.NoError(t, e.Close(context.Background()))
		assert.Same(t, before, observability.CurrentAuditor())

		data, err := os.ReadFile(cfg.Logging.AuditFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"action":"execute:read_file"`)
		assert.Contains(t, string(data), `"type":"delegation"`)
	})
}

func TestEngine_ApplyConfig(t *testing.T) {
	t.Run("should update the global log level", func(t *testing.T) {
		prev := zerolog.GlobalLevel()
		t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

		e := newTestEngine(t, testConfig(t), map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": llmtest.New(llmtest.Text("x")),
		})

		cfg := testConfig(t)
		cfg.Logging.Level = "warn"
		e.ApplyConfig(cfg)
		assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

		cfg.Logging.Level = "nonsense"
		e.ApplyConfig(cfg)
		assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	})
}

func TestBuildProviders(t *testing.T) {
	ctx := context.Background()
	request := llm.Request{Model: "m", Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}

	t.Run("should retry transient failures", func(t *testing.T) {
		cfg := testConfig(t)
		worker := llmtest.New(llmtest.Fail(errors.New("connection reset by peer")), llmtest.Text("ok"))
		providers, err := buildProviders(cfg, scriptedBuilder(map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": worker,
		}), testLogger())
		require.NoError(t, err)

		resp, err := providers["worker"].Call(ctx, request)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Text)
		assert.Equal(t, 2, worker.Calls())
	})

	t.Run("should leave rate limits to the caller", func(t *testing.T) {
		cfg := testConfig(t)
		worker := llmtest.New(llmtest.Fail(&llm.RateLimitError{Provider: "anthropic", Err: errors.New("429")}), llmtest.Text("ok"))
		providers, err := buildProviders(cfg, scriptedBuilder(map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": worker,
		}), testLogger())
		require.NoError(t, err)

		_, err = providers["worker"].Call(ctx, request)
		assert.True(t, llm.IsRateLimit(err))
		assert.Equal(t, 1, worker.Calls())
	})

	t.Run("should memoize identical requests when enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Cache.Responses.Enabled = true
		worker := llmtest.New(llmtest.Text("cached"))
		providers, err := buildProviders(cfg, scriptedBuilder(map[string]*llmtest.Scripted{
			"router": llmtest.New(llmtest.Text("x")),
			"worker": worker,
		}), testLogger())
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			resp, err := providers["worker"].Call(ctx, request)
			require.NoError(t, err)
			assert.Equal(t, "cached", resp.Text)
		}
		assert.Equal(t, 1, worker.Calls())
	})

	t.Run("should spread calls over the pool", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Providers[1].PoolSize = 3
		built := 0
		providers, err := buildProviders(cfg, func(pc config.ProviderConfig) (llm.Provider, error) {
			built++
			return llmtest.New(llmtest.Text(pc.ID)), nil
		}, testLogger())
		require.NoError(t, err)
		assert.Len(t, providers, 2)
		assert.Equal(t, 4, built)
	})
}

func TestToolPolicy(t *testing.T) {
	t.Run("should allow everything without lists", func(t *testing.T) {
		p, err := toolPolicy(config.ToolPolicyConfig{})
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("should default allow to everything when only deny is set", func(t *testing.T) {
		p, err := toolPolicy(config.ToolPolicyConfig{Deny: []string{"write_file"}})
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.True(t, p.IsAllowed("read_file", toolexecutor.CategoryRead))
		assert.False(t, p.IsAllowed("write_file", toolexecutor.CategoryWrite))
	})

	t.Run("should keep an explicit allow list", func(t *testing.T) {
		p, err := toolPolicy(config.ToolPolicyConfig{Allow: []string{"read_file"}})
		require.NoError(t, err)
		assert.True(t, p.IsAllowed("read_file", toolexecutor.CategoryRead))
		assert.False(t, p.IsAllowed("list_dir", toolexecutor.CategoryRead))
	})

	t.Run("should grant by category", func(t *testing.T) {
		p, err := toolPolicy(config.ToolPolicyConfig{AllowCategories: []string{"read"}, DenyCategories: []string{"write"}})
		require.NoError(t, err)
		assert.True(t, p.IsAllowed("list_dir", toolexecutor.CategoryRead))
		assert.False(t, p.IsAllowed("write_file", toolexecutor.CategoryWrite))
		assert.False(t, p.IsAllowed("echo", toolexecutor.CategoryGeneral))
	})

	t.Run("should reject unknown categories", func(t *testing.T) {
		_, err := toolPolicy(config.ToolPolicyConfig{DenyCategories: []string{"lasers"}})
		assert.Error(t, err)
	})
}

func TestRateLimitStrategy(t *testing.T) {
	t.Run("should never retry when disabled", func(t *testing.T) {
		assert.IsType(t, retry.Never{}, rateLimitStrategy(config.RetryConfig{}))
	})

	t.Run("should back off on rate limits when enabled", func(t *testing.T) {
		s := rateLimitStrategy(config.RetryConfig{Enabled: true, MaxAttempts: 2, BaseDelay: 1, MaxDelay: 2})
		assert.IsType(t, &retry.RateLimitStrategy{}, s)
	})
}
