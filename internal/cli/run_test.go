package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/engine"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/checkpoint"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/llm/llmtest"
	"github.com/harun/conductor/pkg/orchestrator"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.json")
	content := fmt.Sprintf(`{
		"providers": [{"id": "main", "provider": "anthropic", "api_key": "sk-ant-cli-test"}],
		"agents": [
			{"name": "coder", "description": "Writes code", "capabilities": ["go"], "model": "claude-sonnet-4", "max_iterations": 5},
			{"name": "writer", "description": "Writes prose", "capabilities": ["docs"], "model": "claude-haiku-4"}
		],
		"checkpoint": {"enabled": false},
		"tools": {"enabled": true, "workspace": %q},
		"logging": {"level": "error", "console": false},
		"data_dir": %q
	}`, dir, dir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func useScriptedEngine(t *testing.T, provider llm.Provider) {
	t.Helper()
	prev := newEngine
	newEngine = func(cfg *config.Config, log zerolog.Logger, in orchestrator.Interactor) (*engine.Engine, error) {
		return engine.New(cfg, log,
			engine.WithInteractor(in),
			engine.WithCheckpointSink(checkpoint.NewMemorySink()),
			engine.WithProviderBuilder(func(config.ProviderConfig) (llm.Provider, error) { return provider, nil }),
		)
	}
	t.Cleanup(func() { newEngine = prev })
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := GetRootCmd()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunCommand(t *testing.T) {
	t.Run("should print the result as JSON", func(t *testing.T) {
		path := writeTestConfig(t)
		useScriptedEngine(t, llmtest.New(llmtest.Text("Paris")))

		stdout, _, err := execute(t, "", "run", "--config", path, "--no-input=false", "--watch=false", "capital", "of", "France?")
		require.NoError(t, err)

		var result agent.TaskResult
		require.NoError(t, json.Unmarshal([]byte(stdout), &result))
		assert.True(t, result.Success)
		assert.Equal(t, "Paris", result.Output)
	})

	t.Run("should ask questions on the terminal", func(t *testing.T) {
		path := writeTestConfig(t)
		provider := llmtest.New(
			llmtest.Tools(llm.ToolCall{ID: "q1", Name: "ask_user", Input: map[string]interface{}{
				"question": "Which language?",
				"options":  []interface{}{"Go", "Rust"},
			}}),
			llmtest.Text("Go it is"),
		)
		useScriptedEngine(t, provider)

		stdout, stderr, err := execute(t, "1\n", "run", "--config", path, "--no-input=false", "--watch=false", "write", "a", "parser")
		require.NoError(t, err)
		assert.Contains(t, stderr, "Which language?")
		assert.Contains(t, stderr, "1) Go")
		assert.Contains(t, stdout, "Go it is")

		requests := provider.Requests()
		require.Len(t, requests, 2)
		assert.Contains(t, requests[1].Messages[0].Content, "A: Go")
	})

	t.Run("should fail when the task fails", func(t *testing.T) {
		path := writeTestConfig(t)
		useScriptedEngine(t, llmtest.New(
			llmtest.Tools(llm.ToolCall{ID: "d1", Name: "delegate", Input: map[string]interface{}{"target_agent": "coder", "task": "x"}}),
			llmtest.Fail(fmt.Errorf("bad request")),
		))

		stdout, _, err := execute(t, "", "run", "--config", path, "--no-input=true", "--watch=false", "anything")
		require.Error(t, err)

		var result agent.TaskResult
		require.NoError(t, json.Unmarshal([]byte(stdout), &result))
		assert.False(t, result.Success)
	})

	t.Run("should reject an invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"providers": []}`), 0644))

		_, _, err := execute(t, "", "run", "--config", path, "--no-input=true", "--watch=false", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("should require a prompt", func(t *testing.T) {
		_, _, err := execute(t, "", "run")
		assert.Error(t, err)
	})
}

func TestAgentsCommand(t *testing.T) {
	t.Run("should list configured agents", func(t *testing.T) {
		path := writeTestConfig(t)

		stdout, _, err := execute(t, "", "agents", "--config", path)
		require.NoError(t, err)

		assert.Contains(t, stdout, "NAME")
		assert.Contains(t, stdout, "coder")
		assert.Contains(t, stdout, "writer")
		assert.Contains(t, stdout, "docs")
		assert.NotContains(t, stdout, "general")
	})
}

func TestConfigCommands(t *testing.T) {
	t.Run("should mask secrets when showing the config", func(t *testing.T) {
		path := writeTestConfig(t)

		stdout, _, err := execute(t, "", "config", "show", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, stdout, "***")
		assert.NotContains(t, stdout, "sk-ant-cli-test")
	})

	t.Run("should accept a valid config", func(t *testing.T) {
		path := writeTestConfig(t)

		stdout, _, err := execute(t, "", "config", "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, stdout, "Configuration OK")
	})

	t.Run("should list problems of an invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"providers": [], "logging": {"level": "loud"}}`), 0644))

		stdout, _, err := execute(t, "", "config", "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, stdout, "  - ")
	})

	t.Run("should write a default config once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "conductor.json")

		stdout, _, err := execute(t, "", "config", "init", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, stdout, path)
		_, err = os.Stat(path)
		require.NoError(t, err)

		_, _, err = execute(t, "", "config", "init", "--config", path)
		assert.Error(t, err)
	})
}
