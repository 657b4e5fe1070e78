package agent

import (
	"errors"
	"time"

	"github.com/harun/conductor/pkg/history"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/retry"
	"github.com/harun/conductor/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxIterations = 15
	DefaultReminderStart = 4
	DefaultMaxTokens     = 4096
	DefaultTimeout       = 5 * time.Minute
)

// Config holds dependencies and limits for a BaseAgent.
type Config struct {
	Name         string
	Description  string
	Capabilities []string

	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	MaxIterations   int
	HistoryCapacity int
	ReminderStart   int
	Timeout         time.Duration
	ToolTimeout     time.Duration

	// ToolPolicy limits which registered tools this agent can see and call.
	// nil exposes every tool.
	ToolPolicy *toolexecutor.ToolPolicy

	Provider     llm.Provider
	Tools        *toolexecutor.ToolExecutor
	RateLimit    retry.Strategy
	TokenCounter history.TokenCounter
	Logger       zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = history.DefaultCapacity
	}
	if c.ReminderStart <= 0 {
		c.ReminderStart = DefaultReminderStart
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Tools == nil {
		c.Tools = toolexecutor.New()
	}
	if c.RateLimit == nil {
		c.RateLimit = retry.DefaultRateLimitStrategy()
	}
	if c.TokenCounter == nil {
		c.TokenCounter = history.HeuristicCounter{}
	}
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("agent name is required")
	}
	if c.Provider == nil {
		return errors.New("provider is required")
	}
	return nil
}
