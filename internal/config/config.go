package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config represents the main Conductor configuration
type Config struct {
	// LLM provider credentials
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`

	// Specialist agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Routing and delegation
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`

	// Transient LLM error retries
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Provider rate limit backoff
	RateLimit RetryConfig `json:"rate_limit" mapstructure:"rate_limit"`

	History HistoryConfig `json:"history" mapstructure:"history"`

	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	Checkpoint CheckpointConfig `json:"checkpoint" mapstructure:"checkpoint"`

	// Built-in workspace tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// ProviderConfig holds credentials for one LLM provider
type ProviderConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	// PoolSize is the number of clients handed out concurrently.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
}

// AgentConfig represents a specialist agent
type AgentConfig struct {
	Name          string           `json:"name" mapstructure:"name"`
	Description   string           `json:"description" mapstructure:"description"`
	Capabilities  []string         `json:"capabilities" mapstructure:"capabilities"`
	Provider      string           `json:"provider" mapstructure:"provider"` // provider id, defaults to the first
	Model         string           `json:"model" mapstructure:"model"`
	Temperature   float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int              `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt  string           `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations int              `json:"max_iterations" mapstructure:"max_iterations"`
	ReminderStart int              `json:"reminder_start" mapstructure:"reminder_start"`
	Timeout       int              `json:"timeout" mapstructure:"timeout"`             // seconds
	ToolTimeout   int              `json:"tool_timeout" mapstructure:"tool_timeout"` // seconds
	Tools         ToolPolicyConfig `json:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow           []string `json:"allow" mapstructure:"allow"`
	Deny            []string `json:"deny" mapstructure:"deny"`
	AllowCategories []string `json:"allow_categories,omitempty" mapstructure:"allow_categories"`
	DenyCategories  []string `json:"deny_categories,omitempty" mapstructure:"deny_categories"`
}

// OrchestratorConfig configures the decision engine and delegator
type OrchestratorConfig struct {
	Provider            string  `json:"provider" mapstructure:"provider"`
	Model               string  `json:"model" mapstructure:"model"`
	Temperature         float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens           int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt        string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxParallel         int     `json:"max_parallel" mapstructure:"max_parallel"`
	MaxClarifications   int     `json:"max_clarifications" mapstructure:"max_clarifications"`
	RequirePlanApproval bool    `json:"require_plan_approval" mapstructure:"require_plan_approval"`
	Timeout             int     `json:"timeout" mapstructure:"timeout"` // seconds
}

// RetryConfig describes an exponential backoff with jitter
type RetryConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	MaxAttempts int     `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   int     `json:"base_delay" mapstructure:"base_delay"` // ms
	MaxDelay    int     `json:"max_delay" mapstructure:"max_delay"`   // ms
	Jitter      float64 `json:"jitter" mapstructure:"jitter"`
}

// HistoryConfig bounds agent conversation history
type HistoryConfig struct {
	Capacity     int    `json:"capacity" mapstructure:"capacity"`
	TokenCounter string `json:"token_counter" mapstructure:"token_counter"` // heuristic, tiktoken
	Encoding     string `json:"encoding" mapstructure:"encoding"`
}

// CacheConfig holds routing and response cache settings
type CacheConfig struct {
	Routing   CacheEntryConfig `json:"routing" mapstructure:"routing"`
	Responses CacheEntryConfig `json:"responses" mapstructure:"responses"`
}

// CacheEntryConfig bounds one cache
type CacheEntryConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	MaxSize int  `json:"max_size" mapstructure:"max_size"`
	TTL     int  `json:"ttl" mapstructure:"ttl"` // seconds
}

// CheckpointConfig holds checkpoint scheduler settings
type CheckpointConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Interval int    `json:"interval" mapstructure:"interval"` // seconds
	Sink     string `json:"sink" mapstructure:"sink"`         // memory, sqlite, log
	Path     string `json:"path" mapstructure:"path"`
}

// ToolsConfig holds built-in tool settings
type ToolsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Workspace roots the file tools; defaults to the working directory.
	Workspace            string `json:"workspace" mapstructure:"workspace"`
	RequireWriteApproval bool   `json:"require_write_approval" mapstructure:"require_write_approval"`
	ApprovalTimeout      int    `json:"approval_timeout" mapstructure:"approval_timeout"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig holds Prometheus and tracing settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
	Tracing bool   `json:"tracing" mapstructure:"tracing"`
	// SampleRatio is the fraction of runs traced, 0..1
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

var (
	validProviders     = []string{"anthropic", "openai"}
	validSinks         = []string{"memory", "sqlite", "log"}
	validTokenCounters = []string{"heuristic", "tiktoken"}
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			Model:             "claude-sonnet-4",
			MaxTokens:         2048,
			MaxParallel:       4,
			MaxClarifications: 2,
			Timeout:           300,
		},
		Retry: RetryConfig{
			Enabled:     true,
			MaxAttempts: 3,
			BaseDelay:   500,
			MaxDelay:    5000,
			Jitter:      0.3,
		},
		RateLimit: RetryConfig{
			Enabled:     true,
			MaxAttempts: 5,
			BaseDelay:   1000,
			MaxDelay:    30000,
			Jitter:      0.3,
		},
		History: HistoryConfig{
			Capacity:     50,
			TokenCounter: "heuristic",
			Encoding:     "cl100k_base",
		},
		Cache: CacheConfig{
			Routing:   CacheEntryConfig{Enabled: true, MaxSize: 256, TTL: 600},
			Responses: CacheEntryConfig{Enabled: false, MaxSize: 256, TTL: 600},
		},
		Checkpoint: CheckpointConfig{
			Enabled:  true,
			Interval: 30,
			Sink:     "log",
		},
		Tools: ToolsConfig{
			Enabled:              true,
			RequireWriteApproval: true,
			ApprovalTimeout:      300,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled:     false,
			Addr:        "127.0.0.1:9464",
			SampleRatio: 1,
		},
		Providers: []ProviderConfig{},
		Agents: []AgentConfig{
			{
				Name:          "general",
				Description:   "General purpose assistant for tasks no specialist covers",
				Capabilities:  []string{"general"},
				Model:         "claude-sonnet-4",
				Temperature:   0.7,
				MaxTokens:     4096,
				MaxIterations: 15,
				ReminderStart: 4,
				Timeout:       300,
				ToolTimeout:   60,
				Tools: ToolPolicyConfig{
					Allow: []string{"*"},
					Deny:  []string{},
				},
			},
		},
	}
}

// String returns a JSON representation of the config with API keys masked
func (c *Config) String() string {
	masked := *c
	masked.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Provider returns the provider with the given id. An empty id selects the first one.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	if len(c.Providers) == 0 {
		return ProviderConfig{}, false
	}
	if id == "" {
		return c.Providers[0], true
	}
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one provider
	if len(c.Providers) == 0 {
		return fmt.Errorf("no LLM credentials configured: at least one provider is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: ID is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate ID", p.ID)
		}
		seen[p.ID] = true
		if p.APIKey == "" {
			return fmt.Errorf("provider %s: api_key is required", p.ID)
		}
		if !oneOf(p.Provider, validProviders) {
			return fmt.Errorf("provider %s: invalid provider %s (must be: %s)", p.ID, p.Provider, strings.Join(validProviders, ", "))
		}
		if p.PoolSize < 0 {
			return fmt.Errorf("provider %s: pool_size cannot be negative", p.ID)
		}
	}

	// Validate agents
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	names := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if names[a.Name] {
			return fmt.Errorf("agent %s: duplicate name", a.Name)
		}
		names[a.Name] = true
		if a.Model == "" {
			return fmt.Errorf("agent %s: model is required", a.Name)
		}
		if _, ok := c.Provider(a.Provider); !ok {
			return fmt.Errorf("agent %s: unknown provider %s", a.Name, a.Provider)
		}
	}

	if c.Orchestrator.Model == "" {
		return fmt.Errorf("orchestrator: model is required")
	}
	if _, ok := c.Provider(c.Orchestrator.Provider); !ok {
		return fmt.Errorf("orchestrator: unknown provider %s", c.Orchestrator.Provider)
	}
	if c.Orchestrator.MaxClarifications < 0 {
		return fmt.Errorf("orchestrator: max_clarifications cannot be negative")
	}

	if c.Checkpoint.Enabled {
		if !oneOf(c.Checkpoint.Sink, validSinks) {
			return fmt.Errorf("invalid checkpoint sink: %s", c.Checkpoint.Sink)
		}
	}

	if c.History.TokenCounter != "" && !oneOf(c.History.TokenCounter, validTokenCounters) {
		return fmt.Errorf("invalid token counter: %s", c.History.TokenCounter)
	}

	return nil
}

func oneOf(s string, options []string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
