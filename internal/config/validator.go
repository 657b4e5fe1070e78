package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/harun/conductor/pkg/toolexecutor"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name. Unknown models are allowed.
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if oneOf(level, validLevels) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateToolPolicy rejects unknown categories and tools that are both
// allowed and denied by name.
func (v *Validator) ValidateToolPolicy(policy ToolPolicyConfig) error {
	if _, err := toolexecutor.ParseCategories(policy.AllowCategories); err != nil {
		return err
	}
	if _, err := toolexecutor.ParseCategories(policy.DenyCategories); err != nil {
		return err
	}
	for _, allowed := range policy.Allow {
		if allowed == "*" {
			continue
		}
		if oneOf(allowed, policy.Deny) {
			return fmt.Errorf("tool %s is both allowed and denied", allowed)
		}
	}
	return nil
}

// ValidateBackoff validates a retry section
func (v *Validator) ValidateBackoff(name string, rc RetryConfig) error {
	if !rc.Enabled {
		return nil
	}
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be >= 1", name)
	}
	if rc.BaseDelay < 0 || rc.MaxDelay < 0 {
		return fmt.Errorf("%s delays must be >= 0", name)
	}
	if rc.MaxDelay > 0 && rc.MaxDelay < rc.BaseDelay {
		return fmt.Errorf("%s.max_delay must be >= base_delay", name)
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		return fmt.Errorf("%s.jitter must be between 0 and 1", name)
	}
	return nil
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, p := range cfg.Providers {
		if p.Provider != "" {
			if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
				errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			}
		}
	}

	for i, agent := range cfg.Agents {
		if err := v.ValidateModel(agent.Model); err != nil {
			errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
		}
		if agent.Temperature != 0 {
			if err := v.ValidateTemperature(agent.Temperature); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
			}
		}
		if agent.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(agent.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
			}
		}
		if err := v.ValidateToolPolicy(agent.Tools); err != nil {
			errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
		}
		if agent.MaxIterations < 0 || agent.Timeout < 0 || agent.ToolTimeout < 0 {
			errors = append(errors, fmt.Errorf("agent %d (%s): limits must be >= 0", i, agent.Name))
		}
	}

	if err := v.ValidateModel(cfg.Orchestrator.Model); err != nil {
		errors = append(errors, fmt.Errorf("orchestrator: %w", err))
	}
	if cfg.Orchestrator.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Orchestrator.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("orchestrator: %w", err))
		}
	}
	if cfg.Orchestrator.MaxParallel < 0 {
		errors = append(errors, fmt.Errorf("orchestrator.max_parallel must be >= 0"))
	}

	if err := v.ValidateBackoff("retry", cfg.Retry); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateBackoff("rate_limit", cfg.RateLimit); err != nil {
		errors = append(errors, err)
	}

	if cfg.History.Capacity < 0 {
		errors = append(errors, fmt.Errorf("history.capacity must be >= 0"))
	}
	for name, c := range map[string]CacheEntryConfig{"routing": cfg.Cache.Routing, "responses": cfg.Cache.Responses} {
		if c.MaxSize < 0 || c.TTL < 0 {
			errors = append(errors, fmt.Errorf("cache.%s bounds must be >= 0", name))
		}
	}
	if cfg.Checkpoint.Enabled && cfg.Checkpoint.Interval < 0 {
		errors = append(errors, fmt.Errorf("checkpoint.interval must be >= 0"))
	}
	if cfg.Tools.ApprovalTimeout < 0 {
		errors = append(errors, fmt.Errorf("tools.approval_timeout must be >= 0"))
	}

	if cfg.Metrics.Enabled {
		if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
			errors = append(errors, fmt.Errorf("metrics: %w", err))
		}
	}
	if cfg.Metrics.Tracing && (cfg.Metrics.SampleRatio < 0 || cfg.Metrics.SampleRatio > 1) {
		errors = append(errors, fmt.Errorf("metrics: sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
