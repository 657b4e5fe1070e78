package llm

import (
	"context"
	"fmt"
)

// Provider is an interface for LLM API providers
type Provider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name
	Name() string
}

// ProviderConfig holds the credentials and defaults for one provider
type ProviderConfig struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on its configuration
func (f *ProviderFactory) NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
