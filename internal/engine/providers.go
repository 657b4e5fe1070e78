package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/pkg/cache"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/retry"
)

// ProviderBuilder creates one client for a configured provider.
type ProviderBuilder func(cfg config.ProviderConfig) (llm.Provider, error)

func defaultProviderBuilder(pc config.ProviderConfig) (llm.Provider, error) {
	factory := &llm.ProviderFactory{}
	return factory.NewProvider(llm.ProviderConfig{
		ID:       pc.ID,
		Provider: pc.Provider,
		APIKey:   pc.APIKey,
		BaseURL:  pc.BaseURL,
	})
}

// buildProviders layers each configured provider as
// response cache -> transient retry -> client pool.
func buildProviders(cfg *config.Config, build ProviderBuilder, logger zerolog.Logger) (map[string]llm.Provider, error) {
	providers := make(map[string]llm.Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		size := pc.PoolSize
		if size <= 0 {
			size = 1
		}

		clients := make([]llm.Provider, 0, size)
		for i := 0; i < size; i++ {
			client, err := build(pc)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
			}
			clients = append(clients, client)
		}

		pool, err := llm.NewPool(clients...)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
		}

		var p llm.Provider = pool
		if cfg.Retry.Enabled {
			p = &retryingProvider{
				inner:    pool,
				strategy: transientStrategy(cfg.Retry),
				logger:   logger.With().Str("provider", pc.ID).Logger(),
			}
		}

		var responses cache.Cache[string, *llm.Response] = cache.Noop[string, *llm.Response]{}
		if cfg.Cache.Responses.Enabled {
			responses = cache.NewLRU[string, *llm.Response](cacheConfig(cfg.Cache.Responses))
		}
		providers[pc.ID] = llm.NewCachingProvider(p, responses)

		logger.Debug().
			Str("provider", pc.ID).
			Str("kind", pc.Provider).
			Int("pool_size", size).
			Bool("retry", cfg.Retry.Enabled).
			Bool("memoize", cfg.Cache.Responses.Enabled).
			Msg("Provider initialized")
	}
	return providers, nil
}

// retryingProvider retries transient provider failures. Rate limits are left
// to the caller's rate limit strategy so the two backoffs never stack.
type retryingProvider struct {
	inner    llm.Provider
	strategy retry.Strategy
	logger   zerolog.Logger
}

func (p *retryingProvider) Name() string { return p.inner.Name() }

func (p *retryingProvider) Call(ctx context.Context, request llm.Request) (*llm.Response, error) {
	return retry.Do(ctx, p.strategy, func(ctx context.Context) (*llm.Response, error) {
		return p.inner.Call(ctx, request)
	}, retry.WithLogger(p.logger))
}

func backoff(rc config.RetryConfig) retry.Backoff {
	return retry.Backoff{
		Base:         time.Duration(rc.BaseDelay) * time.Millisecond,
		Max:          time.Duration(rc.MaxDelay) * time.Millisecond,
		JitterFactor: rc.Jitter,
	}
}

func transientStrategy(rc config.RetryConfig) retry.Strategy {
	s := retry.NewExponentialStrategy(backoff(rc), rc.MaxAttempts)
	s.Retryable = func(err error) bool {
		return llm.IsRetryable(err) && !llm.IsRateLimit(err)
	}
	return s
}

func rateLimitStrategy(rc config.RetryConfig) retry.Strategy {
	if !rc.Enabled {
		return retry.Never{}
	}
	return retry.NewRateLimitStrategy(backoff(rc), rc.MaxAttempts)
}

func cacheConfig(c config.CacheEntryConfig) cache.Config {
	return cache.Config{
		MaxSize: c.MaxSize,
		TTL:     time.Duration(c.TTL) * time.Second,
	}
}
