// Package cache provides the pluggable key/value caches used for routing
// decisions and LLM response memoization.
package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxSize = 256
	defaultTTL     = 10 * time.Minute
)

// Cache is a get/set key-value store. Implementations must be safe for
// concurrent use. A miss is not an error.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
}

// Config bounds an LRU cache
type Config struct {
	// MaxSize is the maximum number of entries kept.
	MaxSize int `json:"max_size"`
	// TTL is how long an entry remains valid.
	TTL time.Duration `json:"ttl"`
}

// DefaultConfig returns the default cache bounds.
func DefaultConfig() Config {
	return Config{MaxSize: defaultMaxSize, TTL: defaultTTL}
}

// LRU is a size-bounded cache whose entries also expire after a TTL.
type LRU[K comparable, V any] struct {
	inner *expirable.LRU[K, V]
}

// NewLRU creates an LRU cache. Zero config values fall back to defaults.
func NewLRU[K comparable, V any](cfg Config) *LRU[K, V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &LRU[K, V]{inner: expirable.NewLRU[K, V](cfg.MaxSize, nil, cfg.TTL)}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.inner.Get(key)
}

func (c *LRU[K, V]) Set(key K, value V) {
	c.inner.Add(key, value)
}

// Len returns the number of live entries.
func (c *LRU[K, V]) Len() int {
	return c.inner.Len()
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.inner.Purge()
}

// Noop never stores anything. Swapping it in must not change behavior,
// only performance.
type Noop[K comparable, V any] struct{}

func (Noop[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (Noop[K, V]) Set(K, V) {}

// NormalizeKey canonicalizes a prompt for routing lookups: surrounding
// whitespace is trimmed, the text is lower-cased and every run of
// whitespace collapses to a single space. Matching stays exact on the
// normalized form.
func NormalizeKey(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}
