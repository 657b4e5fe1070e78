package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/harun/conductor/pkg/cache"
)

// CachingProvider memoizes full responses keyed by a digest of the request.
// With a cache.Noop it is a pass-through.
type CachingProvider struct {
	inner Provider
	cache cache.Cache[string, *Response]
}

// NewCachingProvider wraps inner with response memoization
func NewCachingProvider(inner Provider, c cache.Cache[string, *Response]) *CachingProvider {
	if c == nil {
		c = cache.Noop[string, *Response]{}
	}
	return &CachingProvider{inner: inner, cache: c}
}

func (p *CachingProvider) Name() string {
	return p.inner.Name()
}

func (p *CachingProvider) Call(ctx context.Context, request Request) (*Response, error) {
	key, err := RequestKey(request)
	if err != nil {
		return p.inner.Call(ctx, request)
	}

	if cached, ok := p.cache.Get(key); ok {
		return cloneResponse(cached), nil
	}

	resp, err := p.inner.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, cloneResponse(resp))
	return resp, nil
}

// RequestKey returns the SHA-256 hex digest of the serialized request.
func RequestKey(request Request) (string, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func cloneResponse(r *Response) *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(r.ToolCalls))
		for i, tc := range r.ToolCalls {
			out.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Input: cloneInput(tc.Input)}
		}
	}
	return &out
}
