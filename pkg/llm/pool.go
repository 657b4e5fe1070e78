package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyPool is returned when a pool is built without providers
var ErrEmptyPool = errors.New("provider pool is empty")

// Pool hands out provider clients to concurrent callers. A caller acquires a
// client for the duration of one call and releases it afterwards, so the
// number of in-flight calls never exceeds the number of clients.
type Pool struct {
	name    string
	clients chan Provider
	size    int
}

// NewPool creates a pool over the given clients.
func NewPool(clients ...Provider) (*Pool, error) {
	if len(clients) == 0 {
		return nil, ErrEmptyPool
	}
	p := &Pool{
		name:    clients[0].Name(),
		clients: make(chan Provider, len(clients)),
		size:    len(clients),
	}
	for _, c := range clients {
		if c == nil {
			return nil, fmt.Errorf("nil provider in pool")
		}
		p.clients <- c
	}
	return p, nil
}

// Acquire blocks until a client is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Provider, error) {
	select {
	case c := <-p.clients:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a client to the pool.
func (p *Pool) Release(c Provider) {
	p.clients <- c
}

// Available returns the number of idle clients.
func (p *Pool) Available() int {
	return len(p.clients)
}

// Size returns the total number of clients.
func (p *Pool) Size() int {
	return p.size
}

// Name returns the name of the pooled provider
func (p *Pool) Name() string {
	return p.name
}

// Call acquires a client, makes the call and releases the client.
func (p *Pool) Call(ctx context.Context, request Request) (*Response, error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire provider: %w", err)
	}
	defer p.Release(c)
	return c.Call(ctx, request)
}
