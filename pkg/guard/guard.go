package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
)

// ErrNotHeld is the panic value raised when releasing a guard nobody holds.
var ErrNotHeld = errors.New("guard: release of unheld guard")

// Guard is a single-flight lock with strict FIFO hand-off. At most one
// caller holds it; Release passes ownership directly to the oldest waiter
// so late arrivals can never overtake queued callers.
type Guard struct {
	name    string
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// New creates a guard. name labels its metrics.
func New(name string) *Guard {
	observability.EnsureRegistered()
	return &Guard{name: name}
}

// Acquire blocks until the caller owns the guard or ctx is done. On a
// context error the caller does not own the guard and must not Release it.
func (g *Guard) Acquire(ctx context.Context) error {
	start := time.Now()

	g.mu.Lock()
	if !g.held && len(g.waiters) == 0 {
		g.held = true
		g.mu.Unlock()
		observability.RecordGuardWait(g.name, 0)
		return nil
	}

	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	observability.SetGuardWaiters(g.name, len(g.waiters))
	g.mu.Unlock()

	select {
	case <-ch:
		observability.RecordGuardWait(g.name, time.Since(start))
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				observability.SetGuardWaiters(g.name, len(g.waiters))
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// Ownership was handed to us while we were giving up; pass it on.
		g.Release()
		return ctx.Err()
	}
}

// Release hands the guard to the oldest waiter, or frees it.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		panic(ErrNotHeld)
	}

	if len(g.waiters) == 0 {
		g.held = false
		return
	}

	next := g.waiters[0]
	g.waiters[0] = nil
	g.waiters = g.waiters[1:]
	observability.SetGuardWaiters(g.name, len(g.waiters))
	// held stays true: ownership moves to next without a gap.
	close(next)
}

// Do runs fn while holding the guard. The guard is released on every exit
// path, including panics inside fn.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Held reports whether someone currently owns the guard.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Waiting returns the number of queued callers.
func (g *Guard) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
