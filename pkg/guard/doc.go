// Package guard provides the per-agent execution guard.
//
// Invariants:
// - At most one caller holds a Guard at any time.
// - Waiters acquire in arrival (FIFO) order.
// - A waiter whose context is cancelled leaves the queue without taking ownership.
//
// Usage:
//
//	g := guard.New("coder")
//	if err := g.Acquire(ctx); err != nil {
//		return err
//	}
//	defer g.Release()
package guard
