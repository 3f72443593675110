// Package testutil provides testing utilities for memocache.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ErrBoom is the error returned by failing test functions.
var ErrBoom = errors.New("boom")

// CountingFunc wraps a function and counts its invocations.
type CountingFunc[A, R any] struct {
	fn    func(ctx context.Context, args A) (R, error)
	calls atomic.Int64
	delay time.Duration

	mu   sync.Mutex
	args []A
}

// Count wraps fn.
func Count[A, R any](fn func(ctx context.Context, args A) (R, error)) *CountingFunc[A, R] {
	return &CountingFunc[A, R]{fn: fn}
}

// WithDelay makes every invocation sleep for d before calling fn.
func (c *CountingFunc[A, R]) WithDelay(d time.Duration) *CountingFunc[A, R] {
	c.delay = d
	return c
}

// Func is the function to memoize.
func (c *CountingFunc[A, R]) Func(ctx context.Context, args A) (R, error) {
	c.calls.Inc()
	c.mu.Lock()
	c.args = append(c.args, args)
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.fn(ctx, args)
}

// Calls returns the number of invocations.
func (c *CountingFunc[A, R]) Calls() int64 {
	return c.calls.Load()
}

// Args returns the arguments of every invocation in order.
func (c *CountingFunc[A, R]) Args() []A {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]A(nil), c.args...)
}

// Double returns x*2.
func Double(_ context.Context, x int) (int, error) {
	return x * 2, nil
}

// Fail always returns ErrBoom.
func Fail(_ context.Context, _ int) (int, error) {
	return 0, ErrBoom
}

// Gate blocks callers of Wait until Open is called.
type Gate struct {
	ch      chan struct{}
	once    sync.Once
	entered atomic.Int64
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.entered.Inc()
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entered returns how many callers reached Wait.
func (g *Gate) Entered() int64 {
	return g.entered.Load()
}

// Open releases all current and future waiters.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Eventually polls cond every 5ms until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
