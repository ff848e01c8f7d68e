package inference

import (
	"context"
	"sync"
)

// Gate is the counting permit pool that throttles how many workers may be in
// flight against the inference server. It starts with a single permit so the
// very first admission is always serialized, and only ever grows: the
// supervisor grants additional permits when the server proves it has spare
// capacity, and nothing ever revokes one.
type Gate struct {
	permits chan struct{}

	mu     sync.Mutex
	issued int
	held   int
}

// NewGate creates a gate with one initial permit. capacity bounds how far
// the pool can ever grow.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	g := &Gate{permits: make(chan struct{}, capacity)}
	g.permits <- struct{}{}
	g.issued = 1
	return g
}

// Acquire blocks until a permit is free or the context is cancelled. This is
// the primary backpressure point for workers and may block indefinitely.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case <-g.permits:
		g.mu.Lock()
		g.held++
		g.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a held permit to the pool. A release without a matching
// acquire is dropped so the pool never holds more tokens than were issued.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == 0 {
		return
	}
	g.held--
	g.permits <- struct{}{}
}

// Grant permanently adds one permit to the pool. Returns false once the
// configured capacity is reached.
func (g *Gate) Grant() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.issued >= cap(g.permits) {
		return false
	}
	g.issued++
	g.permits <- struct{}{}
	return true
}

// Saturated reports whether every issued permit is currently held by a
// worker. The supervisor only grants growth while the pool is saturated.
func (g *Gate) Saturated() bool {
	return len(g.permits) == 0
}

// Permits returns how many permits have been issued so far.
func (g *Gate) Permits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.issued
}
