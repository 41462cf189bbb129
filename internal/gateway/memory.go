package gateway

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryGateway is the in-process Gateway used by tests and local runs.
// Balances are tracked per (account, denom); transfers fail when the source
// holds insufficient funds, and a failure can be injected to exercise the
// core's abort path.
type InMemoryGateway struct {
	mu       sync.Mutex
	balances map[string]uint64
	failNext error
}

func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{balances: make(map[string]uint64)}
}

func slot(ref AccountRef, denom string) string {
	return ref.String() + "#" + denom
}

// Credit funds an account directly, bypassing transfer checks. Used to seed
// user balances and to mint issued supply into treasury.
func (g *InMemoryGateway) Credit(ref AccountRef, denom string, amount uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[slot(ref, denom)] += amount
}

// Balance reports the current holdings of (ref, denom).
func (g *InMemoryGateway) Balance(ref AccountRef, denom string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[slot(ref, denom)]
}

// FailNext makes the next Transfer call return err, then clears itself.
func (g *InMemoryGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

func (g *InMemoryGateway) Transfer(_ context.Context, from, to AccountRef, denom string, amount uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return err
	}
	if amount == 0 {
		return nil
	}
	src := slot(from, denom)
	if g.balances[src] < amount {
		return fmt.Errorf("insufficient funds in %s: have %d, need %d", from, g.balances[src], amount)
	}
	g.balances[src] -= amount
	g.balances[slot(to, denom)] += amount
	return nil
}
