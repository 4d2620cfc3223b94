package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/mcp-auth/adapter"
)

// GateAdapter holds the first Callers lookups of Model after they read
// from the wrapped adapter until all of them arrived, so concurrent
// requests observe the same rows before any of them writes.
type GateAdapter struct {
	adapter.Adapter
	Model   string
	Callers int32

	armed   atomic.Bool
	arrived atomic.Int32
	once    sync.Once
	release chan struct{}
}

// NewGateAdapter wraps inner. The gate stays open until Arm is called.
func NewGateAdapter(inner adapter.Adapter, model string, callers int) *GateAdapter {
	return &GateAdapter{
		Adapter: inner,
		Model:   model,
		Callers: int32(callers),
		release: make(chan struct{}),
	}
}

// Arm closes the gate for the next lookups.
func (g *GateAdapter) Arm() { g.armed.Store(true) }

func (g *GateAdapter) FindMany(ctx context.Context, model string, where []adapter.Where) ([]adapter.Record, error) {
	recs, err := g.Adapter.FindMany(ctx, model, where)
	if model != g.Model || !g.armed.Load() {
		return recs, err
	}
	n := g.arrived.Add(1)
	if n == g.Callers {
		g.once.Do(func() { close(g.release) })
	}
	if n <= g.Callers {
		select {
		case <-g.release:
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
	}
	return recs, err
}
