// Package hours decides whether trading is currently permitted.
//
// The gate reads the trading windows from the params snapshot on every call,
// so admin updates take effect immediately. The clock is injectable for
// tests; production uses time.Now.
package hours

import (
	"time"

	"campex/internal/params"
	"campex/pkg/types"
)

// Gate answers "is the market open right now?".
type Gate struct {
	params *params.Store
	now    func() time.Time
}

// NewGate creates a gate over the given params store.
// A nil now defaults to time.Now.
func NewGate(store *params.Store, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{params: store, now: now}
}

// IsOpen reports whether the current instant falls inside any configured
// trading window. With no windows configured the market is closed.
func (g *Gate) IsOpen() bool {
	return g.IsOpenAt(g.now().UTC())
}

// IsOpenAt reports whether t falls inside any configured window.
func (g *Gate) IsOpenAt(t time.Time) bool {
	for _, w := range g.params.Snapshot().Windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// Windows returns the currently configured trading windows.
func (g *Gate) Windows() []types.TradingWindow {
	return g.params.Snapshot().Windows
}
