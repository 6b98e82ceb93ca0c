// Package ipo tracks the system-owned share inventory.
//
// The pool backs market buys when the ask side of the book is empty: the
// engine takes shares at the fixed unit price and records a synthetic sell
// order owned by the system account for audit. Only admin operations and
// IPO-backed fills mutate the state.
package ipo

import (
	"fmt"
	"sync"

	"campex/pkg/types"
)

// Pool is the mutable IPO inventory. The engine writer is the only caller
// of Take; Set and Reset arrive from admin handlers, hence the mutex.
type Pool struct {
	mu    sync.Mutex
	state types.IPOState
}

// New creates a pool with the given initial state.
func New(initial types.IPOState) *Pool {
	if initial.InitialShares < initial.SharesRemaining {
		initial.InitialShares = initial.SharesRemaining
	}
	return &Pool{state: initial}
}

// Take removes up to qty shares and returns how many were actually supplied:
// min(qty, shares remaining).
func (p *Pool) Take(qty int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	taken := qty
	if p.state.SharesRemaining < taken {
		taken = p.state.SharesRemaining
	}
	p.state.SharesRemaining -= taken
	return taken
}

// Status returns the current IPO state.
func (p *Pool) Status() types.IPOState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Set overrides shares remaining and/or unit price. Nil leaves a field
// unchanged.
func (p *Pool) Set(shares, unitPrice *int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.state
	if shares != nil {
		if *shares < 0 {
			return fmt.Errorf("%w: ipo shares must be >= 0", types.ErrInvalidConfig)
		}
		next.SharesRemaining = *shares
		if next.InitialShares < next.SharesRemaining {
			next.InitialShares = next.SharesRemaining
		}
	}
	if unitPrice != nil {
		if *unitPrice < 1 {
			return fmt.Errorf("%w: ipo unit price must be >= 1", types.ErrInvalidConfig)
		}
		next.UnitPrice = *unitPrice
	}
	p.state = next
	return nil
}

// Reset restores the pool from the configured defaults.
func (p *Pool) Reset(defaults types.IPOState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = defaults
	if p.state.InitialShares < p.state.SharesRemaining {
		p.state.InitialShares = p.state.SharesRemaining
	}
}
