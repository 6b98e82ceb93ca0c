package engine

import (
	"sort"

	"campex/internal/params"
	"campex/internal/pricing"
	"campex/pkg/types"
)

// quoteDepth is the number of aggregated levels per side in a quote.
const quoteDepth = 5

// PriceSummary returns the at-a-glance market state. Before any trade the
// price fields fall back to the IPO unit price and change is zero.
func (e *Engine) PriceSummary() types.PriceSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	band := e.currentBandLocked()
	s := types.PriceSummary{
		Last:       e.lastTrade,
		Open:       e.openPrice,
		High:       e.highPrice,
		Low:        e.lowPrice,
		Volume:     e.volume,
		TradeCount: e.tradeCount,
		BandLow:    band.Low,
		BandHigh:   band.High,
	}
	if s.Last == 0 {
		ref := e.pool.Status().UnitPrice
		s.Last, s.Open, s.High, s.Low = ref, ref, ref, ref
		return s
	}
	if s.Open > 0 {
		s.Change = s.Last - s.Open
		s.ChangeBps = s.Change * 10000 / s.Open
	}
	return s
}

// Quote returns the aggregated top five levels on each side of the book.
// Pending-limit orders are excluded until promoted.
func (e *Engine) Quote() types.Quote {
	e.mu.Lock()
	defer e.mu.Unlock()

	return types.Quote{
		Bids: e.book.TopN(types.BUY, quoteDepth),
		Asks: e.book.TopN(types.SELL, quoteDepth),
	}
}

// RecentTrades returns up to n trades, newest first.
func (e *Engine) RecentTrades(n int) []types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n <= 0 || n > len(e.trades) {
		n = len(e.trades)
	}
	out := make([]types.Trade, n)
	for i := 0; i < n; i++ {
		out[i] = e.trades[len(e.trades)-1-i]
	}
	return out
}

// IPOStatus returns the current IPO pool state.
func (e *Engine) IPOStatus() types.IPOState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Status()
}

// Order returns a copy of any order by id, terminal included.
func (e *Engine) Order(orderID string) (types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return types.Order{}, types.ErrOrderNotFound
	}
	return *o, nil
}

// OrdersFor returns a participant's orders, newest first.
func (e *Engine) OrdersFor(participant string) []types.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []types.Order
	for _, o := range e.orders {
		if o.Participant == participant {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// OpenOrders returns every non-terminal order on the book or in quarantine,
// oldest first. Requires the view_orders capability.
func (e *Engine) OpenOrders(actor string, limit int) ([]types.Order, error) {
	if !e.can(actor, ActViewOrders) {
		return nil, types.ErrPermissionDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	live := append(e.book.Resting(), e.book.Quarantined()...)
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	if limit > 0 && limit < len(live) {
		live = live[:limit]
	}
	out := make([]types.Order, len(live))
	for i, o := range live {
		out[i] = *o
	}
	return out, nil
}

// BandCheck reports the current band and whether testPrice (if positive)
// would trade immediately or wait in quarantine.
type BandCheck struct {
	ReferencePrice int64             `json:"reference_price"`
	Band           pricing.Band      `json:"band"`
	Policy         params.PriceLimit `json:"policy"`
	TestPrice      int64             `json:"test_price,omitempty"`
	InBand         *bool             `json:"in_band,omitempty"`
}

// PriceLimitInfo exposes the live band for the front end and admins.
func (e *Engine) PriceLimitInfo(testPrice int64) BandCheck {
	e.mu.Lock()
	defer e.mu.Unlock()

	ref := e.lastTrade
	if ref == 0 {
		ref = e.pool.Status().UnitPrice
	}
	band := e.currentBandLocked()
	c := BandCheck{
		ReferencePrice: ref,
		Band:           band,
		Policy:         e.params.Snapshot().PriceLimit,
	}
	if testPrice > 0 {
		in := band.Contains(testPrice)
		c.TestPrice = testPrice
		c.InBand = &in
	}
	return c
}
