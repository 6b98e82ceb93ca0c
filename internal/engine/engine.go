// Package engine is the trading core of the exchange.
//
// It orchestrates order intake, book matching, the IPO fallback, ledger
// settlement, trade recording, and the periodic re-matching sweep:
//
//  1. Placement checks the market-hours gate, reserves funds or shares on
//     the ledger, classifies limit orders against the price band, and
//     inserts into the book (or the pending-limit quarantine).
//  2. Every order event triggers a matching pass; each resulting trade is
//     settled on the ledger, appended to history, and broadcast.
//  3. Market buys that outrun the ask side fall through to the IPO pool.
//  4. A ticker (default 60s) re-runs matching, re-evaluates the quarantine,
//     and cancels orphaned orders.
//
// The engine is the single writer for book state, the IPO pool, and the
// last trade price: every mutating or reading entry point serializes on one
// mutex, and event broadcasts happen after the lock is released.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"campex/internal/book"
	"campex/internal/hours"
	"campex/internal/ipo"
	"campex/internal/ledger"
	"campex/internal/params"
	"campex/internal/pricing"
	"campex/pkg/types"
)

// maxRecentTrades bounds the in-memory trade history used for the
// last-N-trades view; the full log lives in the journal.
const maxRecentTrades = 1000

// CanFunc is the capability predicate injected by the caller. The core does
// not enumerate role names; it only asks whether a participant may perform
// an action ("settle", "give_points", "configure", ...).
type CanFunc func(participant, action string) bool

// Journal persists orders, trades, and IPO state. The SQLite store
// implements it; tests use NopJournal.
type Journal interface {
	SaveOrder(o types.Order) error
	AppendTrade(t types.Trade) error
	SaveIPOState(s types.IPOState) error
}

// NopJournal discards all writes.
type NopJournal struct{}

func (NopJournal) SaveOrder(types.Order) error       { return nil }
func (NopJournal) AppendTrade(types.Trade) error     { return nil }
func (NopJournal) SaveIPOState(types.IPOState) error { return nil }

// Event is broadcast to observers (the API hub) after engine operations.
type Event struct {
	Type      string       `json:"type"` // "trade", "settlement", "config"
	Trade     *types.Trade `json:"trade,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Deps wires the engine's collaborators.
type Deps struct {
	Ledger  *ledger.Ledger
	Params  *params.Store
	Gate    *hours.Gate
	Pool    *ipo.Pool
	Journal Journal
	Can     CanFunc
	Logger  *slog.Logger

	// SweepInterval overrides the periodic matching interval (default 60s).
	SweepInterval time.Duration

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Seed restores previously persisted engine state at startup.
type Seed struct {
	OpenOrders     []types.Order // pending/partial/pending_limit, re-inserted
	RecentTrades   []types.Trade // ascending by id
	LastTradePrice int64
	NextTradeID    int64
}

// Engine is the single-writer matching engine for the one traded symbol.
type Engine struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	params  *params.Store
	gate    *hours.Gate
	pool    *ipo.Pool
	book    *book.Book
	journal Journal
	can     CanFunc
	logger  *slog.Logger
	now     func() time.Time

	sweepInterval time.Duration

	// Owned exclusively by the engine writer.
	orders      map[string]*types.Order // every order ever seen, terminal included
	trades      []types.Trade           // recent trades, ascending
	lastTrade   int64                   // 0 = no trade yet
	nextTradeID int64
	openPrice   int64
	highPrice   int64
	lowPrice    int64
	volume      int64
	tradeCount  int64

	events chan Event
}

// New creates an engine and restores the seed state.
func New(deps Deps, seed Seed) *Engine {
	if deps.Journal == nil {
		deps.Journal = NopJournal{}
	}
	if deps.Can == nil {
		deps.Can = func(string, string) bool { return false }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = 60 * time.Second
	}

	e := &Engine{
		ledger:        deps.Ledger,
		params:        deps.Params,
		gate:          deps.Gate,
		pool:          deps.Pool,
		book:          book.New(),
		journal:       deps.Journal,
		can:           deps.Can,
		logger:        deps.Logger.With("component", "engine"),
		now:           deps.Now,
		sweepInterval: deps.SweepInterval,
		orders:        make(map[string]*types.Order),
		nextTradeID:   1,
		events:        make(chan Event, 256),
	}

	e.restore(seed)
	return e
}

func (e *Engine) restore(seed Seed) {
	for _, o := range seed.OpenOrders {
		cp := o
		e.orders[cp.ID] = &cp
		switch cp.State {
		case types.OrderPendingLimit:
			e.book.Quarantine(&cp)
		case types.OrderPending, types.OrderPartial:
			e.book.Insert(&cp)
		}
	}
	for _, t := range seed.RecentTrades {
		e.recordStats(t)
		e.trades = append(e.trades, t)
	}
	e.lastTrade = seed.LastTradePrice
	if seed.NextTradeID > e.nextTradeID {
		e.nextTradeID = seed.NextTradeID
	}
	if n := len(seed.OpenOrders); n > 0 {
		e.logger.Info("restored open orders", "count", n)
	}
}

// Run drives the periodic sweep and reacts to params changes until ctx is
// cancelled. Matching after each order event does the real work; the sweep
// is an operational safeguard.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		case <-e.params.Changed():
			e.onParamsChanged()
		}
	}
}

// Events returns the observer channel. Consumers that fall behind lose
// events; the snapshot endpoints remain the source of truth.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Sweep runs a matching pass with no new order: re-evaluates the
// pending-limit quarantine, matches any crossings, and cancels orphaned
// orders whose backing reservation is gone.
func (e *Engine) Sweep() {
	e.mu.Lock()
	evts := e.sweepLocked()
	e.mu.Unlock()
	e.emit(evts)
}

func (e *Engine) sweepLocked() []Event {
	e.cancelOrphansLocked()
	return e.matchAndPromoteLocked()
}

func (e *Engine) onParamsChanged() {
	e.mu.Lock()
	evts := e.matchAndPromoteLocked()
	e.mu.Unlock()
	evts = append(evts, Event{Type: "config", Timestamp: e.now().UTC()})
	e.emit(evts)
}

// cancelOrphansLocked cancels resting orders whose hold or share reserve no
// longer backs them (e.g. restored from storage after a partial write).
func (e *Engine) cancelOrphansLocked() {
	check := append(e.book.Resting(), e.book.Quarantined()...)
	for _, o := range check {
		if e.orderBackedLocked(o) {
			continue
		}
		e.logger.Warn("cancelling orphaned order", "order", o.ID, "participant", o.Participant)
		e.terminateLocked(o, types.OrderCancelled)
	}
}

func (e *Engine) orderBackedLocked(o *types.Order) bool {
	if o.Side == types.BUY {
		if o.HoldID == "" {
			return false
		}
		h, err := e.ledger.Hold(o.HoldID)
		return err == nil && h.State == types.HoldActive
	}
	p, err := e.ledger.Get(o.Participant)
	return err == nil && p.ReservedShares >= o.RemainingQty
}

// terminateLocked removes an order from the book and releases its backing
// reservation. The caller picks the final state.
func (e *Engine) terminateLocked(o *types.Order, final types.OrderState) {
	e.book.Remove(o.ID)
	e.releaseBackingLocked(o)
	o.State = final
	e.persistOrder(o)
}

func (e *Engine) releaseBackingLocked(o *types.Order) {
	if o.Side == types.BUY {
		if o.HoldID == "" {
			return
		}
		if h, err := e.ledger.Hold(o.HoldID); err == nil && h.State == types.HoldActive {
			if err := e.ledger.ReleaseHold(o.HoldID); err != nil {
				e.logger.Error("failed to release hold", "order", o.ID, "hold", o.HoldID, "error", err)
			}
		}
		return
	}
	if o.RemainingQty > 0 {
		if err := e.ledger.ReleaseReservedShares(o.Participant, o.RemainingQty); err != nil {
			e.logger.Error("failed to release reserved shares", "order", o.ID, "error", err)
		}
	}
}

// emit broadcasts events after the engine lock has been released.
// Non-blocking: a full channel drops the event.
func (e *Engine) emit(evts []Event) {
	for _, evt := range evts {
		select {
		case e.events <- evt:
		default:
		}
	}
}

func (e *Engine) persistOrder(o *types.Order) {
	if err := e.journal.SaveOrder(*o); err != nil {
		e.logger.Error("failed to persist order", "order", o.ID, "error", err)
	}
}

func (e *Engine) recordStats(t types.Trade) {
	if e.tradeCount == 0 {
		e.openPrice = t.Price
		e.highPrice = t.Price
		e.lowPrice = t.Price
	}
	if t.Price > e.highPrice {
		e.highPrice = t.Price
	}
	if t.Price < e.lowPrice {
		e.lowPrice = t.Price
	}
	e.volume += t.Qty
	e.tradeCount++
}

// currentBandLocked computes the price band from the reference price:
// the last trade price, or the IPO unit price before any trade.
func (e *Engine) currentBandLocked() pricing.Band {
	ref := e.lastTrade
	if ref == 0 {
		ref = e.pool.Status().UnitPrice
	}
	return pricing.Compute(ref, e.params.Snapshot().PriceLimit)
}
