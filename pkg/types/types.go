// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange — participants,
// orders, trades, holds, IPO state, and the stable error kinds surfaced to
// API callers. It has no dependencies on internal packages, so it can be
// imported by any layer.
//
// All monetary and share amounts are int64. Percentages are fixed-point with
// two decimals, stored as basis points (10000 bps = 100%).
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType distinguishes market orders (trade at whatever price is
// available, IPO fallback for buys) from limit orders (rest on the book).
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderState is the lifecycle state of an order.
//
// pending → (partial) → filled, or pending/partial/pending_limit → cancelled,
// or pending/pending_limit → rejected. pending_limit ↔ pending via price-band
// re-evaluation. filled, cancelled, and rejected are terminal.
type OrderState string

const (
	OrderPending      OrderState = "pending"
	OrderPartial      OrderState = "partial"
	OrderPendingLimit OrderState = "pending_limit" // limit price outside the current band
	OrderFilled       OrderState = "filled"
	OrderCancelled    OrderState = "cancelled"
	OrderRejected     OrderState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// TradeSource records where the sell side of a trade came from:
// a resting book order or the system IPO pool.
type TradeSource string

const (
	SourceBook TradeSource = "book"
	SourceIPO  TradeSource = "ipo"
)

// HoldKind classifies what a point reservation backs.
type HoldKind string

const (
	HoldLimitBuy          HoldKind = "limit-buy"
	HoldMarketBuyEstimate HoldKind = "market-buy-estimate"
	HoldTransfer          HoldKind = "transfer"
	HoldPvP               HoldKind = "pvp"
)

// HoldState tracks the single allowed transition of a hold:
// active → consumed (fill/complete) or active → released (cancel/expire).
type HoldState string

const (
	HoldActive   HoldState = "active"
	HoldConsumed HoldState = "consumed"
	HoldReleased HoldState = "released"
)

// ————————————————————————————————————————————————————————————————————————
// Participants and holds
// ————————————————————————————————————————————————————————————————————————

// SystemAccount receives transfer fees and owns synthetic IPO sell orders.
const SystemAccount = "system"

// Participant is one identified account on the exchange.
// AvailablePoints + ReservedPoints is the participant's total liquid worth;
// ReservedPoints always equals the sum of its active holds.
type Participant struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Team            string `json:"team"`
	Role            string `json:"role"` // opaque capability tag, not interpreted by the core
	AvailablePoints int64  `json:"available_points"`
	ReservedPoints  int64  `json:"reserved_points"`
	Shares          int64  `json:"shares"`
	ReservedShares  int64  `json:"reserved_shares"` // shares backing resting sell orders
}

// Hold is a point reservation against a pending obligation. Funds do not
// move until the hold is consumed; cancellation releases them.
type Hold struct {
	ID          string    `json:"id"`
	Participant string    `json:"participant"`
	Kind        HoldKind  `json:"kind"`
	Amount      int64     `json:"amount"` // remaining reserved amount
	Ref         string    `json:"ref"`    // linked order or transfer id
	State       HoldState `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// Order is a buy or sell instruction from a participant.
// LimitPrice is meaningful only for limit orders. HoldID links the point
// reservation backing a buy; sells reserve shares instead.
type Order struct {
	ID           string     `json:"id"`
	Participant  string     `json:"participant"`
	Side         Side       `json:"side"`
	Type         OrderType  `json:"type"`
	OriginalQty  int64      `json:"original_qty"`
	RemainingQty int64      `json:"remaining_qty"`
	LimitPrice   int64      `json:"limit_price,omitempty"`
	State        OrderState `json:"state"`
	HoldID       string     `json:"hold_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// FilledQty returns how much of the order has traded so far.
func (o *Order) FilledQty() int64 { return o.OriginalQty - o.RemainingQty }

// Trade is one execution. Immutable once appended; IDs are assigned
// monotonically by the engine.
type Trade struct {
	ID          int64       `json:"id"`
	BuyOrderID  string      `json:"buy_order_id"`
	SellOrderID string      `json:"sell_order_id"`
	Buyer       string      `json:"buyer"`
	Seller      string      `json:"seller"`
	Price       int64       `json:"price"`
	Qty         int64       `json:"qty"`
	Source      TradeSource `json:"source"`
	ExecutedAt  time.Time   `json:"executed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// IPO, windows, history
// ————————————————————————————————————————————————————————————————————————

// IPOState is the system-owned share inventory sold to market buys at a
// fixed unit price when the ask side of the book is empty.
type IPOState struct {
	SharesRemaining int64 `json:"shares_remaining"`
	UnitPrice       int64 `json:"unit_price"`
	InitialShares   int64 `json:"initial_shares"`
}

// TradingWindow is a half-open [Start, End) interval in UTC.
// The market is open iff any configured window contains the current instant.
type TradingWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w TradingWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PointEntry is one row of a participant's point history: trades, transfers,
// fees, admin grants, and settlement payouts all append entries.
type PointEntry struct {
	ID          int64     `json:"id"`
	Participant string    `json:"participant"`
	Delta       int64     `json:"delta"` // signed change to available points
	Reason      string    `json:"reason"`
	Ref         string    `json:"ref,omitempty"` // related order/trade/transfer id
	RecordedAt  time.Time `json:"recorded_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Derived views
// ————————————————————————————————————————————————————————————————————————

// PriceSummary is the at-a-glance market state served to the front end.
// Change fields compare the last trade against the session open.
type PriceSummary struct {
	Last          int64 `json:"last"`
	Open          int64 `json:"open"`
	High          int64 `json:"high"`
	Low           int64 `json:"low"`
	Change        int64 `json:"change"`
	ChangeBps     int64 `json:"change_bps"` // change as basis points of open
	Volume        int64 `json:"volume"`
	TradeCount    int64 `json:"trade_count"`
	BandLow       int64 `json:"band_low"`
	BandHigh      int64 `json:"band_high"`
}

// QuoteLevel is one aggregated price level of the five-level quote.
type QuoteLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Quote is the aggregated top-N levels on each side of the book.
type Quote struct {
	Bids []QuoteLevel `json:"bids"`
	Asks []QuoteLevel `json:"asks"`
}
