package engine

import (
	"fmt"

	"github.com/google/uuid"

	"campex/pkg/types"
)

// PlaceRequest is an order intake request.
type PlaceRequest struct {
	Participant string
	Side        types.Side
	Type        types.OrderType
	Qty         int64
	LimitPrice  int64 // limit orders only
}

// PlaceResult reports what happened to a placed order. Trades lists the
// fills executed synchronously during placement.
type PlaceResult struct {
	Order        types.Order   `json:"order"`
	FilledQty    int64         `json:"filled_qty"`
	RemainingQty int64         `json:"remaining_qty"`
	Trades       []types.Trade `json:"trades,omitempty"`
}

// PlaceOrder runs the full intake pipeline: gate, reservation, band
// classification, book insertion, and an immediate matching pass.
//
// A market buy that cannot be fully satisfied keeps its partial fills and
// returns ErrIPOExhausted for the rejected remainder; a market sell with no
// resting bids returns ErrNoLiquidity the same way.
func (e *Engine) PlaceOrder(req PlaceRequest) (PlaceResult, error) {
	if err := validatePlace(req); err != nil {
		return PlaceResult{}, err
	}
	if !e.gate.IsOpen() {
		return PlaceResult{}, types.ErrMarketClosed
	}

	e.mu.Lock()
	res, evts, err := e.placeLocked(req)
	e.mu.Unlock()
	e.emit(evts)
	return res, err
}

// Intake bounds keep every cost product (price·qty, estimate·qty) well
// inside int64.
const (
	maxOrderQty   = 1_000_000_000
	maxLimitPrice = 1_000_000_000
)

func validatePlace(req PlaceRequest) error {
	if req.Qty <= 0 || req.Qty > maxOrderQty {
		return fmt.Errorf("%w: qty must be in [1, %d]", types.ErrInvalidConfig, int64(maxOrderQty))
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return fmt.Errorf("%w: unknown side %q", types.ErrInvalidConfig, req.Side)
	}
	switch req.Type {
	case types.Limit:
		if req.LimitPrice <= 0 || req.LimitPrice > maxLimitPrice {
			return fmt.Errorf("%w: limit price must be in [1, %d]", types.ErrInvalidConfig, int64(maxLimitPrice))
		}
	case types.Market:
	default:
		return fmt.Errorf("%w: unknown order type %q", types.ErrInvalidConfig, req.Type)
	}
	return nil
}

func (e *Engine) placeLocked(req PlaceRequest) (PlaceResult, []Event, error) {
	o := &types.Order{
		ID:           uuid.NewString(),
		Participant:  req.Participant,
		Side:         req.Side,
		Type:         req.Type,
		OriginalQty:  req.Qty,
		RemainingQty: req.Qty,
		LimitPrice:   req.LimitPrice,
		State:        types.OrderPending,
		CreatedAt:    e.now().UTC(),
	}

	if err := e.reserveForLocked(o); err != nil {
		return PlaceResult{}, nil, err
	}
	e.orders[o.ID] = o

	var evts []Event
	var placeErr error

	switch o.Type {
	case types.Limit:
		band := e.currentBandLocked()
		if band.Contains(o.LimitPrice) {
			e.book.Insert(o)
		} else {
			o.State = types.OrderPendingLimit
			e.book.Quarantine(o)
		}
		e.persistOrder(o)
		evts = e.matchAndPromoteLocked()

	case types.Market:
		evts, placeErr = e.executeMarketLocked(o)
	}

	res := PlaceResult{
		Order:        *o,
		FilledQty:    o.FilledQty(),
		RemainingQty: o.RemainingQty,
		Trades:       tradesFor(evts, o.ID),
	}
	return res, evts, placeErr
}

// reserveForLocked reserves the resources backing an order: points for
// buys (worst-case cost), shares for sells.
func (e *Engine) reserveForLocked(o *types.Order) error {
	if o.Side == types.SELL {
		if err := e.ledger.ReserveShares(o.Participant, o.OriginalQty); err != nil {
			return err
		}
		return nil
	}

	estimate := o.LimitPrice * o.OriginalQty
	kind := types.HoldLimitBuy
	if o.Type == types.Market {
		kind = types.HoldMarketBuyEstimate
		estimate = e.marketBuyEstimateLocked(o.OriginalQty)
	}

	holdID, err := e.ledger.Reserve(o.Participant, estimate, kind, o.ID)
	if err != nil {
		return err
	}
	o.HoldID = holdID
	return nil
}

// marketBuyEstimateLocked computes the worst-case cost of a market buy:
// band high times qty, with the IPO unit price covering the fallback leg.
// Out-of-band asks are demoted before any fill, so no book fill can exceed
// the band high in effect at intake.
func (e *Engine) marketBuyEstimateLocked(qty int64) int64 {
	worst := e.currentBandLocked().High
	if ipoPrice := e.pool.Status().UnitPrice; ipoPrice > worst {
		worst = ipoPrice
	}
	return worst * qty
}

// executeMarketLocked matches a market order against the book and, for
// buys, falls through to the IPO pool. The remainder is terminated.
//
// Each fill re-derives the band first: stale resting orders are demoted, so
// every book fill executes inside the band current at that moment. Promotion
// of quarantined orders waits until the market order completes, which keeps
// every fill at or below the band high the buyer's hold was estimated from.
func (e *Engine) executeMarketLocked(o *types.Order) ([]Event, error) {
	var evts []Event

	for o.RemainingQty > 0 {
		e.demoteLocked()
		var counter *types.Order
		if o.Side == types.BUY {
			counter = e.book.BestAsk()
		} else {
			counter = e.book.BestBid()
		}
		if counter == nil {
			break
		}
		evt, err := e.executeTradeLocked(o, counter, counter.LimitPrice)
		if err != nil {
			e.finishMarketLocked(o)
			return evts, err
		}
		evts = append(evts, evt)
	}

	var placeErr error
	if o.RemainingQty > 0 {
		if o.Side == types.BUY {
			ipoEvts, err := e.ipoFillLocked(o)
			evts = append(evts, ipoEvts...)
			placeErr = err
		} else {
			placeErr = fmt.Errorf("market sell %s: %w", o.ID, types.ErrNoLiquidity)
			// An empty bid side with out-of-band bids waiting is reported as
			// a band condition, not missing liquidity.
			for _, q := range e.book.Quarantined() {
				if q.Side == types.BUY {
					placeErr = fmt.Errorf("market sell %s: bids outside band: %w", o.ID, types.ErrPriceOutOfBand)
					break
				}
			}
		}
	}

	e.finishMarketLocked(o)
	evts = append(evts, e.matchAndPromoteLocked()...)
	return evts, placeErr
}

// finishMarketLocked terminates a market order: market orders never rest on
// the book, so whatever is left after matching and the IPO fallback is
// final. Partial fills are kept; the unfilled remainder is rejected.
func (e *Engine) finishMarketLocked(o *types.Order) {
	if o.RemainingQty == 0 {
		o.State = types.OrderFilled
	} else {
		o.State = types.OrderRejected
	}

	if o.Side == types.BUY && o.HoldID != "" {
		// A fully-filled buy already consumed its hold in applyFillLocked.
		if h, err := e.ledger.Hold(o.HoldID); err == nil && h.State == types.HoldActive {
			var err error
			if o.FilledQty() > 0 {
				err = e.ledger.ConsumeHold(o.HoldID) // releases the unspent excess
			} else {
				err = e.ledger.ReleaseHold(o.HoldID)
			}
			if err != nil {
				e.logger.Error("failed to finish market-buy hold", "order", o.ID, "error", err)
			}
		}
	}
	if o.Side == types.SELL && o.RemainingQty > 0 {
		if err := e.ledger.ReleaseReservedShares(o.Participant, o.RemainingQty); err != nil {
			e.logger.Error("failed to release shares of market sell", "order", o.ID, "error", err)
		}
	}
	e.persistOrder(o)
}

// ipoFillLocked supplies a market buy's remainder from the IPO pool at the
// fixed unit price, recording a synthetic system-owned sell order for audit.
// Returns ErrIPOExhausted when the pool cannot cover the full remainder.
func (e *Engine) ipoFillLocked(o *types.Order) ([]Event, error) {
	state := e.pool.Status()
	qty := e.pool.Take(o.RemainingQty)
	if qty == 0 {
		return nil, fmt.Errorf("market buy %s: %w", o.ID, types.ErrIPOExhausted)
	}

	synthetic := &types.Order{
		ID:           uuid.NewString(),
		Participant:  types.SystemAccount,
		Side:         types.SELL,
		Type:         types.Limit,
		OriginalQty:  qty,
		RemainingQty: 0,
		LimitPrice:   state.UnitPrice,
		State:        types.OrderFilled,
		CreatedAt:    e.now().UTC(),
	}
	e.orders[synthetic.ID] = synthetic
	e.persistOrder(synthetic)

	evt, err := e.settleLocked(o, synthetic, state.UnitPrice, qty, types.SourceIPO)
	if err != nil {
		return nil, err
	}
	if err := e.journal.SaveIPOState(e.pool.Status()); err != nil {
		e.logger.Error("failed to persist ipo state", "error", err)
	}

	if o.RemainingQty > 0 {
		return []Event{evt}, fmt.Errorf("market buy %s: %w", o.ID, types.ErrIPOExhausted)
	}
	return []Event{evt}, nil
}

// matchAndPromoteLocked alternates matching passes with quarantine
// promotion until neither makes progress.
func (e *Engine) matchAndPromoteLocked() []Event {
	var evts []Event
	for {
		matched := e.matchLocked()
		evts = append(evts, matched...)
		promoted := e.promoteLocked()
		evts = append(evts, promoted...)
		if len(matched) == 0 && len(promoted) == 0 {
			return evts
		}
	}
}

// matchLocked trades book crossings: while the best ask price does not
// exceed the best bid price, the earlier-submitted (resting) side sets the
// price and min(remaining) quantity trades. The band is re-derived before
// each fill — a trade moves the reference price, so orders in band a moment
// ago may need demoting before the next fill.
func (e *Engine) matchLocked() []Event {
	var evts []Event
	for {
		e.demoteLocked()
		bid := e.book.BestBid()
		ask := e.book.BestAsk()
		if bid == nil || ask == nil || ask.LimitPrice > bid.LimitPrice {
			return evts
		}

		price := bid.LimitPrice
		if ask.CreatedAt.Before(bid.CreatedAt) {
			price = ask.LimitPrice
		}

		evt, err := e.settleLocked(bid, ask, price, minQty(bid.RemainingQty, ask.RemainingQty), types.SourceBook)
		if err != nil {
			// Settlement failure: the trade was not appended and both
			// orders are untouched. Stop matching; the sweep retries.
			return evts
		}
		evts = append(evts, evt)
	}
}

// executeTradeLocked settles one fill between an incoming order and a
// resting counterparty at the given price.
func (e *Engine) executeTradeLocked(incoming, resting *types.Order, price int64) (Event, error) {
	if incoming.Side == types.BUY {
		return e.settleLocked(incoming, resting, price, minQty(incoming.RemainingQty, resting.RemainingQty), types.SourceBook)
	}
	return e.settleLocked(resting, incoming, price, minQty(incoming.RemainingQty, resting.RemainingQty), types.SourceBook)
}

// settleLocked is the single transactional unit of the engine: it moves
// funds and shares for one trade, updates both orders, appends the trade,
// and refreshes the reference price. A ledger failure before the trade is
// recorded unwinds the steps already applied and aborts the fill with no
// order mutation and both reservations intact.
func (e *Engine) settleLocked(buy, sell *types.Order, price, qty int64, source types.TradeSource) (Event, error) {
	cost := price * qty

	// Seller leg first: deliver reserved shares. Nothing has been mutated
	// yet when this fails. The system account's synthetic IPO sells have no
	// share reserve.
	if sell.Participant != types.SystemAccount {
		if err := e.ledger.ConsumeReservedShares(sell.Participant, qty); err != nil {
			e.logger.Error("settlement failed consuming seller shares",
				"buy_order", buy.ID, "sell_order", sell.ID, "price", price, "qty", qty, "error", err)
			return Event{}, fmt.Errorf("settle trade: %w", types.ErrInternal)
		}
	}

	// Buyer: spend from the hold, receive shares.
	if buy.HoldID != "" {
		if err := e.ledger.PartialConsume(buy.HoldID, cost); err != nil {
			e.restoreSellerReserveLocked(sell, qty)
			e.logger.Error("settlement failed consuming buyer hold",
				"buy_order", buy.ID, "sell_order", sell.ID, "price", price, "qty", qty, "error", err)
			return Event{}, fmt.Errorf("settle trade: %w", types.ErrInternal)
		}
	}
	if err := e.ledger.AddShares(buy.Participant, qty); err != nil {
		if buy.HoldID != "" {
			e.refundBuyerLocked(buy, cost)
		}
		e.restoreSellerReserveLocked(sell, qty)
		e.logger.Error("settlement failed crediting shares", "buy_order", buy.ID, "error", err)
		return Event{}, fmt.Errorf("settle trade: %w", types.ErrInternal)
	}
	if err := e.ledger.CreditPoints(sell.Participant, cost); err != nil {
		if rerr := e.ledger.RemoveShares(buy.Participant, qty); rerr != nil {
			e.logger.Error("failed to unwind buyer shares of aborted fill", "order", buy.ID, "error", rerr)
		}
		if buy.HoldID != "" {
			e.refundBuyerLocked(buy, cost)
		}
		e.restoreSellerReserveLocked(sell, qty)
		e.logger.Error("settlement failed crediting seller", "sell_order", sell.ID, "error", err)
		return Event{}, fmt.Errorf("settle trade: %w", types.ErrInternal)
	}

	trade := types.Trade{
		ID:          e.nextTradeID,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Buyer:       buy.Participant,
		Seller:      sell.Participant,
		Price:       price,
		Qty:         qty,
		Source:      source,
		ExecutedAt:  e.now().UTC(),
	}
	e.nextTradeID++

	e.applyFillLocked(buy, qty)
	e.applyFillLocked(sell, qty)

	e.lastTrade = price
	e.recordStats(trade)
	e.trades = append(e.trades, trade)
	if len(e.trades) > maxRecentTrades {
		e.trades = e.trades[len(e.trades)-maxRecentTrades:]
	}
	if err := e.journal.AppendTrade(trade); err != nil {
		e.logger.Error("failed to persist trade", "trade", trade.ID, "error", err)
	}

	e.ledger.AppendHistory(buy.Participant, -cost, "trade buy", buy.ID)
	e.ledger.AppendHistory(sell.Participant, cost, "trade sell", sell.ID)

	e.logger.Info("trade executed",
		"trade", trade.ID, "price", price, "qty", qty, "source", source,
		"buyer", buy.Participant, "seller", sell.Participant)

	return Event{Type: "trade", Trade: &trade, Timestamp: trade.ExecutedAt}, nil
}

// applyFillLocked decrements remaining qty and advances the order state,
// removing filled orders from the book and settling their holds.
func (e *Engine) applyFillLocked(o *types.Order, qty int64) {
	// Synthetic IPO orders are created already filled.
	if o.State == types.OrderFilled && o.RemainingQty == 0 {
		return
	}

	o.RemainingQty -= qty
	if o.RemainingQty == 0 {
		o.State = types.OrderFilled
		e.book.Remove(o.ID)
		if o.Side == types.BUY && o.HoldID != "" {
			// Release the unspent part of the reservation (fills below the
			// limit price, or an over-estimated market buy).
			if err := e.ledger.ConsumeHold(o.HoldID); err != nil {
				e.logger.Error("failed to consume hold of filled order", "order", o.ID, "error", err)
			}
		}
	} else if o.Type == types.Limit {
		o.State = types.OrderPartial
	}
	e.persistOrder(o)
}

// restoreSellerReserveLocked puts qty back into the seller's share reserve
// after an aborted fill.
func (e *Engine) restoreSellerReserveLocked(sell *types.Order, qty int64) {
	if sell.Participant == types.SystemAccount {
		return
	}
	if err := e.ledger.AddShares(sell.Participant, qty); err != nil {
		e.logger.Error("failed to restore seller reserve of aborted fill", "order", sell.ID, "error", err)
		return
	}
	if err := e.ledger.ReserveShares(sell.Participant, qty); err != nil {
		e.logger.Error("failed to restore seller reserve of aborted fill", "order", sell.ID, "error", err)
	}
}

// refundBuyerLocked returns points already taken from the buyer's hold by an
// aborted fill.
func (e *Engine) refundBuyerLocked(buy *types.Order, cost int64) {
	if err := e.ledger.CreditPoints(buy.Participant, cost); err != nil {
		e.logger.Error("failed to refund buyer of aborted fill", "order", buy.ID, "error", err)
	}
}

// demoteLocked is the reverse of promoteLocked: resting orders whose limit
// price fell outside the current band return to the pending-limit
// quarantine, keeping their reservations. Runs before every fill so no
// trade can execute at an out-of-band resting price.
func (e *Engine) demoteLocked() {
	band := e.currentBandLocked()
	for _, o := range e.book.DemoteOutOfBand(band.Low, band.High) {
		o.State = types.OrderPendingLimit
		e.persistOrder(o)
		e.logger.Info("demoted resting order outside band", "order", o.ID, "price", o.LimitPrice)
	}
}

// promoteLocked re-evaluates the pending-limit quarantine against the
// current band and moves newly in-band orders to the active book, FIFO by
// original submission time.
func (e *Engine) promoteLocked() []Event {
	band := e.currentBandLocked()
	promoted := e.book.PromoteInBand(band.Low, band.High)
	for _, o := range promoted {
		if o.FilledQty() > 0 {
			o.State = types.OrderPartial
		} else {
			o.State = types.OrderPending
		}
		e.book.Insert(o)
		e.persistOrder(o)
		e.logger.Info("promoted pending-limit order", "order", o.ID, "price", o.LimitPrice)
	}
	if len(promoted) == 0 {
		return nil
	}
	return e.matchLocked()
}

// tradesFor extracts the fills belonging to one order from an event batch.
func tradesFor(evts []Event, orderID string) []types.Trade {
	var out []types.Trade
	for _, evt := range evts {
		if evt.Type != "trade" || evt.Trade == nil {
			continue
		}
		if evt.Trade.BuyOrderID == orderID || evt.Trade.SellOrderID == orderID {
			out = append(out, *evt.Trade)
		}
	}
	return out
}

func minQty(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
