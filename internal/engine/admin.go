package engine

import (
	"fmt"

	"campex/internal/params"
	"campex/pkg/types"
)

// Capability actions consulted through the injected predicate.
const (
	ActConfigure  = "configure"
	ActSettle     = "settle"
	ActGivePoints = "give_points"
	ActViewOrders = "view_orders"
	ActMatch      = "match"
	ActCancelAny  = "cancel_any"
)

// Cancel terminates a non-terminal order and releases its reservation.
// Owners cancel their own orders while the market is open; holders of the
// cancel_any capability bypass both the ownership check and the gate.
// Cancelling a terminal order returns ErrAlreadyTerminal.
func (e *Engine) Cancel(orderID, by string) (types.OrderState, error) {
	admin := e.can(by, ActCancelAny)
	if !admin && !e.gate.IsOpen() {
		return "", types.ErrMarketClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID)
	}
	if o.Participant != by && !admin {
		return "", types.ErrNotOrderOwner
	}
	if o.State.Terminal() {
		return o.State, types.ErrAlreadyTerminal
	}

	e.terminateLocked(o, types.OrderCancelled)
	e.logger.Info("order cancelled", "order", orderID, "by", by)
	return o.State, nil
}

// TriggerMatch runs an immediate matching pass on demand.
func (e *Engine) TriggerMatch(actor string) error {
	if !e.can(actor, ActMatch) {
		return types.ErrPermissionDenied
	}
	e.Sweep()
	return nil
}

// SettleReport summarizes a force settlement.
type SettleReport struct {
	Price            int64 `json:"price"`
	OrdersCancelled  int   `json:"orders_cancelled"`
	SharesLiquidated int64 `json:"shares_liquidated"`
	PointsPaid       int64 `json:"points_paid"`
	Participants     int   `json:"participants"`
}

// ForceSettlement liquidates every participant's shares at the override
// price (or the last trade price, or the IPO unit price before any trade),
// cancelling all resting and pending-limit orders first. Runs as one
// serialized batch and bypasses the market-hours gate.
func (e *Engine) ForceSettlement(actor string, priceOverride *int64) (SettleReport, error) {
	if !e.can(actor, ActSettle) {
		return SettleReport{}, types.ErrPermissionDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.lastTrade
	if price == 0 {
		price = e.pool.Status().UnitPrice
	}
	if priceOverride != nil {
		if *priceOverride < 1 {
			return SettleReport{}, fmt.Errorf("%w: settlement price must be >= 1", types.ErrInvalidConfig)
		}
		price = *priceOverride
	}

	// Cancel everything first so reserved shares return to their owners
	// before liquidation.
	drained := e.book.DrainAll()
	for _, o := range drained {
		e.releaseBackingLocked(o)
		o.State = types.OrderCancelled
		e.persistOrder(o)
	}

	report := SettleReport{Price: price, OrdersCancelled: len(drained)}
	for _, p := range e.ledger.List() {
		if p.ID == types.SystemAccount || p.Shares == 0 {
			continue
		}
		qty := p.Shares
		payout := qty * price
		if err := e.ledger.RemoveShares(p.ID, qty); err != nil {
			e.logger.Error("settlement failed removing shares", "participant", p.ID, "error", err)
			continue
		}
		if err := e.ledger.CreditPoints(p.ID, payout); err != nil {
			e.logger.Error("settlement failed crediting payout", "participant", p.ID, "error", err)
			continue
		}
		e.ledger.AppendHistory(p.ID, payout, "force settlement", "")
		report.SharesLiquidated += qty
		report.PointsPaid += payout
		report.Participants++
	}

	e.logger.Info("force settlement complete",
		"price", price,
		"orders_cancelled", report.OrdersCancelled,
		"shares_liquidated", report.SharesLiquidated,
		"by", actor)

	e.emit([]Event{{Type: "settlement", Timestamp: e.now().UTC()}})
	return report, nil
}

// GiveTarget selects who an admin point grant reaches.
type GiveTarget string

const (
	GiveUser      GiveTarget = "user"      // one participant id
	GiveGroup     GiveTarget = "group"     // every member of one team
	GiveAllUsers  GiveTarget = "all_users" // every participant
	GiveAllGroups GiveTarget = "all_groups" // every participant belonging to any team
)

// GivePoints credits amount to each matching participant. Group targets
// credit per member. Bypasses the market-hours gate.
func (e *Engine) GivePoints(actor string, target GiveTarget, targetID string, amount int64) (int, error) {
	if !e.can(actor, ActGivePoints) {
		return 0, types.ErrPermissionDenied
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: grant amount must be positive", types.ErrInvalidConfig)
	}

	var recipients []string
	for _, p := range e.ledger.List() {
		if p.ID == types.SystemAccount {
			continue
		}
		switch target {
		case GiveUser:
			if p.ID == targetID {
				recipients = append(recipients, p.ID)
			}
		case GiveGroup:
			if p.Team == targetID {
				recipients = append(recipients, p.ID)
			}
		case GiveAllUsers:
			recipients = append(recipients, p.ID)
		case GiveAllGroups:
			if p.Team != "" {
				recipients = append(recipients, p.ID)
			}
		default:
			return 0, fmt.Errorf("%w: unknown give target %q", types.ErrInvalidConfig, target)
		}
	}
	if target == GiveUser && len(recipients) == 0 {
		return 0, fmt.Errorf("%w: %s", types.ErrParticipantNotFound, targetID)
	}

	for _, id := range recipients {
		if err := e.ledger.CreditPoints(id, amount); err != nil {
			return 0, err
		}
		e.ledger.AppendHistory(id, amount, "admin grant", actor)
	}

	e.logger.Info("points granted", "target", target, "target_id", targetID,
		"amount", amount, "recipients", len(recipients), "by", actor)
	return len(recipients), nil
}

// ————————————————————————————————————————————————————————————————————————
// Admin configuration surface
// ————————————————————————————————————————————————————————————————————————
// Each operation consults the capability predicate, then delegates to the
// params store or IPO pool. Publishing a params snapshot wakes the engine
// loop, which re-evaluates the quarantine under the new band.

// SetTransferFee updates the transfer fee rate and minimum.
func (e *Engine) SetTransferFee(actor string, rateBps, minFee int64) error {
	if !e.can(actor, ActConfigure) {
		return types.ErrPermissionDenied
	}
	return e.params.SetTransferFee(rateBps, minFee)
}

// SetFlatLimit replaces the price-limit policy with a flat percentage.
func (e *Engine) SetFlatLimit(actor string, percentBps int64) error {
	if !e.can(actor, ActConfigure) {
		return types.ErrPermissionDenied
	}
	return e.params.SetFlatLimit(percentBps)
}

// SetTiers replaces the price-limit policy with a tiered schedule.
func (e *Engine) SetTiers(actor string, tiers []params.Tier, defaultBps int64) error {
	if !e.can(actor, ActConfigure) {
		return types.ErrPermissionDenied
	}
	return e.params.SetTiers(tiers, defaultBps)
}

// SetWindows replaces the trading windows.
func (e *Engine) SetWindows(actor string, windows []types.TradingWindow) error {
	if !e.can(actor, ActConfigure) {
		return types.ErrPermissionDenied
	}
	return e.params.SetWindows(windows)
}

// SetIPODefaults updates what ResetIPO restores.
func (e *Engine) SetIPODefaults(actor string, shares, unitPrice int64) error {
	if !e.can(actor, ActConfigure) {
		return types.ErrPermissionDenied
	}
	return e.params.SetIPODefaults(shares, unitPrice)
}

// UpdateIPO overrides the live IPO pool. Nil fields stay unchanged.
func (e *Engine) UpdateIPO(actor string, shares, unitPrice *int64) error {
	if !e.can(actor, ActConfigure) {
		return types.ErrPermissionDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.pool.Set(shares, unitPrice); err != nil {
		return err
	}
	if err := e.journal.SaveIPOState(e.pool.Status()); err != nil {
		e.logger.Error("failed to persist ipo state", "error", err)
	}
	return nil
}

// ResetIPO restores the IPO pool from the configured defaults.
func (e *Engine) ResetIPO(actor string) error {
	if !e.can(actor, ActConfigure) {
		return types.ErrPermissionDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pool.Reset(e.params.Snapshot().IPODefaults)
	if err := e.journal.SaveIPOState(e.pool.Status()); err != nil {
		e.logger.Error("failed to persist ipo state", "error", err)
	}
	return nil
}
