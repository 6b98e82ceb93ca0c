package store

import (
	"database/sql"
	"fmt"
	"time"

	"campex/pkg/types"
)

// timeLayout is RFC3339 with nanoseconds; lexicographic order matches
// chronological order within a run.
const timeLayout = time.RFC3339Nano

// LoadParticipants returns every participant row.
func (s *Store) LoadParticipants() ([]types.Participant, error) {
	rows, err := s.sql.Query(`
		SELECT id, name, team, role, available_points, reserved_points, shares, reserved_shares
		FROM participants`)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	var out []types.Participant
	for rows.Next() {
		var p types.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.Team, &p.Role,
			&p.AvailablePoints, &p.ReservedPoints, &p.Shares, &p.ReservedShares); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadHolds returns every hold row, terminal ones included (they are part of
// the audit trail and keep replayed writes idempotent).
func (s *Store) LoadHolds() ([]types.Hold, error) {
	rows, err := s.sql.Query(`
		SELECT id, participant, kind, amount, ref, state, created_at FROM holds`)
	if err != nil {
		return nil, fmt.Errorf("load holds: %w", err)
	}
	defer rows.Close()

	var out []types.Hold
	for rows.Next() {
		var h types.Hold
		var created string
		if err := rows.Scan(&h.ID, &h.Participant, &h.Kind, &h.Amount, &h.Ref, &h.State, &created); err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		h.CreatedAt = parseTime(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

// LoadHistory returns up to limit point-history rows, oldest first
// (limit <= 0 means all).
func (s *Store) LoadHistory(limit int) ([]types.PointEntry, error) {
	q := `SELECT id, participant, delta, reason, ref, recorded_at FROM point_history ORDER BY id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		// Keep the newest rows while preserving ascending order.
		q = `SELECT id, participant, delta, reason, ref, recorded_at FROM (
			SELECT id, participant, delta, reason, ref, recorded_at
			FROM point_history ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		rows, err = s.sql.Query(q, limit)
	} else {
		rows, err = s.sql.Query(q)
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []types.PointEntry
	for rows.Next() {
		var e types.PointEntry
		var recorded string
		if err := rows.Scan(&e.ID, &e.Participant, &e.Delta, &e.Reason, &e.Ref, &recorded); err != nil {
			return nil, fmt.Errorf("scan point entry: %w", err)
		}
		e.RecordedAt = parseTime(recorded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadOpenOrders returns non-terminal orders, oldest first, for re-insertion
// into the book.
func (s *Store) LoadOpenOrders() ([]types.Order, error) {
	rows, err := s.sql.Query(`
		SELECT id, participant, side, type, original_qty, remaining_qty, limit_price, state, hold_id, created_at
		FROM orders
		WHERE state IN (?, ?, ?)
		ORDER BY created_at`,
		types.OrderPending, types.OrderPartial, types.OrderPendingLimit)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		var o types.Order
		var created string
		if err := rows.Scan(&o.ID, &o.Participant, &o.Side, &o.Type, &o.OriginalQty,
			&o.RemainingQty, &o.LimitPrice, &o.State, &o.HoldID, &created); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.CreatedAt = parseTime(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadRecentTrades returns the newest n trades in ascending id order.
func (s *Store) LoadRecentTrades(n int) ([]types.Trade, error) {
	rows, err := s.sql.Query(`
		SELECT id, buy_order_id, sell_order_id, buyer, seller, price, qty, source, executed_at FROM (
			SELECT id, buy_order_id, sell_order_id, buyer, seller, price, qty, source, executed_at
			FROM trades ORDER BY id DESC LIMIT ?
		) ORDER BY id`, n)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var executed string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Buyer, &t.Seller,
			&t.Price, &t.Qty, &t.Source, &executed); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.ExecutedAt = parseTime(executed)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadTradeMeta returns the last trade price and the next trade id.
func (s *Store) LoadTradeMeta() (lastPrice, nextID int64, err error) {
	nextID = 1
	err = s.sql.QueryRow(`
		SELECT price, id + 1 FROM trades ORDER BY id DESC LIMIT 1`).Scan(&lastPrice, &nextID)
	if err == sql.ErrNoRows {
		return 0, 1, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load trade meta: %w", err)
	}
	return lastPrice, nextID, nil
}

// LoadIPOState returns the IPO singleton, or ok=false when the table is
// empty (fresh database).
func (s *Store) LoadIPOState() (types.IPOState, bool, error) {
	var st types.IPOState
	err := s.sql.QueryRow(`
		SELECT shares_remaining, unit_price, initial_shares FROM ipo_state WHERE id = 1`).
		Scan(&st.SharesRemaining, &st.UnitPrice, &st.InitialShares)
	if err == sql.ErrNoRows {
		return types.IPOState{}, false, nil
	}
	if err != nil {
		return types.IPOState{}, false, fmt.Errorf("load ipo state: %w", err)
	}
	return st, true, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
