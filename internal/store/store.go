// Package store persists exchange state to SQLite.
//
// Memory is authoritative at runtime: the ledger and engine write through to
// the store inside their critical sections, and the store is only read back
// during startup restore. Uses modernc.org/sqlite (pure Go, no cgo) with WAL
// and a busy timeout, and versioned inline migrations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"campex/internal/params"
	"campex/pkg/types"
)

// Store wraps the SQLite connection. Safe for concurrent use; database/sql
// serializes access and the busy timeout covers writer contention.
type Store struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{sql: sqlDB, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	s.logger.Info("database open", "path", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS participants (
				id               TEXT PRIMARY KEY,
				name             TEXT NOT NULL,
				team             TEXT NOT NULL DEFAULT '',
				role             TEXT NOT NULL DEFAULT '',
				available_points INTEGER NOT NULL,
				reserved_points  INTEGER NOT NULL,
				shares           INTEGER NOT NULL,
				reserved_shares  INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS holds (
				id          TEXT PRIMARY KEY,
				participant TEXT NOT NULL,
				kind        TEXT NOT NULL,
				amount      INTEGER NOT NULL,
				ref         TEXT NOT NULL DEFAULT '',
				state       TEXT NOT NULL,
				created_at  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_holds_participant ON holds(participant, state);

			CREATE TABLE IF NOT EXISTS orders (
				id            TEXT PRIMARY KEY,
				participant   TEXT NOT NULL,
				side          TEXT NOT NULL,
				type          TEXT NOT NULL,
				original_qty  INTEGER NOT NULL,
				remaining_qty INTEGER NOT NULL,
				limit_price   INTEGER NOT NULL DEFAULT 0,
				state         TEXT NOT NULL,
				hold_id       TEXT NOT NULL DEFAULT '',
				created_at    TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
			CREATE INDEX IF NOT EXISTS idx_orders_participant ON orders(participant);

			CREATE TABLE IF NOT EXISTS trades (
				id            INTEGER PRIMARY KEY,
				buy_order_id  TEXT NOT NULL,
				sell_order_id TEXT NOT NULL,
				buyer         TEXT NOT NULL,
				seller        TEXT NOT NULL,
				price         INTEGER NOT NULL,
				qty           INTEGER NOT NULL,
				source        TEXT NOT NULL,
				executed_at   TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS point_history (
				id          INTEGER PRIMARY KEY,
				participant TEXT NOT NULL,
				delta       INTEGER NOT NULL,
				reason      TEXT NOT NULL,
				ref         TEXT NOT NULL DEFAULT '',
				recorded_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_history_participant ON point_history(participant);

			CREATE TABLE IF NOT EXISTS ipo_state (
				id               INTEGER PRIMARY KEY DEFAULT 1,
				shares_remaining INTEGER NOT NULL,
				unit_price       INTEGER NOT NULL,
				initial_shares   INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS config_snapshot (
				id   INTEGER PRIMARY KEY DEFAULT 1,
				json TEXT NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		s.logger.Info("applied migration v1")
	}

	return nil
}

// ————————————————————————————————————————————————————————————————————————
// ledger.Repository
// ————————————————————————————————————————————————————————————————————————

// SaveParticipant upserts one participant row.
func (s *Store) SaveParticipant(p types.Participant) error {
	_, err := s.sql.Exec(`
		INSERT INTO participants (id, name, team, role, available_points, reserved_points, shares, reserved_shares)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			team = excluded.team,
			role = excluded.role,
			available_points = excluded.available_points,
			reserved_points = excluded.reserved_points,
			shares = excluded.shares,
			reserved_shares = excluded.reserved_shares`,
		p.ID, p.Name, p.Team, p.Role, p.AvailablePoints, p.ReservedPoints, p.Shares, p.ReservedShares)
	if err != nil {
		return fmt.Errorf("save participant %s: %w", p.ID, err)
	}
	return nil
}

// SaveHold upserts one hold row.
func (s *Store) SaveHold(h types.Hold) error {
	_, err := s.sql.Exec(`
		INSERT INTO holds (id, participant, kind, amount, ref, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			state = excluded.state`,
		h.ID, h.Participant, h.Kind, h.Amount, h.Ref, h.State, h.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save hold %s: %w", h.ID, err)
	}
	return nil
}

// AppendPointEntry inserts one history row. The ledger assigns ids, so a
// replayed write is a no-op.
func (s *Store) AppendPointEntry(e types.PointEntry) error {
	_, err := s.sql.Exec(`
		INSERT OR IGNORE INTO point_history (id, participant, delta, reason, ref, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Participant, e.Delta, e.Reason, e.Ref, e.RecordedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append point entry: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// engine.Journal
// ————————————————————————————————————————————————————————————————————————

// SaveOrder upserts one order row.
func (s *Store) SaveOrder(o types.Order) error {
	_, err := s.sql.Exec(`
		INSERT INTO orders (id, participant, side, type, original_qty, remaining_qty, limit_price, state, hold_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remaining_qty = excluded.remaining_qty,
			state = excluded.state`,
		o.ID, o.Participant, o.Side, o.Type, o.OriginalQty, o.RemainingQty,
		o.LimitPrice, o.State, o.HoldID, o.CreatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// AppendTrade inserts one trade. Trades are append-only.
func (s *Store) AppendTrade(t types.Trade) error {
	_, err := s.sql.Exec(`
		INSERT OR IGNORE INTO trades (id, buy_order_id, sell_order_id, buyer, seller, price, qty, source, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BuyOrderID, t.SellOrderID, t.Buyer, t.Seller, t.Price, t.Qty, t.Source, t.ExecutedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append trade %d: %w", t.ID, err)
	}
	return nil
}

// SaveIPOState writes the IPO singleton row.
func (s *Store) SaveIPOState(st types.IPOState) error {
	_, err := s.sql.Exec(`
		INSERT INTO ipo_state (id, shares_remaining, unit_price, initial_shares)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			shares_remaining = excluded.shares_remaining,
			unit_price = excluded.unit_price,
			initial_shares = excluded.initial_shares`,
		st.SharesRemaining, st.UnitPrice, st.InitialShares)
	if err != nil {
		return fmt.Errorf("save ipo state: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Config snapshot singleton
// ————————————————————————————————————————————————————————————————————————

// SaveParams writes the runtime-parameter singleton as JSON.
func (s *Store) SaveParams(snap params.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.sql.Exec(`
		INSERT INTO config_snapshot (id, json) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json`, string(data))
	if err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	return nil
}

// LoadParams returns the persisted parameter snapshot, or ok=false when none
// has been saved yet.
func (s *Store) LoadParams() (params.Snapshot, bool, error) {
	var data string
	err := s.sql.QueryRow("SELECT json FROM config_snapshot WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return params.Snapshot{}, false, nil
	}
	if err != nil {
		return params.Snapshot{}, false, fmt.Errorf("load params: %w", err)
	}
	var snap params.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return params.Snapshot{}, false, fmt.Errorf("unmarshal params: %w", err)
	}
	return snap, true, nil
}
