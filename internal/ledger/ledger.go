// Package ledger tracks every participant's points, holds, and shares.
//
// The ledger is the single source of truth for funds. No flow deducts points
// directly: composite actions (limit buy, transfer, settlement) first create
// a hold, then consume or release it. Invariants enforced here:
//
//   - available, reserved, shares, reserved shares are never negative
//   - a participant's reserved points always equal the sum of its active holds
//   - a hold terminates exactly once, as consumed or released
//
// All operations are serialized by one mutex; business-rule checks happen
// before any mutation so a failed call leaves no partial state. Every
// mutation is mirrored to the Repository inside the same critical section;
// persistence faults are logged and surface as ErrInternal without touching
// the already-applied in-memory state (memory is authoritative, storage is
// a journal restored at startup).
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"campex/pkg/types"
)

// Repository persists ledger mutations. The SQLite store implements it;
// tests use NopRepository.
type Repository interface {
	SaveParticipant(p types.Participant) error
	SaveHold(h types.Hold) error
	AppendPointEntry(e types.PointEntry) error
}

// NopRepository discards all writes. Useful for tests and dry runs.
type NopRepository struct{}

func (NopRepository) SaveParticipant(types.Participant) error { return nil }
func (NopRepository) SaveHold(types.Hold) error               { return nil }
func (NopRepository) AppendPointEntry(types.PointEntry) error { return nil }

// Ledger is the in-memory accounting book with write-through persistence.
type Ledger struct {
	mu           sync.Mutex
	participants map[string]*types.Participant
	holds        map[string]*types.Hold
	history      []types.PointEntry
	nextEntryID  int64
	repo         Repository
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an empty ledger. A nil repo defaults to NopRepository.
func New(repo Repository, logger *slog.Logger) *Ledger {
	if repo == nil {
		repo = NopRepository{}
	}
	l := &Ledger{
		participants: make(map[string]*types.Participant),
		holds:        make(map[string]*types.Hold),
		nextEntryID:  1,
		repo:         repo,
		logger:       logger.With("component", "ledger"),
		now:          time.Now,
	}
	l.ensureLocked(types.Participant{ID: types.SystemAccount, Name: "System"})
	return l
}

// Restore loads previously persisted state. Called once at startup before
// the ledger is shared.
func (l *Ledger) Restore(participants []types.Participant, holds []types.Hold, history []types.PointEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range participants {
		cp := p
		l.participants[p.ID] = &cp
	}
	for _, h := range holds {
		ch := h
		l.holds[h.ID] = &ch
	}
	l.history = append(l.history, history...)
	for _, e := range history {
		if e.ID >= l.nextEntryID {
			l.nextEntryID = e.ID + 1
		}
	}
}

// Ensure registers a participant if it does not exist yet, leaving an
// existing one untouched.
func (l *Ledger) Ensure(p types.Participant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureLocked(p)
}

func (l *Ledger) ensureLocked(p types.Participant) {
	if _, ok := l.participants[p.ID]; ok {
		return
	}
	cp := p
	l.participants[p.ID] = &cp
	l.persistParticipant(&cp)
}

// Get returns a copy of the participant's current balances.
func (l *Ledger) Get(id string) (types.Participant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[id]
	if !ok {
		return types.Participant{}, fmt.Errorf("%w: %s", types.ErrParticipantNotFound, id)
	}
	return *p, nil
}

// List returns copies of all participants, sorted by id.
func (l *Ledger) List() []types.Participant {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.Participant, 0, len(l.participants))
	for _, p := range l.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Hold returns a copy of the hold record.
func (l *Ledger) Hold(id string) (types.Hold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[id]
	if !ok {
		return types.Hold{}, fmt.Errorf("hold %s: %w", id, types.ErrInternal)
	}
	return *h, nil
}

// ————————————————————————————————————————————————————————————————————————
// Point holds
// ————————————————————————————————————————————————————————————————————————

// Reserve moves amount from available into a new active hold and returns
// the hold id.
func (l *Ledger) Reserve(participant string, amount int64, kind types.HoldKind, ref string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("reserve amount %d: %w", amount, types.ErrInternal)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	if p.AvailablePoints < amount {
		return "", fmt.Errorf("%w: need %d, have %d", types.ErrInsufficientFunds, amount, p.AvailablePoints)
	}

	h := &types.Hold{
		ID:          uuid.NewString(),
		Participant: participant,
		Kind:        kind,
		Amount:      amount,
		Ref:         ref,
		State:       types.HoldActive,
		CreatedAt:   l.now().UTC(),
	}

	p.AvailablePoints -= amount
	p.ReservedPoints += amount
	l.holds[h.ID] = h

	l.persistParticipant(p)
	l.persistHold(h)
	return h.ID, nil
}

// PartialConsume debits amount from an active hold without terminating it.
// The debited points leave the participant's reserved balance for good
// (the counterparty is credited separately by the caller).
func (l *Ledger) PartialConsume(holdID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, p, err := l.activeHoldLocked(holdID)
	if err != nil {
		return err
	}
	if amount < 0 || amount > h.Amount {
		return fmt.Errorf("consume %d from hold of %d: %w", amount, h.Amount, types.ErrInternal)
	}

	h.Amount -= amount
	p.ReservedPoints -= amount

	l.persistParticipant(p)
	l.persistHold(h)
	return nil
}

// ConsumeHold terminates an active hold as consumed. Any remaining amount
// (an over-estimate that was never spent) returns to available points.
func (l *Ledger) ConsumeHold(holdID string) error {
	return l.finishHold(holdID, types.HoldConsumed)
}

// ReleaseHold terminates an active hold as released, returning the full
// remaining amount to available points.
func (l *Ledger) ReleaseHold(holdID string) error {
	return l.finishHold(holdID, types.HoldReleased)
}

func (l *Ledger) finishHold(holdID string, final types.HoldState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, p, err := l.activeHoldLocked(holdID)
	if err != nil {
		return err
	}

	p.ReservedPoints -= h.Amount
	p.AvailablePoints += h.Amount
	h.Amount = 0
	h.State = final

	l.persistParticipant(p)
	l.persistHold(h)
	return nil
}

func (l *Ledger) activeHoldLocked(holdID string) (*types.Hold, *types.Participant, error) {
	h, ok := l.holds[holdID]
	if !ok {
		return nil, nil, fmt.Errorf("hold %s not found: %w", holdID, types.ErrInternal)
	}
	if h.State != types.HoldActive {
		return nil, nil, fmt.Errorf("hold %s already %s: %w", holdID, h.State, types.ErrConflict)
	}
	p, ok := l.participants[h.Participant]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrParticipantNotFound, h.Participant)
	}
	return h, p, nil
}

// ActiveHolds returns copies of a participant's active holds.
func (l *Ledger) ActiveHolds(participant string) []types.Hold {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.Hold
	for _, h := range l.holds {
		if h.Participant == participant && h.State == types.HoldActive {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Points and shares
// ————————————————————————————————————————————————————————————————————————

// CreditPoints adds amount to available points.
func (l *Ledger) CreditPoints(participant string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %d: %w", amount, types.ErrInternal)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	p.AvailablePoints += amount
	l.persistParticipant(p)
	return nil
}

// DebitAvailable removes amount from available points.
func (l *Ledger) DebitAvailable(participant string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	if p.AvailablePoints < amount {
		return fmt.Errorf("%w: need %d, have %d", types.ErrInsufficientFunds, amount, p.AvailablePoints)
	}
	p.AvailablePoints -= amount
	l.persistParticipant(p)
	return nil
}

// AddShares credits qty shares.
func (l *Ledger) AddShares(participant string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	p.Shares += qty
	l.persistParticipant(p)
	return nil
}

// RemoveShares debits qty owned (unreserved) shares.
func (l *Ledger) RemoveShares(participant string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	if p.Shares < qty {
		return fmt.Errorf("%w: need %d, have %d", types.ErrInsufficientShares, qty, p.Shares)
	}
	p.Shares -= qty
	l.persistParticipant(p)
	return nil
}

// ReserveShares moves qty owned shares into the reserved-shares bucket
// backing a resting sell order.
func (l *Ledger) ReserveShares(participant string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	if p.Shares < qty {
		return fmt.Errorf("%w: need %d, have %d", types.ErrInsufficientShares, qty, p.Shares)
	}
	p.Shares -= qty
	p.ReservedShares += qty
	l.persistParticipant(p)
	return nil
}

// ConsumeReservedShares removes qty from the reserved-shares bucket
// (the shares have been delivered to a buyer).
func (l *Ledger) ConsumeReservedShares(participant string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	if p.ReservedShares < qty {
		return fmt.Errorf("reserved shares underflow (%d < %d): %w", p.ReservedShares, qty, types.ErrInternal)
	}
	p.ReservedShares -= qty
	l.persistParticipant(p)
	return nil
}

// ReleaseReservedShares returns qty reserved shares to the owned bucket
// (the backing sell order was cancelled).
func (l *Ledger) ReleaseReservedShares(participant string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.participants[participant]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrParticipantNotFound, participant)
	}
	if p.ReservedShares < qty {
		return fmt.Errorf("reserved shares underflow (%d < %d): %w", p.ReservedShares, qty, types.ErrInternal)
	}
	p.ReservedShares -= qty
	p.Shares += qty
	l.persistParticipant(p)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Point history
// ————————————————————————————————————————————————————————————————————————

// AppendHistory records a point-history entry. The ledger assigns the id
// and timestamp.
func (l *Ledger) AppendHistory(participant string, delta int64, reason, ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := types.PointEntry{
		ID:          l.nextEntryID,
		Participant: participant,
		Delta:       delta,
		Reason:      reason,
		Ref:         ref,
		RecordedAt:  l.now().UTC(),
	}
	l.nextEntryID++
	l.history = append(l.history, e)

	if err := l.repo.AppendPointEntry(e); err != nil {
		l.logger.Error("failed to persist point entry", "participant", participant, "error", err)
	}
}

// History returns up to limit most recent entries for a participant,
// newest first. limit <= 0 means all.
func (l *Ledger) History(participant string, limit int) []types.PointEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.PointEntry
	for i := len(l.history) - 1; i >= 0; i-- {
		if l.history[i].Participant != participant {
			continue
		}
		out = append(out, l.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// TotalLiquidPoints sums available+reserved across all participants,
// including the system account. Used by invariant checks.
func (l *Ledger) TotalLiquidPoints() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, p := range l.participants {
		total += p.AvailablePoints + p.ReservedPoints
	}
	return total
}

// TotalShares sums owned+reserved shares across all participants.
func (l *Ledger) TotalShares() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for _, p := range l.participants {
		total += p.Shares + p.ReservedShares
	}
	return total
}

func (l *Ledger) persistParticipant(p *types.Participant) {
	if err := l.repo.SaveParticipant(*p); err != nil {
		l.logger.Error("failed to persist participant", "participant", p.ID, "error", err)
	}
}

func (l *Ledger) persistHold(h *types.Hold) {
	if err := l.repo.SaveHold(*h); err != nil {
		l.logger.Error("failed to persist hold", "hold", h.ID, "error", err)
	}
}
