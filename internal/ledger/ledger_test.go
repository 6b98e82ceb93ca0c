package ledger

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"campex/pkg/types"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(NopRepository{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.Ensure(types.Participant{ID: "alice", Name: "Alice", AvailablePoints: 1000})
	l.Ensure(types.Participant{ID: "bob", Name: "Bob", AvailablePoints: 500, Shares: 50})
	return l
}

// checkInvariants verifies reserved == sum of active holds and no negative
// balances, for every participant.
func checkInvariants(t *testing.T, l *Ledger) {
	t.Helper()
	for _, p := range l.List() {
		if p.AvailablePoints < 0 || p.ReservedPoints < 0 || p.Shares < 0 || p.ReservedShares < 0 {
			t.Fatalf("negative balance for %s: %+v", p.ID, p)
		}
		var sum int64
		for _, h := range l.ActiveHolds(p.ID) {
			sum += h.Amount
		}
		if sum != p.ReservedPoints {
			t.Fatalf("%s: reserved %d != sum of active holds %d", p.ID, p.ReservedPoints, sum)
		}
	}
}

func TestReserveAndRelease(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	holdID, err := l.Reserve("alice", 300, types.HoldLimitBuy, "order-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	checkInvariants(t, l)

	p, _ := l.Get("alice")
	if p.AvailablePoints != 700 || p.ReservedPoints != 300 {
		t.Errorf("after reserve: available=%d reserved=%d, want 700/300", p.AvailablePoints, p.ReservedPoints)
	}

	if err := l.ReleaseHold(holdID); err != nil {
		t.Fatalf("ReleaseHold: %v", err)
	}
	checkInvariants(t, l)

	p, _ = l.Get("alice")
	if p.AvailablePoints != 1000 || p.ReservedPoints != 0 {
		t.Errorf("after release: available=%d reserved=%d, want 1000/0", p.AvailablePoints, p.ReservedPoints)
	}

	h, err := l.Hold(holdID)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if h.State != types.HoldReleased {
		t.Errorf("hold state = %s, want released", h.State)
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	_, err := l.Reserve("alice", 1001, types.HoldLimitBuy, "order-1")
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
	checkInvariants(t, l)
}

func TestPartialConsumeThenConsume(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	// Market-buy estimate of 500; actual fills cost 380.
	holdID, err := l.Reserve("alice", 500, types.HoldMarketBuyEstimate, "order-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.PartialConsume(holdID, 380); err != nil {
		t.Fatalf("PartialConsume: %v", err)
	}
	checkInvariants(t, l)

	p, _ := l.Get("alice")
	if p.AvailablePoints != 500 || p.ReservedPoints != 120 {
		t.Errorf("after partial consume: available=%d reserved=%d, want 500/120", p.AvailablePoints, p.ReservedPoints)
	}

	// ConsumeHold releases the unspent remainder.
	if err := l.ConsumeHold(holdID); err != nil {
		t.Fatalf("ConsumeHold: %v", err)
	}
	checkInvariants(t, l)

	p, _ = l.Get("alice")
	if p.AvailablePoints != 620 || p.ReservedPoints != 0 {
		t.Errorf("after consume: available=%d reserved=%d, want 620/0", p.AvailablePoints, p.ReservedPoints)
	}

	h, _ := l.Hold(holdID)
	if h.State != types.HoldConsumed {
		t.Errorf("hold state = %s, want consumed", h.State)
	}
}

func TestHoldTerminatesExactlyOnce(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	holdID, _ := l.Reserve("alice", 100, types.HoldTransfer, "tx-1")
	if err := l.ReleaseHold(holdID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.ReleaseHold(holdID); !errors.Is(err, types.ErrConflict) {
		t.Errorf("second release: err = %v, want ErrConflict", err)
	}
	if err := l.ConsumeHold(holdID); !errors.Is(err, types.ErrConflict) {
		t.Errorf("consume after release: err = %v, want ErrConflict", err)
	}
	checkInvariants(t, l)
}

func TestShareReservation(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if err := l.ReserveShares("bob", 20); err != nil {
		t.Fatalf("ReserveShares: %v", err)
	}
	p, _ := l.Get("bob")
	if p.Shares != 30 || p.ReservedShares != 20 {
		t.Errorf("after reserve: shares=%d reserved=%d, want 30/20", p.Shares, p.ReservedShares)
	}

	// 12 delivered to a buyer, 8 released on cancel.
	if err := l.ConsumeReservedShares("bob", 12); err != nil {
		t.Fatalf("ConsumeReservedShares: %v", err)
	}
	if err := l.ReleaseReservedShares("bob", 8); err != nil {
		t.Fatalf("ReleaseReservedShares: %v", err)
	}
	p, _ = l.Get("bob")
	if p.Shares != 38 || p.ReservedShares != 0 {
		t.Errorf("after settle: shares=%d reserved=%d, want 38/0", p.Shares, p.ReservedShares)
	}
}

func TestReserveSharesInsufficient(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if err := l.ReserveShares("bob", 51); !errors.Is(err, types.ErrInsufficientShares) {
		t.Errorf("err = %v, want ErrInsufficientShares", err)
	}
}

func TestConservationAcrossHoldLifecycle(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	before := l.TotalLiquidPoints()

	holdID, _ := l.Reserve("alice", 400, types.HoldLimitBuy, "order-1")
	if got := l.TotalLiquidPoints(); got != before {
		t.Errorf("reserve changed total liquid points: %d -> %d", before, got)
	}

	// Consuming 250 pays a counterparty: debit from the hold, credit bob.
	if err := l.PartialConsume(holdID, 250); err != nil {
		t.Fatalf("PartialConsume: %v", err)
	}
	if err := l.CreditPoints("bob", 250); err != nil {
		t.Fatalf("CreditPoints: %v", err)
	}
	if err := l.ConsumeHold(holdID); err != nil {
		t.Fatalf("ConsumeHold: %v", err)
	}

	if got := l.TotalLiquidPoints(); got != before {
		t.Errorf("settled trade changed total liquid points: %d -> %d", before, got)
	}
	checkInvariants(t, l)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	l.AppendHistory("alice", -100, "transfer out", "tx-1")
	l.AppendHistory("bob", 100, "transfer in", "tx-1")
	l.AppendHistory("alice", 50, "trade proceeds", "trade-7")

	entries := l.History("alice", 0)
	if len(entries) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Reason != "trade proceeds" {
		t.Errorf("first entry = %q, want newest", entries[0].Reason)
	}

	limited := l.History("alice", 1)
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestGetUnknownParticipant(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	if _, err := l.Get("nobody"); !errors.Is(err, types.ErrParticipantNotFound) {
		t.Errorf("err = %v, want ErrParticipantNotFound", err)
	}
}
