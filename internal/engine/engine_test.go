package engine

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"campex/internal/hours"
	"campex/internal/ipo"
	"campex/internal/ledger"
	"campex/internal/params"
	"campex/pkg/types"
)

var testClock = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	params *params.Store
	pool   *ipo.Pool
}

// newFixture builds an engine inside an open trading window with the admin
// participant granted every capability.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	led := ledger.New(ledger.NopRepository{}, logger)

	store, err := params.New(params.Default(testClock.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("params.New: %v", err)
	}
	// Strictly advancing so order timestamps are distinct.
	var tick int64
	now := func() time.Time {
		tick++
		return testClock.Add(time.Duration(tick) * time.Millisecond)
	}
	pool := ipo.New(store.Snapshot().IPODefaults)

	eng := New(Deps{
		Ledger: led,
		Params: store,
		Gate:   hours.NewGate(store, now),
		Pool:   pool,
		Can:    func(p, _ string) bool { return p == "admin" },
		Logger: logger,
		Now:    now,
	}, Seed{})

	return &fixture{engine: eng, ledger: led, params: store, pool: pool}
}

func (f *fixture) seed(t *testing.T, id string, points, shares int64) {
	t.Helper()
	f.ledger.Ensure(types.Participant{ID: id, Name: id, AvailablePoints: points, Shares: shares})
}

func (f *fixture) participant(t *testing.T, id string) types.Participant {
	t.Helper()
	p, err := f.ledger.Get(id)
	if err != nil {
		t.Fatalf("get participant %s: %v", id, err)
	}
	return p
}

// checkConservation verifies that points and shares only move between
// participants: the liquid total never changes across engine operations.
func (f *fixture) checkConservation(t *testing.T, wantPoints int64) {
	t.Helper()
	if got := f.ledger.TotalLiquidPoints(); got != wantPoints {
		t.Errorf("total liquid points = %d, want %d", got, wantPoints)
	}
	pool := f.pool.Status()
	issued := pool.InitialShares - pool.SharesRemaining
	if got := f.ledger.TotalShares(); got != issued {
		t.Errorf("total shares = %d, want %d issued from pool", got, issued)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario: market buy on an empty book fills from the IPO pool
// ————————————————————————————————————————————————————————————————————————

func TestMarketBuyFallsThroughToIPO(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 1000, 0)

	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Order.State != types.OrderFilled {
		t.Fatalf("order state = %s, want filled", res.Order.State)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Price != 20 || tr.Qty != 10 || tr.Source != types.SourceIPO {
		t.Errorf("trade = %d@%d source %s, want 10@20 source ipo", tr.Qty, tr.Price, tr.Source)
	}
	if tr.Seller != types.SystemAccount {
		t.Errorf("seller = %s, want system", tr.Seller)
	}

	alice := f.participant(t, "alice")
	if alice.AvailablePoints != 800 || alice.Shares != 10 {
		t.Errorf("alice = %d points %d shares, want 800/10", alice.AvailablePoints, alice.Shares)
	}
	if alice.ReservedPoints != 0 {
		t.Errorf("alice reserved = %d, want 0 after hold settles", alice.ReservedPoints)
	}
	sys := f.participant(t, types.SystemAccount)
	if sys.AvailablePoints != 200 {
		t.Errorf("system proceeds = %d, want 200", sys.AvailablePoints)
	}
	if remaining := f.pool.Status().SharesRemaining; remaining != 9990 {
		t.Errorf("pool remaining = %d, want 9990", remaining)
	}
	f.checkConservation(t, 1000)
}

func TestMarketBuyExhaustsIPO(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 1_000_000, 0)

	shares := int64(5)
	if err := f.engine.UpdateIPO("admin", &shares, nil); err != nil {
		t.Fatalf("UpdateIPO: %v", err)
	}

	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 8,
	})
	if !errors.Is(err, types.ErrIPOExhausted) {
		t.Fatalf("err = %v, want ErrIPOExhausted", err)
	}
	if res.FilledQty != 5 || res.RemainingQty != 3 {
		t.Errorf("filled/remaining = %d/%d, want 5/3", res.FilledQty, res.RemainingQty)
	}
	if res.Order.State != types.OrderRejected {
		t.Errorf("state = %s, want rejected (unfilled remainder)", res.Order.State)
	}

	// The over-reserved hold must be fully settled: partial cost consumed,
	// excess back in available.
	alice := f.participant(t, "alice")
	if alice.ReservedPoints != 0 {
		t.Errorf("reserved = %d, want 0", alice.ReservedPoints)
	}
	if alice.AvailablePoints != 1_000_000-5*20 {
		t.Errorf("available = %d, want %d", alice.AvailablePoints, 1_000_000-5*20)
	}
	if alice.Shares != 5 {
		t.Errorf("shares = %d, want 5", alice.Shares)
	}
}

func TestMarketSellNoLiquidity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "bob", 0, 50)

	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "bob", Side: types.SELL, Type: types.Market, Qty: 10,
	})
	if !errors.Is(err, types.ErrNoLiquidity) {
		t.Fatalf("err = %v, want ErrNoLiquidity", err)
	}
	if res.Order.State != types.OrderRejected {
		t.Errorf("state = %s, want rejected", res.Order.State)
	}

	bob := f.participant(t, "bob")
	if bob.Shares != 50 || bob.ReservedShares != 0 {
		t.Errorf("bob shares = %d/%d reserved, want 50/0", bob.Shares, bob.ReservedShares)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario: limit orders match with price-time priority
// ————————————————————————————————————————————————————————————————————————

func TestLimitMatchRestingPriceWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "seller", 0, 100)
	f.seed(t, "buyer", 10000, 0)

	ask, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "seller", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 19,
	})
	if err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if ask.Order.State != types.OrderPending {
		t.Fatalf("ask state = %s, want pending", ask.Order.State)
	}

	bid, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "buyer", Side: types.BUY, Type: types.Limit, Qty: 10, LimitPrice: 21,
	})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if bid.Order.State != types.OrderFilled {
		t.Fatalf("bid state = %s, want filled", bid.Order.State)
	}
	if len(bid.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(bid.Trades))
	}
	// The earlier (resting) ask sets the price.
	if bid.Trades[0].Price != 19 {
		t.Errorf("trade price = %d, want resting ask price 19", bid.Trades[0].Price)
	}

	buyer := f.participant(t, "buyer")
	if buyer.AvailablePoints != 10000-190 {
		t.Errorf("buyer available = %d, want %d (excess over limit released)", buyer.AvailablePoints, 10000-190)
	}
	if buyer.ReservedPoints != 0 || buyer.Shares != 10 {
		t.Errorf("buyer reserved/shares = %d/%d, want 0/10", buyer.ReservedPoints, buyer.Shares)
	}
	seller := f.participant(t, "seller")
	if seller.AvailablePoints != 190 || seller.Shares != 90 || seller.ReservedShares != 0 {
		t.Errorf("seller = %d pts %d shares %d reserved, want 190/90/0",
			seller.AvailablePoints, seller.Shares, seller.ReservedShares)
	}
	f.checkConservation(t, 10190)
}

func TestLimitFIFOWithinPriceLevel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "s1", 0, 10)
	f.seed(t, "s2", 0, 10)
	f.seed(t, "buyer", 10000, 0)

	first, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "s1", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 20,
	})
	if err != nil {
		t.Fatalf("place first ask: %v", err)
	}
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "s2", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 20,
	}); err != nil {
		t.Fatalf("place second ask: %v", err)
	}

	bid, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "buyer", Side: types.BUY, Type: types.Limit, Qty: 10, LimitPrice: 20,
	})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if len(bid.Trades) != 1 || bid.Trades[0].SellOrderID != first.Order.ID {
		t.Fatalf("bid matched %v, want the first-submitted ask %s", bid.Trades, first.Order.ID)
	}

	s1 := f.participant(t, "s1")
	s2 := f.participant(t, "s2")
	if s1.Shares != 0 || s2.Shares != 10 {
		t.Errorf("shares s1=%d s2=%d, want 0/10 (time priority)", s1.Shares, s2.Shares)
	}
}

func TestPartialFillLeavesRemainderResting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "seller", 0, 100)
	f.seed(t, "buyer", 10000, 0)

	ask, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "seller", Side: types.SELL, Type: types.Limit, Qty: 30, LimitPrice: 20,
	})
	if err != nil {
		t.Fatalf("place ask: %v", err)
	}

	bid, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "buyer", Side: types.BUY, Type: types.Limit, Qty: 10, LimitPrice: 20,
	})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if bid.Order.State != types.OrderFilled {
		t.Fatalf("bid state = %s, want filled", bid.Order.State)
	}

	got, err := f.engine.Order(ask.Order.ID)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got.State != types.OrderPartial || got.RemainingQty != 20 {
		t.Errorf("ask = %s remaining %d, want partial/20", got.State, got.RemainingQty)
	}

	q := f.engine.Quote()
	if len(q.Asks) != 1 || q.Asks[0].Price != 20 || q.Asks[0].Qty != 20 {
		t.Errorf("quote asks = %+v, want one level 20x20", q.Asks)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario: out-of-band limit orders wait in quarantine until the band moves
// ————————————————————————————————————————————————————————————————————————

func TestOutOfBandLimitQuarantinedThenPromoted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "buyer", 10000, 0)
	f.seed(t, "seller", 0, 100)

	// Default band around the IPO price 20 at 10% is [18, 22]; 25 is out.
	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "buyer", Side: types.BUY, Type: types.Limit, Qty: 10, LimitPrice: 25,
	})
	if err != nil {
		t.Fatalf("place out-of-band bid: %v", err)
	}
	if res.Order.State != types.OrderPendingLimit {
		t.Fatalf("state = %s, want pending_limit", res.Order.State)
	}
	buyer := f.participant(t, "buyer")
	if buyer.ReservedPoints != 250 {
		t.Errorf("reserved = %d, want full 250 while quarantined", buyer.ReservedPoints)
	}

	// Widening the band to 30% ([14, 26]) promotes the order; a matching ask
	// placed afterwards trades against it.
	if err := f.engine.SetFlatLimit("admin", 3000); err != nil {
		t.Fatalf("SetFlatLimit: %v", err)
	}
	f.engine.Sweep()

	promoted, err := f.engine.Order(res.Order.ID)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if promoted.State != types.OrderPending {
		t.Fatalf("state after widen = %s, want pending", promoted.State)
	}

	ask, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "seller", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 24,
	})
	if err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if len(ask.Trades) != 1 || ask.Trades[0].Price != 25 {
		t.Fatalf("trades = %+v, want one at the resting bid price 25", ask.Trades)
	}
}

func TestTighteningBandDemotesRestingOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "seller", 0, 100)

	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "seller", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 22,
	})
	if err != nil {
		t.Fatalf("place ask: %v", err)
	}

	// 1% band around 20 is [19, 21]; the resting 22 ask moves to quarantine,
	// keeping its share reserve.
	if err := f.engine.SetFlatLimit("admin", 100); err != nil {
		t.Fatalf("SetFlatLimit: %v", err)
	}
	f.engine.Sweep()

	got, err := f.engine.Order(res.Order.ID)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got.State != types.OrderPendingLimit {
		t.Errorf("state after tighten = %s, want pending_limit", got.State)
	}
	if p := f.participant(t, "seller"); p.ReservedShares != 10 {
		t.Errorf("reserved shares = %d, want 10 kept through demotion", p.ReservedShares)
	}

	// Widening again promotes it back.
	if err := f.engine.SetFlatLimit("admin", 1000); err != nil {
		t.Fatalf("SetFlatLimit: %v", err)
	}
	f.engine.Sweep()

	got, err = f.engine.Order(res.Order.ID)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got.State != types.OrderPending {
		t.Errorf("state after widen = %s, want pending again", got.State)
	}
}

func TestMarketBuyNeverFillsOutsideBand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "s1", 0, 100)
	f.seed(t, "s2", 0, 5)
	f.seed(t, "buyer", 10000, 0)
	f.seed(t, "alice", 1000, 0)

	// Both asks admitted under the initial band [18, 22].
	stale, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "s1", Side: types.SELL, Type: types.Limit, Qty: 5, LimitPrice: 22,
	})
	if err != nil {
		t.Fatalf("place stale ask: %v", err)
	}
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "s2", Side: types.SELL, Type: types.Limit, Qty: 5, LimitPrice: 18,
	}); err != nil {
		t.Fatalf("place low ask: %v", err)
	}

	// A trade at 18 moves the band to [16, 20]; the 22 ask is now stale.
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "buyer", Side: types.BUY, Type: types.Limit, Qty: 5, LimitPrice: 18,
	}); err != nil {
		t.Fatalf("place bid: %v", err)
	}

	// The market buy must skip the stale ask and fill from the IPO pool.
	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 5,
	})
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if tr := res.Trades[0]; tr.Source != types.SourceIPO || tr.Price != 20 {
		t.Errorf("trade = %d@%d source %s, want 5@20 from ipo", tr.Qty, tr.Price, tr.Source)
	}

	got, err := f.engine.Order(stale.Order.ID)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got.RemainingQty != 5 {
		t.Errorf("stale ask remaining = %d, want untouched 5", got.RemainingQty)
	}
}

func TestMarketBuyHoldCoversEveryFill(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "s1", 0, 5)
	f.seed(t, "s2", 0, 5)
	f.seed(t, "alice", 1000, 0)

	// Admit an ask at 30 under a wide band, then tighten to [18, 22].
	if err := f.engine.SetFlatLimit("admin", 5000); err != nil {
		t.Fatalf("SetFlatLimit: %v", err)
	}
	high, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "s1", Side: types.SELL, Type: types.Limit, Qty: 5, LimitPrice: 30,
	})
	if err != nil {
		t.Fatalf("place high ask: %v", err)
	}
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "s2", Side: types.SELL, Type: types.Limit, Qty: 5, LimitPrice: 19,
	}); err != nil {
		t.Fatalf("place low ask: %v", err)
	}
	if err := f.engine.SetFlatLimit("admin", 1000); err != nil {
		t.Fatalf("SetFlatLimit: %v", err)
	}
	f.engine.Sweep()

	// 5 from the book at 19, 5 from the IPO at 20; the 30 ask never fills
	// and the hold (band high 22 x 10) covers everything.
	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 10,
	})
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if res.Order.State != types.OrderFilled || res.FilledQty != 10 {
		t.Fatalf("result = %s filled %d, want filled/10", res.Order.State, res.FilledQty)
	}
	if len(res.Trades) != 2 || res.Trades[0].Price != 19 || res.Trades[1].Price != 20 {
		t.Fatalf("trades = %+v, want 5@19 book then 5@20 ipo", res.Trades)
	}

	alice := f.participant(t, "alice")
	if alice.AvailablePoints != 1000-95-100 || alice.ReservedPoints != 0 || alice.Shares != 10 {
		t.Errorf("alice = %d/%d pts %d shares, want 805/0/10",
			alice.AvailablePoints, alice.ReservedPoints, alice.Shares)
	}

	got, err := f.engine.Order(high.Order.ID)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if got.State != types.OrderPendingLimit || got.RemainingQty != 5 {
		t.Errorf("high ask = %s remaining %d, want pending_limit/5", got.State, got.RemainingQty)
	}
}

func TestMarketSellReportsOutOfBandBids(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "buyer", 10000, 0)
	f.seed(t, "bob", 0, 50)

	// The only bid sits above the band in quarantine.
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "buyer", Side: types.BUY, Type: types.Limit, Qty: 5, LimitPrice: 25,
	}); err != nil {
		t.Fatalf("place bid: %v", err)
	}

	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "bob", Side: types.SELL, Type: types.Market, Qty: 5,
	})
	if !errors.Is(err, types.ErrPriceOutOfBand) {
		t.Fatalf("err = %v, want ErrPriceOutOfBand", err)
	}
	if res.Order.State != types.OrderRejected {
		t.Errorf("state = %s, want rejected", res.Order.State)
	}
	bob := f.participant(t, "bob")
	if bob.Shares != 50 || bob.ReservedShares != 0 {
		t.Errorf("bob shares = %d/%d reserved, want 50/0", bob.Shares, bob.ReservedShares)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario: market-hours gate
// ————————————————————————————————————————————————————————————————————————

func TestClosedMarketRejectsOrdersButNotAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 1000, 10)

	if err := f.engine.SetWindows("admin", nil); err != nil {
		t.Fatalf("SetWindows: %v", err)
	}

	_, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 1,
	})
	if !errors.Is(err, types.ErrMarketClosed) {
		t.Errorf("place err = %v, want ErrMarketClosed", err)
	}

	// Settlement and grants bypass the gate.
	if _, err := f.engine.GivePoints("admin", GiveUser, "alice", 50); err != nil {
		t.Errorf("GivePoints while closed: %v", err)
	}
	if _, err := f.engine.ForceSettlement("admin", nil); err != nil {
		t.Errorf("ForceSettlement while closed: %v", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario: cancellation
// ————————————————————————————————————————————————————————————————————————

func TestCancelReleasesReservation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 1000, 0)

	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Limit, Qty: 10, LimitPrice: 20,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if p := f.participant(t, "alice"); p.ReservedPoints != 200 {
		t.Fatalf("reserved = %d, want 200", p.ReservedPoints)
	}

	if _, err := f.engine.Cancel(res.Order.ID, "mallory"); !errors.Is(err, types.ErrNotOrderOwner) {
		t.Errorf("foreign cancel err = %v, want ErrNotOrderOwner", err)
	}

	state, err := f.engine.Cancel(res.Order.ID, "alice")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if state != types.OrderCancelled {
		t.Errorf("state = %s, want cancelled", state)
	}
	p := f.participant(t, "alice")
	if p.AvailablePoints != 1000 || p.ReservedPoints != 0 {
		t.Errorf("after cancel = %d/%d, want 1000/0", p.AvailablePoints, p.ReservedPoints)
	}

	if _, err := f.engine.Cancel(res.Order.ID, "alice"); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Errorf("second cancel err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestAdminCancelBypassesOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "bob", 0, 10)

	res, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "bob", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 20,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := f.engine.Cancel(res.Order.ID, "admin"); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	p := f.participant(t, "bob")
	if p.Shares != 10 || p.ReservedShares != 0 {
		t.Errorf("bob shares = %d/%d reserved, want 10/0", p.Shares, p.ReservedShares)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario: force settlement
// ————————————————————————————————————————————————————————————————————————

func TestForceSettlementLiquidatesEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 1000, 0)
	f.seed(t, "bob", 500, 0)

	// Alice buys 10 from the IPO at 20, then rests a sell.
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 10,
	}); err != nil {
		t.Fatalf("ipo buy: %v", err)
	}
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.SELL, Type: types.Limit, Qty: 4, LimitPrice: 22,
	}); err != nil {
		t.Fatalf("rest sell: %v", err)
	}

	if _, err := f.engine.ForceSettlement("bob", nil); !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("non-admin settle err = %v, want ErrPermissionDenied", err)
	}

	price := int64(25)
	report, err := f.engine.ForceSettlement("admin", &price)
	if err != nil {
		t.Fatalf("ForceSettlement: %v", err)
	}
	if report.OrdersCancelled != 1 {
		t.Errorf("orders cancelled = %d, want 1", report.OrdersCancelled)
	}
	if report.SharesLiquidated != 10 || report.PointsPaid != 250 {
		t.Errorf("liquidated %d shares for %d, want 10 for 250", report.SharesLiquidated, report.PointsPaid)
	}

	alice := f.participant(t, "alice")
	if alice.Shares != 0 || alice.ReservedShares != 0 {
		t.Errorf("alice shares = %d/%d, want 0/0", alice.Shares, alice.ReservedShares)
	}
	// 1000 - 200 (ipo) + 250 (payout) = 1050.
	if alice.AvailablePoints != 1050 {
		t.Errorf("alice points = %d, want 1050", alice.AvailablePoints)
	}
	if got := f.ledger.TotalShares(); got != 0 {
		t.Errorf("total shares after settlement = %d, want 0", got)
	}
}

func TestForceSettlementDefaultsToLastTradePrice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 1000, 0)

	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 5,
	}); err != nil {
		t.Fatalf("ipo buy: %v", err)
	}

	report, err := f.engine.ForceSettlement("admin", nil)
	if err != nil {
		t.Fatalf("ForceSettlement: %v", err)
	}
	if report.Price != 20 {
		t.Errorf("settlement price = %d, want last trade 20", report.Price)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Scenario: admin grants and views
// ————————————————————————————————————————————————————————————————————————

func TestGivePointsTargets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ledger.Ensure(types.Participant{ID: "a1", Team: "red"})
	f.ledger.Ensure(types.Participant{ID: "a2", Team: "red"})
	f.ledger.Ensure(types.Participant{ID: "b1", Team: "blue"})
	f.ledger.Ensure(types.Participant{ID: "solo"})

	n, err := f.engine.GivePoints("admin", GiveGroup, "red", 100)
	if err != nil || n != 2 {
		t.Fatalf("group grant = %d, %v, want 2 recipients", n, err)
	}
	if p := f.participant(t, "a1"); p.AvailablePoints != 100 {
		t.Errorf("a1 points = %d, want 100", p.AvailablePoints)
	}
	if p := f.participant(t, "b1"); p.AvailablePoints != 0 {
		t.Errorf("b1 points = %d, want 0", p.AvailablePoints)
	}

	n, err = f.engine.GivePoints("admin", GiveAllUsers, "", 10)
	if err != nil || n != 4 {
		t.Fatalf("all-users grant = %d, %v, want 4 recipients", n, err)
	}
	n, err = f.engine.GivePoints("admin", GiveAllGroups, "", 10)
	if err != nil || n != 3 {
		t.Fatalf("all-groups grant = %d, %v, want 3 recipients (solo excluded)", n, err)
	}

	if _, err := f.engine.GivePoints("admin", GiveUser, "ghost", 10); !errors.Is(err, types.ErrParticipantNotFound) {
		t.Errorf("ghost grant err = %v, want ErrParticipantNotFound", err)
	}
	if _, err := f.engine.GivePoints("a1", GiveUser, "a1", 10); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("self grant err = %v, want ErrPermissionDenied", err)
	}
}

func TestPriceSummaryAndQuote(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 10000, 0)
	f.seed(t, "bob", 0, 100)

	// Before any trade the summary falls back to the IPO price.
	s := f.engine.PriceSummary()
	if s.Last != 20 || s.BandLow != 18 || s.BandHigh != 22 {
		t.Fatalf("initial summary = last %d band [%d,%d], want 20 [18,22]", s.Last, s.BandLow, s.BandHigh)
	}

	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "bob", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 21,
	}); err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Limit, Qty: 4, LimitPrice: 21,
	}); err != nil {
		t.Fatalf("place bid: %v", err)
	}

	s = f.engine.PriceSummary()
	if s.Last != 21 || s.Volume != 4 || s.TradeCount != 1 {
		t.Errorf("summary = last %d vol %d trades %d, want 21/4/1", s.Last, s.Volume, s.TradeCount)
	}

	q := f.engine.Quote()
	if len(q.Asks) != 1 || q.Asks[0].Qty != 6 {
		t.Errorf("asks = %+v, want remaining 6 at 21", q.Asks)
	}

	trades := f.engine.RecentTrades(10)
	if len(trades) != 1 || trades[0].Price != 21 {
		t.Errorf("recent trades = %+v, want one at 21", trades)
	}
}

func TestOpenOrdersRequiresCapability(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "bob", 0, 10)

	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "bob", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 20,
	}); err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := f.engine.OpenOrders("bob", 0); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	orders, err := f.engine.OpenOrders("admin", 0)
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("open orders = %d, want 1", len(orders))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Intake validation and settlement aborts
// ————————————————————————————————————————————————————————————————————————

func TestPlaceOrderRejectsOversizedValues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 1000, 0)

	reqs := []PlaceRequest{
		{Participant: "alice", Side: types.BUY, Type: types.Market, Qty: maxOrderQty + 1},
		{Participant: "alice", Side: types.BUY, Type: types.Limit, Qty: 1, LimitPrice: maxLimitPrice + 1},
	}
	for _, req := range reqs {
		if _, err := f.engine.PlaceOrder(req); !errors.Is(err, types.ErrInvalidConfig) {
			t.Errorf("PlaceOrder(%+v) err = %v, want ErrInvalidConfig", req, err)
		}
	}
	if p := f.participant(t, "alice"); p.ReservedPoints != 0 {
		t.Errorf("reserved = %d, want 0 after rejected intake", p.ReservedPoints)
	}
}

func TestAbortedFillLeavesReservationsIntact(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "buyer", 1000, 0)
	f.seed(t, "ghost", 0, 0)

	holdID, err := f.ledger.Reserve("buyer", 200, types.HoldLimitBuy, "o-buy")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	buy := &types.Order{
		ID: "o-buy", Participant: "buyer", Side: types.BUY, Type: types.Limit,
		OriginalQty: 10, RemainingQty: 10, LimitPrice: 20, HoldID: holdID,
		State: types.OrderPending, CreatedAt: testClock,
	}
	sell := &types.Order{
		ID: "o-sell", Participant: "ghost", Side: types.SELL, Type: types.Limit,
		OriginalQty: 10, RemainingQty: 10, LimitPrice: 20,
		State: types.OrderPending, CreatedAt: testClock,
	}

	// The seller has no share reserve: the fill aborts before the buyer's
	// hold is touched.
	if _, err := f.engine.settleLocked(buy, sell, 20, 10, types.SourceBook); !errors.Is(err, types.ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}
	h, err := f.ledger.Hold(holdID)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if h.State != types.HoldActive || h.Amount != 200 {
		t.Errorf("hold = %s amount %d, want active/200", h.State, h.Amount)
	}
	buyer := f.participant(t, "buyer")
	if buyer.AvailablePoints != 800 || buyer.ReservedPoints != 200 {
		t.Errorf("buyer = %d/%d, want 800 available 200 reserved", buyer.AvailablePoints, buyer.ReservedPoints)
	}
	if buy.RemainingQty != 10 || sell.RemainingQty != 10 {
		t.Errorf("orders mutated by aborted fill: %d/%d remaining, want 10/10", buy.RemainingQty, sell.RemainingQty)
	}
	if trades := f.engine.RecentTrades(0); len(trades) != 0 {
		t.Errorf("trades = %d, want none", len(trades))
	}

	// A hold too small for the fill: the seller's consumed reserve must be
	// restored on abort.
	f.seed(t, "owner", 0, 10)
	if err := f.ledger.ReserveShares("owner", 10); err != nil {
		t.Fatalf("ReserveShares: %v", err)
	}
	shortID, err := f.ledger.Reserve("buyer", 50, types.HoldLimitBuy, "o-short")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	short := &types.Order{
		ID: "o-short", Participant: "buyer", Side: types.BUY, Type: types.Limit,
		OriginalQty: 10, RemainingQty: 10, LimitPrice: 20, HoldID: shortID,
		State: types.OrderPending, CreatedAt: testClock,
	}
	backed := &types.Order{
		ID: "o-backed", Participant: "owner", Side: types.SELL, Type: types.Limit,
		OriginalQty: 10, RemainingQty: 10, LimitPrice: 20,
		State: types.OrderPending, CreatedAt: testClock,
	}
	if _, err := f.engine.settleLocked(short, backed, 20, 10, types.SourceBook); !errors.Is(err, types.ErrInternal) {
		t.Fatalf("err = %v, want ErrInternal", err)
	}
	owner := f.participant(t, "owner")
	if owner.ReservedShares != 10 || owner.Shares != 0 {
		t.Errorf("owner shares = %d/%d reserved, want 0/10 restored", owner.Shares, owner.ReservedShares)
	}
	if h, err := f.ledger.Hold(shortID); err != nil || h.Amount != 50 || h.State != types.HoldActive {
		t.Errorf("short hold = %+v (%v), want active/50", h, err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Restart: seed restores open orders and price state
// ————————————————————————————————————————————————————————————————————————

func TestSeedRestore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, "alice", 10000, 0)
	f.seed(t, "bob", 0, 100)

	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "bob", Side: types.SELL, Type: types.Limit, Qty: 10, LimitPrice: 21,
	}); err != nil {
		t.Fatalf("place ask: %v", err)
	}
	if _, err := f.engine.PlaceOrder(PlaceRequest{
		Participant: "alice", Side: types.BUY, Type: types.Market, Qty: 4,
	}); err != nil {
		t.Fatalf("market buy: %v", err)
	}

	var open []types.Order
	orders, err := f.engine.OpenOrders("admin", 0)
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	open = append(open, orders...)

	logger := slog.New(slog.DiscardHandler)
	store, err := params.New(params.Default(testClock.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("params.New: %v", err)
	}
	now := func() time.Time { return testClock }
	restarted := New(Deps{
		Ledger: f.ledger,
		Params: store,
		Gate:   hours.NewGate(store, now),
		Pool:   ipo.New(f.pool.Status()),
		Can:    func(p, _ string) bool { return p == "admin" },
		Logger: logger,
		Now:    now,
	}, Seed{
		OpenOrders:     open,
		RecentTrades:   f.engine.RecentTrades(0),
		LastTradePrice: 21,
		NextTradeID:    100,
	})

	s := restarted.PriceSummary()
	if s.Last != 21 {
		t.Errorf("restored last = %d, want 21", s.Last)
	}
	q := restarted.Quote()
	if len(q.Asks) != 1 || q.Asks[0].Qty != 6 {
		t.Errorf("restored asks = %+v, want 6 remaining at 21", q.Asks)
	}
}
