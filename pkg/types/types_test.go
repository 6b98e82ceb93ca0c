package types

import (
	"testing"
	"time"
)

func TestOrderStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state OrderState
		want  bool
	}{
		{OrderPending, false},
		{OrderPartial, false},
		{OrderPendingLimit, false},
		{OrderFilled, true},
		{OrderCancelled, true},
		{OrderRejected, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("OrderState(%q).Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestTradingWindowContains(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	w := TradingWindow{Start: start, End: end}

	if !w.Contains(start) {
		t.Error("window should contain its start instant (half-open)")
	}
	if w.Contains(end) {
		t.Error("window should not contain its end instant (half-open)")
	}
	if !w.Contains(start.Add(4 * time.Hour)) {
		t.Error("window should contain an interior instant")
	}
	if w.Contains(start.Add(-time.Second)) {
		t.Error("window should not contain an instant before start")
	}
}

func TestOrderFilledQty(t *testing.T) {
	t.Parallel()

	o := &Order{OriginalQty: 10, RemainingQty: 3}
	if got := o.FilledQty(); got != 7 {
		t.Errorf("FilledQty() = %d, want 7", got)
	}
}
