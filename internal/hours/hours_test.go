package hours

import (
	"testing"
	"time"

	"campex/internal/params"
	"campex/pkg/types"
)

func newGateAt(t *testing.T, windows []types.TradingWindow, now time.Time) *Gate {
	t.Helper()
	snap := params.Default(now)
	snap.Windows = windows
	store, err := params.New(snap)
	if err != nil {
		t.Fatalf("params.New: %v", err)
	}
	return NewGate(store, func() time.Time { return now })
}

func TestIsOpen(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	windows := []types.TradingWindow{
		{Start: base.Add(-time.Hour), End: base.Add(time.Hour)},
	}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"inside window", base, true},
		{"exactly at start", base.Add(-time.Hour), true},
		{"exactly at end", base.Add(time.Hour), false},
		{"before window", base.Add(-2 * time.Hour), false},
		{"after window", base.Add(2 * time.Hour), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newGateAt(t, windows, tt.now)
			if got := g.IsOpen(); got != tt.want {
				t.Errorf("IsOpen() at %s = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsOpenMultipleWindows(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	windows := []types.TradingWindow{
		{Start: base.Add(9 * time.Hour), End: base.Add(12 * time.Hour)},
		{Start: base.Add(14 * time.Hour), End: base.Add(17 * time.Hour)},
	}

	g := newGateAt(t, windows, base.Add(15*time.Hour))
	if !g.IsOpen() {
		t.Error("second window should open the market")
	}

	g = newGateAt(t, windows, base.Add(13*time.Hour))
	if g.IsOpen() {
		t.Error("gap between windows should be closed")
	}
}

func TestNoWindowsMeansClosed(t *testing.T) {
	t.Parallel()

	g := newGateAt(t, nil, time.Now().UTC())
	if g.IsOpen() {
		t.Error("market with no windows should be closed")
	}
}
