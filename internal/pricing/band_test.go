package pricing

import (
	"testing"

	"campex/internal/params"
)

func TestComputeFlat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ref      int64
		bps      int64
		wantLow  int64
		wantHigh int64
	}{
		{"10% around 20", 20, 1000, 18, 22},
		{"30% around 20", 20, 3000, 14, 26},
		{"10% around 25 rounds outward", 25, 1000, 22, 28}, // 22.5 → 22, 27.5 → 28
		{"1% around 3 rounds outward", 3, 100, 2, 4},       // 2.97 → 2, 3.03 → 4
		{"band low clamps at 1", 1, 9000, 1, 2},
		{"100% around 50", 50, 10000, 1, 100}, // low 0 clamps to 1
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pl := params.PriceLimit{Mode: params.LimitFlat, DefaultBps: tt.bps}
			b := Compute(tt.ref, pl)
			if b.Low != tt.wantLow || b.High != tt.wantHigh {
				t.Errorf("Compute(%d, %d bps) = [%d,%d], want [%d,%d]",
					tt.ref, tt.bps, b.Low, b.High, tt.wantLow, tt.wantHigh)
			}
		})
	}
}

func TestComputeTiered(t *testing.T) {
	t.Parallel()

	pl := params.PriceLimit{
		Mode:       params.LimitTiered,
		DefaultBps: 1000,
		Tiers: []params.Tier{
			{MinPrice: 0, MaxPrice: 50, PercentBps: 2000},  // cheap shares move 20%
			{MinPrice: 50, MaxPrice: 0, PercentBps: 500},   // expensive shares move 5%
		},
	}

	b := Compute(20, pl)
	if b.Low != 16 || b.High != 24 {
		t.Errorf("tier 1 band = [%d,%d], want [16,24]", b.Low, b.High)
	}

	b = Compute(100, pl)
	if b.Low != 95 || b.High != 105 {
		t.Errorf("tier 2 band = [%d,%d], want [95,105]", b.Low, b.High)
	}

	// Boundary: 50 belongs to the second tier (half-open ranges).
	b = Compute(50, pl)
	if b.Low != 47 || b.High != 53 {
		t.Errorf("boundary band = [%d,%d], want [47,53] (5%%)", b.Low, b.High)
	}
}

func TestComputeTieredFallback(t *testing.T) {
	t.Parallel()

	// Gap between tiers: reference price falls through to the default.
	pl := params.PriceLimit{
		Mode:       params.LimitTiered,
		DefaultBps: 1000,
		Tiers: []params.Tier{
			{MinPrice: 100, MaxPrice: 200, PercentBps: 500},
		},
	}

	b := Compute(20, pl)
	if b.Low != 18 || b.High != 22 {
		t.Errorf("fallback band = [%d,%d], want [18,22] (10%%)", b.Low, b.High)
	}
}

func TestContainsInclusive(t *testing.T) {
	t.Parallel()

	b := Band{Low: 18, High: 22}
	for _, p := range []int64{18, 20, 22} {
		if !b.Contains(p) {
			t.Errorf("Contains(%d) = false, want true", p)
		}
	}
	for _, p := range []int64{17, 23} {
		if b.Contains(p) {
			t.Errorf("Contains(%d) = true, want false", p)
		}
	}
}
