// Package pricing computes the allowed price band around a reference price.
//
// The reference price is the last trade price once any trade has occurred,
// otherwise the IPO unit price. A flat policy applies one percentage; a
// tiered policy picks the tier containing the reference price and falls back
// to the policy default when none matches.
//
// Band endpoints are rounded outward (floor the low, ceil the high) so that
// integer prices keep inclusive endpoints: a price x is in band iff
// lo <= x <= hi. The low endpoint never drops below 1.
package pricing

import (
	"github.com/shopspring/decimal"

	"campex/internal/params"
)

// Band is the inclusive [Low, High] interval trades and active limit orders
// must lie in.
type Band struct {
	Low  int64
	High int64
}

// Contains reports whether price lies inside the band.
func (b Band) Contains(price int64) bool {
	return price >= b.Low && price <= b.High
}

// Compute derives the band for a reference price under the given policy.
func Compute(refPrice int64, pl params.PriceLimit) Band {
	pct := percentFor(refPrice, pl)

	ref := decimal.NewFromInt(refPrice)
	frac := decimal.NewFromInt(pct).Div(decimal.NewFromInt(10000))

	low := ref.Mul(decimal.NewFromInt(1).Sub(frac)).Floor().IntPart()
	high := ref.Mul(decimal.NewFromInt(1).Add(frac)).Ceil().IntPart()

	if low < 1 {
		low = 1
	}
	return Band{Low: low, High: high}
}

// percentFor resolves the applicable limit percentage in basis points.
func percentFor(refPrice int64, pl params.PriceLimit) int64 {
	if pl.Mode != params.LimitTiered {
		return pl.DefaultBps
	}
	for _, tier := range pl.Tiers {
		if refPrice < tier.MinPrice {
			continue
		}
		if tier.MaxPrice == 0 || refPrice < tier.MaxPrice {
			return tier.PercentBps
		}
	}
	// No tier matched: flat fallback with the policy default.
	return pl.DefaultBps
}
