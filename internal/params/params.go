// Package params holds the mutable runtime parameters of the exchange:
// transfer fee, price-limit policy, IPO defaults, and trading windows.
//
// Readers always observe a consistent immutable Snapshot via an atomic
// pointer, so the hot path (placement, matching) never takes a lock here.
// Each admin update validates, builds a fresh snapshot, publishes it
// atomically, and pokes a notification channel so the engine can re-evaluate
// quarantined orders against the new price band.
package params

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"campex/pkg/types"
)

// LimitMode selects between a single flat percentage and a tiered schedule.
// The two never coexist: setting one replaces the other.
type LimitMode string

const (
	LimitFlat   LimitMode = "flat"
	LimitTiered LimitMode = "tiered"
)

// Tier maps a reference-price range to a limit percentage.
// MaxPrice == 0 means unbounded (the last tier).
type Tier struct {
	MinPrice   int64 `json:"min_price"`
	MaxPrice   int64 `json:"max_price"` // 0 = +inf
	PercentBps int64 `json:"percent_bps"`
}

// PriceLimit is the active price-limit policy.
// DefaultBps is the fallback percentage when no tier matches the
// reference price (and the whole policy when Mode == LimitFlat).
type PriceLimit struct {
	Mode       LimitMode `json:"mode"`
	DefaultBps int64     `json:"default_bps"`
	Tiers      []Tier    `json:"tiers,omitempty"`
}

// Snapshot is one immutable view of all runtime parameters.
type Snapshot struct {
	TransferFeeRateBps int64                 `json:"transfer_fee_rate_bps"`
	TransferMinFee     int64                 `json:"transfer_min_fee"`
	PriceLimit         PriceLimit            `json:"price_limit"`
	IPODefaults        types.IPOState        `json:"ipo_defaults"`
	Windows            []types.TradingWindow `json:"windows"`
}

// Store publishes Snapshots atomically. Writers serialize on mu so two
// concurrent admin updates cannot interleave their read-modify-write.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	changed chan struct{} // closed-loop notification, capacity 1
}

// New creates a store seeded with the given snapshot.
func New(initial Snapshot) (*Store, error) {
	if err := validate(initial); err != nil {
		return nil, err
	}
	s := &Store{changed: make(chan struct{}, 1)}
	snap := initial
	s.current.Store(&snap)
	return s, nil
}

// Snapshot returns the current immutable snapshot. Lock-free.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Changed returns a channel that receives after every published update.
// The engine listens on it to re-run quarantine evaluation.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

// SetTransferFee updates the transfer fee rate (basis points) and minimum fee.
func (s *Store) SetTransferFee(rateBps, minFee int64) error {
	return s.update(func(snap *Snapshot) {
		snap.TransferFeeRateBps = rateBps
		snap.TransferMinFee = minFee
	})
}

// SetIPODefaults updates the values Reset() restores the IPO pool to.
func (s *Store) SetIPODefaults(shares, unitPrice int64) error {
	return s.update(func(snap *Snapshot) {
		snap.IPODefaults = types.IPOState{
			SharesRemaining: shares,
			UnitPrice:       unitPrice,
			InitialShares:   shares,
		}
	})
}

// SetFlatLimit replaces the price-limit policy with a single flat percentage.
// Supersedes any prior tiered schedule.
func (s *Store) SetFlatLimit(percentBps int64) error {
	return s.update(func(snap *Snapshot) {
		snap.PriceLimit = PriceLimit{Mode: LimitFlat, DefaultBps: percentBps}
	})
}

// SetTiers replaces the price-limit policy with a tiered schedule.
// defaultBps applies when the reference price falls outside every tier.
func (s *Store) SetTiers(tiers []Tier, defaultBps int64) error {
	return s.update(func(snap *Snapshot) {
		cp := make([]Tier, len(tiers))
		copy(cp, tiers)
		snap.PriceLimit = PriceLimit{Mode: LimitTiered, DefaultBps: defaultBps, Tiers: cp}
	})
}

// SetWindows replaces the trading windows.
func (s *Store) SetWindows(windows []types.TradingWindow) error {
	return s.update(func(snap *Snapshot) {
		cp := make([]types.TradingWindow, len(windows))
		copy(cp, windows)
		snap.Windows = cp
	})
}

func (s *Store) update(mutate func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	mutate(&next)
	if err := validate(next); err != nil {
		return err
	}
	s.current.Store(&next)

	select {
	case s.changed <- struct{}{}:
	default:
	}
	return nil
}

func validate(snap Snapshot) error {
	if snap.TransferFeeRateBps < 0 || snap.TransferFeeRateBps > 10000 {
		return fmt.Errorf("%w: transfer fee rate %d bps outside [0,10000]", types.ErrInvalidConfig, snap.TransferFeeRateBps)
	}
	if snap.TransferMinFee < 1 {
		return fmt.Errorf("%w: transfer min fee must be >= 1, got %d", types.ErrInvalidConfig, snap.TransferMinFee)
	}
	if snap.IPODefaults.SharesRemaining < 0 {
		return fmt.Errorf("%w: ipo default shares must be >= 0", types.ErrInvalidConfig)
	}
	if snap.IPODefaults.UnitPrice < 1 {
		return fmt.Errorf("%w: ipo default unit price must be >= 1", types.ErrInvalidConfig)
	}
	if err := validateLimit(snap.PriceLimit); err != nil {
		return err
	}
	for _, w := range snap.Windows {
		if !w.Start.Before(w.End) {
			return fmt.Errorf("%w: trading window start %s not before end %s", types.ErrInvalidConfig, w.Start, w.End)
		}
	}
	return nil
}

func validateLimit(pl PriceLimit) error {
	if pl.DefaultBps <= 0 || pl.DefaultBps > 10000 {
		return fmt.Errorf("%w: limit percent %d bps outside (0,10000]", types.ErrInvalidConfig, pl.DefaultBps)
	}
	switch pl.Mode {
	case LimitFlat:
		if len(pl.Tiers) != 0 {
			return fmt.Errorf("%w: flat limit must not carry tiers", types.ErrInvalidConfig)
		}
	case LimitTiered:
		if len(pl.Tiers) == 0 {
			return fmt.Errorf("%w: tiered limit requires at least one tier", types.ErrInvalidConfig)
		}
		prevMax := int64(0)
		for i, tier := range pl.Tiers {
			if tier.PercentBps <= 0 || tier.PercentBps > 10000 {
				return fmt.Errorf("%w: tier %d percent %d bps outside (0,10000]", types.ErrInvalidConfig, i, tier.PercentBps)
			}
			if tier.MinPrice < 0 {
				return fmt.Errorf("%w: tier %d min price must be >= 0", types.ErrInvalidConfig, i)
			}
			if tier.MaxPrice != 0 && tier.MaxPrice <= tier.MinPrice {
				return fmt.Errorf("%w: tier %d max price must exceed min price", types.ErrInvalidConfig, i)
			}
			if i > 0 {
				if prevMax == 0 {
					return fmt.Errorf("%w: unbounded tier %d must be last", types.ErrInvalidConfig, i-1)
				}
				if tier.MinPrice < prevMax {
					return fmt.Errorf("%w: tier %d overlaps tier %d", types.ErrInvalidConfig, i, i-1)
				}
			}
			prevMax = tier.MaxPrice
		}
	default:
		return fmt.Errorf("%w: unknown limit mode %q", types.ErrInvalidConfig, pl.Mode)
	}
	return nil
}

// Default returns a reasonable starting snapshot: 1% fee with min 1,
// 10% flat limit, 10000 IPO shares at 20, and a window covering the
// next 30 days so a freshly seeded camp can trade immediately.
func Default(now time.Time) Snapshot {
	return Snapshot{
		TransferFeeRateBps: 100,
		TransferMinFee:     1,
		PriceLimit:         PriceLimit{Mode: LimitFlat, DefaultBps: 1000},
		IPODefaults: types.IPOState{
			SharesRemaining: 10000,
			UnitPrice:       20,
			InitialShares:   10000,
		},
		Windows: []types.TradingWindow{{Start: now, End: now.Add(30 * 24 * time.Hour)}},
	}
}
