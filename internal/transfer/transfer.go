// Package transfer implements peer-to-peer point transfers with a fee.
//
// A transfer is a composite ledger flow: reserve amount+fee on the sender
// under a transfer hold, then consume the hold, credit the recipient, and
// route the fee to the system account. Insufficient funds fail atomically
// before anything moves.
package transfer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"campex/internal/ledger"
	"campex/internal/params"
	"campex/pkg/types"
)

// Service executes transfers against the ledger using the fee parameters
// from the config store.
type Service struct {
	ledger *ledger.Ledger
	params *params.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a transfer service. now is injectable for tests; nil means
// time.Now.
func New(led *ledger.Ledger, store *params.Store, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		ledger: led,
		params: store,
		logger: logger.With("component", "transfer"),
		now:    now,
	}
}

// Receipt describes a completed transfer.
type Receipt struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     int64     `json:"amount"`
	Fee        int64     `json:"fee"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Fee computes the fee for an amount under the current parameters:
// max(ceil(amount·rate), minFee).
func (s *Service) Fee(amount int64) int64 {
	snap := s.params.Snapshot()
	return computeFee(amount, snap.TransferFeeRateBps, snap.TransferMinFee)
}

func computeFee(amount, rateBps, minFee int64) int64 {
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(rateBps)).
		Div(decimal.NewFromInt(10000)).
		Ceil().IntPart()
	if fee < minFee {
		fee = minFee
	}
	return fee
}

// Transfer moves amount points from src to dst, charging src the fee on top.
// The recipient must already exist; self-transfers are rejected.
func (s *Service) Transfer(src, dst string, amount int64) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: transfer amount must be positive", types.ErrInvalidConfig)
	}
	if src == dst {
		return Receipt{}, fmt.Errorf("%w: cannot transfer to self", types.ErrInvalidConfig)
	}
	if dst == types.SystemAccount {
		return Receipt{}, fmt.Errorf("%w: cannot transfer to the system account", types.ErrInvalidConfig)
	}
	if _, err := s.ledger.Get(dst); err != nil {
		return Receipt{}, err
	}

	fee := s.Fee(amount)
	total := amount + fee
	id := uuid.NewString()

	holdID, err := s.ledger.Reserve(src, total, types.HoldTransfer, id)
	if err != nil {
		return Receipt{}, err
	}

	// The hold is consumed in full; a failure past this point is an
	// invariant breach, logged loudly rather than papered over.
	if err := s.ledger.PartialConsume(holdID, total); err != nil {
		s.logger.Error("transfer failed consuming hold", "transfer", id, "hold", holdID, "error", err)
		if relErr := s.ledger.ReleaseHold(holdID); relErr != nil {
			s.logger.Error("transfer failed releasing hold", "transfer", id, "hold", holdID, "error", relErr)
		}
		return Receipt{}, fmt.Errorf("transfer %s: %w", id, types.ErrInternal)
	}
	if err := s.ledger.ConsumeHold(holdID); err != nil {
		s.logger.Error("transfer failed closing hold", "transfer", id, "hold", holdID, "error", err)
		return Receipt{}, fmt.Errorf("transfer %s: %w", id, types.ErrInternal)
	}

	if err := s.ledger.CreditPoints(dst, amount); err != nil {
		s.logger.Error("transfer failed crediting recipient", "transfer", id, "to", dst, "error", err)
		return Receipt{}, fmt.Errorf("transfer %s: %w", id, types.ErrInternal)
	}
	if err := s.ledger.CreditPoints(types.SystemAccount, fee); err != nil {
		s.logger.Error("transfer failed routing fee", "transfer", id, "error", err)
		return Receipt{}, fmt.Errorf("transfer %s: %w", id, types.ErrInternal)
	}

	s.ledger.AppendHistory(src, -total, "transfer out", id)
	s.ledger.AppendHistory(dst, amount, "transfer in", id)
	s.ledger.AppendHistory(types.SystemAccount, fee, "transfer fee", id)

	s.logger.Info("transfer complete", "transfer", id, "from", src, "to", dst, "amount", amount, "fee", fee)

	return Receipt{
		ID:         id,
		From:       src,
		To:         dst,
		Amount:     amount,
		Fee:        fee,
		ExecutedAt: s.now().UTC(),
	}, nil
}
