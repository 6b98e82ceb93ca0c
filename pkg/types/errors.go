package types

import "errors"

// Stable error kinds surfaced to API callers. Handlers map these to HTTP
// statuses with errors.Is; internal layers wrap them with context via
// fmt.Errorf("...: %w", err).
var (
	// ErrMarketClosed — operation attempted outside trading windows.
	ErrMarketClosed = errors.New("market closed")

	// ErrInsufficientFunds — available points do not cover the reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares — participant owns fewer shares than the sell qty.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrOrderNotFound — no order with the given id.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotOrderOwner — cancel attempted by someone other than the owner.
	ErrNotOrderOwner = errors.New("not order owner")

	// ErrAlreadyTerminal — cancel attempted on a filled/cancelled/rejected order.
	ErrAlreadyTerminal = errors.New("order already terminal")

	// ErrPriceOutOfBand — informational for market orders; limit orders are
	// quarantined as pending_limit instead of rejected.
	ErrPriceOutOfBand = errors.New("price out of band")

	// ErrIPOExhausted — a market buy could not be fully satisfied.
	ErrIPOExhausted = errors.New("ipo pool exhausted")

	// ErrNoLiquidity — a market sell found no resting bids (the IPO pool
	// does not absorb sells).
	ErrNoLiquidity = errors.New("no liquidity")

	// ErrInvalidConfig — admin change rejected by validation.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrPermissionDenied — the capability predicate refused the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrParticipantNotFound — unknown participant id.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrConflict — optimistic concurrency loss on the ledger; retried a
	// bounded number of times inside the engine before surfacing.
	ErrConflict = errors.New("conflict")

	// ErrInternal — invariant violation or storage fault. Always logged with
	// order/trade context before being returned.
	ErrInternal = errors.New("internal error")
)
