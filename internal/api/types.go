package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"campex/internal/params"
	"campex/pkg/types"
)

// participantHeader carries the caller's identity. Authentication tokens are
// an outer concern; by the time a request reaches this server the id is
// assumed verified.
const participantHeader = "X-Participant-ID"

// ————————————————————————————————————————————————————————————————————————
// Request bodies
// ————————————————————————————————————————————————————————————————————————

type placeOrderRequest struct {
	Side  types.Side      `json:"side"`
	Type  types.OrderType `json:"type"`
	Qty   int64           `json:"qty"`
	Price int64           `json:"price,omitempty"` // limit orders only
}

type transferRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type feeRequest struct {
	RateBps int64 `json:"rate_bps"`
	MinFee  int64 `json:"min_fee"`
}

// limitRequest sets either a flat percentage or a tiered schedule; exactly
// one of the two shapes must be present.
type limitRequest struct {
	PercentBps int64         `json:"percent_bps,omitempty"`
	Tiers      []params.Tier `json:"tiers,omitempty"`
	DefaultBps int64         `json:"default_bps,omitempty"`
}

type hoursRequest struct {
	Windows []types.TradingWindow `json:"windows"`
}

type ipoRequest struct {
	Shares    *int64 `json:"shares,omitempty"`
	UnitPrice *int64 `json:"unit_price,omitempty"`
}

type ipoDefaultsRequest struct {
	Shares    int64 `json:"shares"`
	UnitPrice int64 `json:"unit_price"`
}

type settleRequest struct {
	Price *int64 `json:"price,omitempty"`
}

type giveRequest struct {
	Kind   string `json:"kind"` // user | group | all_users | all_groups
	Target string `json:"target,omitempty"`
	Amount int64  `json:"amount"`
}

// ————————————————————————————————————————————————————————————————————————
// Response bodies
// ————————————————————————————————————————————————————————————————————————

type hoursResponse struct {
	Open    bool                  `json:"open"`
	Windows []types.TradingWindow `json:"windows"`
}

type feeResponse struct {
	RateBps int64 `json:"rate_bps"`
	MinFee  int64 `json:"min_fee"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ————————————————————————————————————————————————————————————————————————
// JSON and error helpers
// ————————————————————————————————————————————————————————————————————————

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps the stable error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrOrderNotFound),
		errors.Is(err, types.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrNotOrderOwner),
		errors.Is(err, types.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, types.ErrMarketClosed),
		errors.Is(err, types.ErrAlreadyTerminal),
		errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrInsufficientFunds),
		errors.Is(err, types.ErrInsufficientShares),
		errors.Is(err, types.ErrIPOExhausted),
		errors.Is(err, types.ErrNoLiquidity),
		errors.Is(err, types.ErrPriceOutOfBand):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
