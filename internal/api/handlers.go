package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"campex/internal/engine"
	"campex/pkg/types"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	deps Deps
	hub  *Hub
}

func newHandlers(deps Deps, hub *Hub) *Handlers {
	return &Handlers{deps: deps, hub: hub}
}

func (h *Handlers) upgrader() websocket.Upgrader {
	allowed := h.deps.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), allowed, r.Host)
		},
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, err)
	}
	return nil
}

// participant extracts the caller identity header. Writes 401 and returns
// false when it is missing.
func (h *Handlers) participant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(participantHeader)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + participantHeader + " header"})
		return "", false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ————————————————————————————————————————————————————————————————————————
// Public reads
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handlePrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.PriceSummary())
}

func (h *Handlers) handleQuote(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.Quote())
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 50)
	writeJSON(w, http.StatusOK, h.deps.Engine.RecentTrades(n))
}

func (h *Handlers) handleIPO(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.IPOStatus())
}

func (h *Handlers) handleHours(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hoursResponse{
		Open:    h.deps.Gate.IsOpen(),
		Windows: h.deps.Gate.Windows(),
	})
}

func (h *Handlers) handleFee(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Params.Snapshot()
	writeJSON(w, http.StatusOK, feeResponse{
		RateBps: snap.TransferFeeRateBps,
		MinFee:  snap.TransferMinFee,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Authenticated writes
// ————————————————————————————————————————————————————————————————————————

// placeOrderResponse carries partial results alongside the rejection kind
// when a market order could not be fully satisfied.
type placeOrderResponse struct {
	engine.PlaceResult
	Error string `json:"error,omitempty"`
}

func (h *Handlers) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}

	res, err := h.deps.Engine.PlaceOrder(engine.PlaceRequest{
		Participant: id,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		LimitPrice:  req.Price,
	})
	if err != nil {
		// Partial fills survive an exhausted IPO pool or an empty bid side;
		// return them with the rejection.
		if errors.Is(err, types.ErrIPOExhausted) || errors.Is(err, types.ErrNoLiquidity) ||
			errors.Is(err, types.ErrPriceOutOfBand) {
			writeJSON(w, http.StatusUnprocessableEntity, placeOrderResponse{PlaceResult: res, Error: err.Error()})
			return
		}
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, placeOrderResponse{PlaceResult: res})
}

func (h *Handlers) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	state, err := h.deps.Engine.Cancel(r.PathValue("id"), id)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (h *Handlers) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	receipt, err := h.deps.Transfer.Transfer(id, req.To, req.Amount)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	p, err := h.deps.Ledger.Get(id)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		types.Participant
		ActiveHolds []types.Hold `json:"active_holds"`
	}{p, h.deps.Ledger.ActiveHolds(id)})
}

func (h *Handlers) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.OrdersFor(id))
}

func (h *Handlers) handleMyHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	n := queryInt(r, "n", 100)
	writeJSON(w, http.StatusOK, h.deps.Ledger.History(id, n))
}

// ————————————————————————————————————————————————————————————————————————
// Admin surface
// ————————————————————————————————————————————————————————————————————————
// Capability checks live in the engine; handlers only carry the actor.

func (h *Handlers) handleSetFee(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req feeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if err := h.deps.Engine.SetTransferFee(id, req.RateBps, req.MinFee); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	h.persistParams()
	writeJSON(w, http.StatusOK, h.deps.Params.Snapshot())
}

func (h *Handlers) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req limitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}

	var err error
	switch {
	case len(req.Tiers) > 0:
		err = h.deps.Engine.SetTiers(id, req.Tiers, req.DefaultBps)
	case req.PercentBps > 0:
		err = h.deps.Engine.SetFlatLimit(id, req.PercentBps)
	default:
		err = fmt.Errorf("%w: provide percent_bps or tiers", types.ErrInvalidConfig)
	}
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	h.persistParams()
	writeJSON(w, http.StatusOK, h.deps.Params.Snapshot().PriceLimit)
}

func (h *Handlers) handleLimitInfo(w http.ResponseWriter, r *http.Request) {
	testPrice := int64(queryInt(r, "test_price", 0))
	writeJSON(w, http.StatusOK, h.deps.Engine.PriceLimitInfo(testPrice))
}

func (h *Handlers) handleSetHours(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req hoursRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if err := h.deps.Engine.SetWindows(id, req.Windows); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	h.persistParams()
	writeJSON(w, http.StatusOK, hoursResponse{Open: h.deps.Gate.IsOpen(), Windows: h.deps.Gate.Windows()})
}

func (h *Handlers) handleUpdateIPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req ipoRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if err := h.deps.Engine.UpdateIPO(id, req.Shares, req.UnitPrice); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.IPOStatus())
}

func (h *Handlers) handleIPODefaults(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req ipoDefaultsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if err := h.deps.Engine.SetIPODefaults(id, req.Shares, req.UnitPrice); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	h.persistParams()
	writeJSON(w, http.StatusOK, h.deps.Params.Snapshot().IPODefaults)
}

func (h *Handlers) handleResetIPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	if err := h.deps.Engine.ResetIPO(id); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Engine.IPOStatus())
}

func (h *Handlers) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	report, err := h.deps.Engine.ForceSettlement(id, req.Price)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) handleGivePoints(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	var req giveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	n, err := h.deps.Engine.GivePoints(id, engine.GiveTarget(req.Kind), req.Target, req.Amount)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recipients": n})
}

func (h *Handlers) handleTriggerMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	if err := h.deps.Engine.TriggerMatch(id); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := h.participant(w, r)
	if !ok {
		return
	}
	orders, err := h.deps.Engine.OpenOrders(id, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) persistParams() {
	if h.deps.SaveParams == nil {
		return
	}
	if err := h.deps.SaveParams(h.deps.Params.Snapshot()); err != nil {
		h.deps.Logger.Error("failed to persist params", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket
// ————————————————————————————————————————————————————————————————————————

// wsSnapshot is the first frame sent to a new subscriber.
type wsSnapshot struct {
	Type  string             `json:"type"`
	Price types.PriceSummary `json:"price"`
	Quote types.Quote        `json:"quote"`
	IPO   types.IPOState     `json:"ipo"`
}

func (h *Handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snap := wsSnapshot{
		Type:  "snapshot",
		Price: h.deps.Engine.PriceSummary(),
		Quote: h.deps.Engine.Quote(),
		IPO:   h.deps.Engine.IPOStatus(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		h.deps.Logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.deps.Logger.Warn("failed to send initial snapshot to client")
	}
}
