// Package api serves the exchange over HTTP and WebSocket.
//
// Reads are snapshot endpoints computed on demand from the engine; writes
// carry the caller's identity in the X-Participant-ID header (token
// verification is an outer concern). Admin endpoints delegate capability
// checks to the engine's injected predicate. The /ws stream pushes trade,
// settlement, and config events broadcast by the engine.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"campex/internal/engine"
	"campex/internal/hours"
	"campex/internal/ledger"
	"campex/internal/params"
	"campex/internal/transfer"
)

// Deps wires the server's collaborators.
type Deps struct {
	Engine   *engine.Engine
	Transfer *transfer.Service
	Ledger   *ledger.Ledger
	Params   *params.Store
	Gate     *hours.Gate
	Logger   *slog.Logger

	// SaveParams persists the runtime-parameter snapshot after an admin
	// change. Nil disables persistence (tests).
	SaveParams func(params.Snapshot) error

	// AllowedOrigins is the WebSocket origin allowlist; empty means
	// localhost and same-host only.
	AllowedOrigins []string
}

// Server runs the HTTP/WebSocket API.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	events   <-chan engine.Event
	logger   *slog.Logger
}

// NewServer creates the API server listening on the given port.
func NewServer(port int, deps Deps) *Server {
	logger := deps.Logger.With("component", "api")
	deps.Logger = logger

	hub := NewHub(deps.Logger)
	handlers := newHandlers(deps, hub)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.handleHealth)
	mux.HandleFunc("GET /api/price", handlers.handlePrice)
	mux.HandleFunc("GET /api/quote", handlers.handleQuote)
	mux.HandleFunc("GET /api/trades", handlers.handleTrades)
	mux.HandleFunc("GET /api/ipo", handlers.handleIPO)
	mux.HandleFunc("GET /api/hours", handlers.handleHours)
	mux.HandleFunc("GET /api/fee", handlers.handleFee)
	mux.HandleFunc("GET /api/limit", handlers.handleLimitInfo)

	mux.HandleFunc("POST /api/orders", handlers.handlePlaceOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.handleCancelOrder)
	mux.HandleFunc("POST /api/transfer", handlers.handleTransfer)
	mux.HandleFunc("GET /api/me", handlers.handleMe)
	mux.HandleFunc("GET /api/me/orders", handlers.handleMyOrders)
	mux.HandleFunc("GET /api/me/history", handlers.handleMyHistory)

	mux.HandleFunc("POST /api/admin/fee", handlers.handleSetFee)
	mux.HandleFunc("POST /api/admin/limit", handlers.handleSetLimit)
	mux.HandleFunc("POST /api/admin/hours", handlers.handleSetHours)
	mux.HandleFunc("POST /api/admin/ipo", handlers.handleUpdateIPO)
	mux.HandleFunc("POST /api/admin/ipo/defaults", handlers.handleIPODefaults)
	mux.HandleFunc("POST /api/admin/ipo/reset", handlers.handleResetIPO)
	mux.HandleFunc("POST /api/admin/settle", handlers.handleSettle)
	mux.HandleFunc("POST /api/admin/give", handlers.handleGivePoints)
	mux.HandleFunc("POST /api/admin/match", handlers.handleTriggerMatch)
	mux.HandleFunc("GET /api/admin/orders", handlers.handleOpenOrders)

	mux.HandleFunc("GET /ws", handlers.handleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		events:   deps.Engine.Events(),
		logger:   logger,
	}
}

// Start runs the hub, the event fan-out, and the HTTP listener. Blocks
// until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// consumeEvents forwards engine events to the WebSocket hub.
func (s *Server) consumeEvents() {
	for evt := range s.events {
		s.hub.Broadcast(evt)
	}
}
