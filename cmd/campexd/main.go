// Campex — a simulated single-symbol stock exchange for training camps.
//
// Architecture:
//
//	main.go             — entry point: config, storage, wiring, lifecycle
//	ledger/ledger.go    — points, shares, and hold reservations per participant
//	params/params.go    — runtime parameters behind an atomic snapshot
//	hours/hours.go      — market-hours gate over the configured windows
//	pricing/band.go     — price-limit band from the reference price
//	book/book.go        — price-time priority book + pending-limit quarantine
//	engine/             — matching, IPO fallback, settlement, derived views
//	transfer/           — peer-to-peer transfers with fee
//	store/              — SQLite persistence (write-through + startup restore)
//	api/                — HTTP/WebSocket surface
//
// Exit codes: 0 clean shutdown, 1 config error, 2 storage error,
// 3 runtime failure.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"campex/internal/api"
	"campex/internal/config"
	"campex/internal/engine"
	"campex/internal/hours"
	"campex/internal/ipo"
	"campex/internal/ledger"
	"campex/internal/params"
	"campex/internal/store"
	"campex/internal/transfer"
	"campex/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real config lives in the YAML file.
	godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CAMPX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err, "path", cfg.Storage.Path)
		return 2
	}
	defer st.Close()

	paramStore, err := restoreParams(cfg, st)
	if err != nil {
		logger.Error("failed to build runtime parameters", "error", err)
		return 1
	}

	led := ledger.New(st, logger)
	if err := restoreLedger(led, st); err != nil {
		logger.Error("failed to restore ledger", "error", err)
		return 2
	}
	for _, p := range cfg.Seed.Participants {
		led.Ensure(types.Participant{
			ID:              p.ID,
			Name:            p.Name,
			Team:            p.Team,
			Role:            p.Role,
			AvailablePoints: p.Points,
		})
	}

	pool, err := restorePool(st, paramStore)
	if err != nil {
		logger.Error("failed to restore ipo pool", "error", err)
		return 2
	}

	seed, err := engineSeed(st)
	if err != nil {
		logger.Error("failed to restore engine state", "error", err)
		return 2
	}

	gate := hours.NewGate(paramStore, nil)
	eng := engine.New(engine.Deps{
		Ledger:        led,
		Params:        paramStore,
		Gate:          gate,
		Pool:          pool,
		Journal:       st,
		Can:           capability(cfg.Auth, led),
		Logger:        logger,
		SweepInterval: cfg.Engine.SweepInterval,
	}, seed)

	apiServer := api.NewServer(cfg.Server.Port, api.Deps{
		Engine:         eng,
		Transfer:       transfer.New(led, paramStore, logger, nil),
		Ledger:         led,
		Params:         paramStore,
		Gate:           gate,
		Logger:         logger,
		SaveParams:     st.SaveParams,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	logger.Info("campex started",
		"port", cfg.Server.Port,
		"db", cfg.Storage.Path,
		"ipo", pool.Status().SharesRemaining,
		"market_open", gate.IsOpen(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error {
		eng.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return apiServer.Stop()
	})

	if err := g.Wait(); err != nil {
		logger.Error("runtime failure", "error", err)
		return 3
	}
	logger.Info("campex stopped")
	return 0
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// restoreParams loads the persisted parameter snapshot, or builds the
// initial one from the market section of the config file.
func restoreParams(cfg *config.Config, st *store.Store) (*params.Store, error) {
	snap, ok, err := st.LoadParams()
	if err != nil {
		return nil, err
	}
	if !ok {
		snap = initialSnapshot(cfg.Market)
		if err := st.SaveParams(snap); err != nil {
			return nil, err
		}
	}
	return params.New(snap)
}

func initialSnapshot(m config.MarketConfig) params.Snapshot {
	windows := make([]types.TradingWindow, 0, len(m.Windows))
	for _, w := range m.Windows {
		// Validated during config load.
		start, _ := time.Parse(time.RFC3339, w.Start)
		end, _ := time.Parse(time.RFC3339, w.End)
		windows = append(windows, types.TradingWindow{Start: start, End: end})
	}
	return params.Snapshot{
		TransferFeeRateBps: m.TransferFeeRateBps,
		TransferMinFee:     m.TransferMinFee,
		PriceLimit:         params.PriceLimit{Mode: params.LimitFlat, DefaultBps: m.LimitPercentBps},
		IPODefaults: types.IPOState{
			SharesRemaining: m.IPOShares,
			UnitPrice:       m.IPOUnitPrice,
			InitialShares:   m.IPOShares,
		},
		Windows: windows,
	}
}

func restoreLedger(led *ledger.Ledger, st *store.Store) error {
	participants, err := st.LoadParticipants()
	if err != nil {
		return err
	}
	holds, err := st.LoadHolds()
	if err != nil {
		return err
	}
	history, err := st.LoadHistory(0)
	if err != nil {
		return err
	}
	led.Restore(participants, holds, history)
	return nil
}

func restorePool(st *store.Store, paramStore *params.Store) (*ipo.Pool, error) {
	state, ok, err := st.LoadIPOState()
	if err != nil {
		return nil, err
	}
	if !ok {
		state = paramStore.Snapshot().IPODefaults
		if err := st.SaveIPOState(state); err != nil {
			return nil, err
		}
	}
	return ipo.New(state), nil
}

func engineSeed(st *store.Store) (engine.Seed, error) {
	open, err := st.LoadOpenOrders()
	if err != nil {
		return engine.Seed{}, err
	}
	trades, err := st.LoadRecentTrades(1000)
	if err != nil {
		return engine.Seed{}, err
	}
	lastPrice, nextID, err := st.LoadTradeMeta()
	if err != nil {
		return engine.Seed{}, err
	}
	return engine.Seed{
		OpenOrders:     open,
		RecentTrades:   trades,
		LastTradePrice: lastPrice,
		NextTradeID:    nextID,
	}, nil
}

// capability builds the engine's permission predicate from the auth config:
// a participant is an admin when its id is listed, or when its ledger role
// is one of the admin roles. Admins hold every capability.
func capability(auth config.AuthConfig, led *ledger.Ledger) engine.CanFunc {
	return func(participant, action string) bool {
		if slices.Contains(auth.AdminIDs, participant) {
			return true
		}
		p, err := led.Get(participant)
		if err != nil {
			return false
		}
		return slices.Contains(auth.AdminRoles, p.Role)
	}
}
