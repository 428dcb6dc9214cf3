// clobd is the CLOB matching/settlement engine's entry point.
//
// Architecture:
//
//	main.go                    — wires store, adapter, engine, settlement
//	                              scheduler, verifier, solver façade and
//	                              event stream server; waits for SIGINT/SIGTERM
//	internal/store             — in-memory ledger: orders, trades, balances
//	internal/adapter           — external CTF/token adapter client
//	internal/collateral        — reservation + HTLC-style settlement execution
//	internal/book, internal/engine — price-time priority book and matching
//	internal/settlement        — batches executed trades, drives execution
//	internal/verifier          — cross-chain bridged-intent admission
//	internal/solver            — SolverOrder façade + fill mirroring
//	internal/api               — WebSocket event stream + HTTP snapshot/health
//
// The engine publishes orderbook/trade/order events onto the event stream
// broadcaster, hands executed trades to the settlement scheduler over a
// buffered channel, and the settlement scheduler calls back into the
// collateral manager to execute each batch against the token adapter.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clob-engine/internal/adapter"
	"clob-engine/internal/api"
	"clob-engine/internal/collateral"
	"clob-engine/internal/config"
	"clob-engine/internal/engine"
	"clob-engine/internal/settlement"
	"clob-engine/internal/solver"
	"clob-engine/internal/store"
	"clob-engine/internal/verifier"
	"clob-engine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CLOB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	tokenAdapter := adapter.New(logger, nil)
	collateralMgr := collateral.New(st, tokenAdapter, logger)

	hub := api.NewHub(logger)
	broadcaster := api.NewBroadcaster(hub)

	tradeCh := make(chan types.Trade, 256)
	eng := engine.New(st, collateralMgr, broadcaster, tradeCh, logger, cfg.Matching.ComplementaryMatchEnabled)

	sched := settlement.New(cfg.Settlement, st, collateralMgr, tradeCh, logger)

	v := verifier.New(cfg.Verifier, eng, logger)
	guard := verifier.NewBridgeGuard(cfg.Verifier, v, logger)
	v.AttachGuard(guard)

	solverFacade := solver.New(cfg.Solver, eng, logger)
	sched.OnSettled(func(ctx context.Context, t types.Trade) {
		if _, err := solverFacade.MirrorFill(ctx, t); err != nil {
			logger.Warn("mirror fill to solver contract failed", "trade", t.TradeID, "err", err)
		}
	})

	apiServer := api.NewServer(cfg.API, eng, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("event stream server failed", "error", err)
		}
	}()
	logger.Info("event stream started", "port", cfg.API.Port)

	sweepTicker := time.NewTicker(cfg.Matching.ExpirySweepInterval)
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-sweepTicker.C:
				eng.RunExpirySweep(now)
			}
		}
	}()

	logger.Info("clob engine started",
		"complementary_match", cfg.Matching.ComplementaryMatchEnabled,
		"supported_chains", cfg.Verifier.SupportedChains,
		"solver_contract", cfg.Solver.ContractID,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop event stream server", "error", err)
	}
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
