// Bithumb Scalper — a real-time algorithmic trading bot for the Bithumb
// KRW spot market driven by order-flow microstructure signals.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires WS feed → signals → risk → orders
//	micro/micro.go       — order book imbalance (OBI/OFI) and flow toxicity (VPIN/Amihud)
//	volatility/model.go  — realized volatility inline, GARCH(1,1) refits on a worker pool
//	regime/detector.go   — 3-state Gaussian HMM labels the tape BULLISH/SIDEWAYS/BEARISH
//	ensemble/ensemble.go — fuses 7 weighted signals into buy/hold/sell decisions
//	risk/manager.go      — Kelly sizing, daily loss gate, circuit breaker, vol-scaled stops
//	exchange/client.go   — REST client for the venue's spot API (signed orders, candles, balance)
//	exchange/ws.go       — public WebSocket feed (depth + trades) with auto-reconnect
//	funding/poller.go    — perp funding rates as a positioning proxy for the ensemble
//	api/server.go        — status JSON, SSE event stream, sentiment webhook, Prometheus metrics
//
// How it makes money:
//
//	The bot scalps short intraday moves on the KRW spot majors. Persistent
//	order book imbalance plus multi-horizon momentum signal where the next
//	few minutes of flow are headed; VPIN vetoes entries when the tape turns
//	toxic. Position sizes come from fractional Kelly scaled by the current
//	regime, and volatility-scaled stops plus a trailing stop cut losers fast
//	while letting winners run.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bithumb-scalper/internal/api"
	"bithumb-scalper/internal/config"
	"bithumb-scalper/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SCALPER_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start status API server if enabled. The engine serves both the
	// status snapshot and the sentiment webhook sink.
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("bithumb scalper started",
		"symbols", cfg.Trading.Symbols,
		"capital_krw", cfg.Trading.MaxTotalCapitalKRW,
		"max_positions", cfg.Risk.MaxConcurrentPositions,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the status server first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
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
