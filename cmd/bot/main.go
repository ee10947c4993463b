// wxarb — a low-latency weather-arbitrage trading core for prediction
// markets whose settlement depends on a published numerical-weather-
// prediction value (temperature, wind speed, precipitation).
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go           — orchestrator: wires every subsystem below together
//	bus/bus.go                 — typed pub/sub event bus connecting every component
//	quota/tracker.go           — per-provider daily call counter and rate-limit state
//	schedule/manager.go        — per-model cycle timing, opens detection windows
//	ingest/s3poll/detector.go  — polls object storage for the first published model file
//	ingest/fallback/poller.go  — API fallback poller, armed by the same detection window
//	ingest/confirm/manager.go — reconciles file- and API-sourced values per cycle
//	ingest/grib/decoder.go     — GRIB2 field extraction via an external decoder binary
//	trading/core.go            — Opportunity Core: forecast-changed -> sized, guarded trade
//	trading/mode.go            — Hybrid Mode Controller: UTC urgency -> active data sources
//	trading/capture.go         — at-most-one-capture guard and execution re-validation
//	trading/killswitch.go      — daily loss, drawdown, and consecutive-loss circuit breaker
//	venue/client.go            — REST/WebSocket adapter for the prediction-market venue
//	weatherapi/*.go            — seven weather-provider clients
//	ingress/ingress.go         — HMAC-verified webhook endpoint for venue-pushed forecasts
//	store/store.go             — JSON file persistence for warm-reboot state
//	api/server.go              — dashboard HTTP + WebSocket status server
//
// How it makes money:
//
//	The core watches numerical-weather-prediction model output for signals
//	that a venue's binary "will metric X be above/below threshold Y" market
//	has not yet priced in. When the forecast implies a probability
//	materially different from the market's current price, it sizes a
//	directional position with fractional Kelly and captures it before the
//	rest of the market reprices.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wxarb/internal/api"
	"wxarb/internal/config"
	"wxarb/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("WXARB_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("weather-arbitrage trading core started",
		"cities", len(cfg.Cities),
		"markets", len(cfg.Markets),
		"min_edge_threshold", cfg.Trading.MinEdgeThreshold,
		"kelly_fraction", cfg.Trading.KellyFraction,
		"auto_mode", cfg.Trading.AutoModeEnabled,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()

	if sig == syscall.SIGINT {
		os.Exit(130)
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
