// AlgoBridge — a multi-user bridge between trading strategies and an
// Indian stock broker, with a paper-trading sandbox.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires cache → broker → feed → router → strategies, runs the cron schedule
//	cache/               — namespaced key-value store (memory/disk/redis) with encrypted credential namespaces
//	symbols/resolver.go  — symbol master: app symbol ↔ broker token, option chains, search
//	auth/service.go      — API-key gate with daily forced logout
//	feed/hub.go          — market-data fanout: one upstream session per user, many subscribers
//	router/router.go     — order router: rate limiting, dedup, live/sandbox dispatch, smart close
//	sandbox/engine.go    — virtual execution: margin model, tick-driven fills, square-off, weekly reset
//	strategy/, webhook/  — hosted strategies and the TradingView/Chartink webhook front door
//	alerts/engine.go     — scheduled alerts: price/indicator conditions on the live feed
//	monitor/monitor.go   — trade monitor: stop-loss, target, trailing exits per strategy trade
//	restapi/, wsapi/     — the external REST API and the streaming WebSocket proxy
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"algobridge/internal/broker"
	"algobridge/internal/config"
	"algobridge/internal/engine"
)

func main() {
	// Secrets (bot token, redis password, cache key file) may sit in a
	// local .env during development.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BRIDGE_CONFIG"); p != "" {
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

	live := broker.NewRestClient(cfg.Broker.BaseURL,
		cfg.Router.ReadTimeout, cfg.Router.WriteTimeout, logger)

	// A nil dialer makes the engine poll quotes for the feed; brokers
	// with a WebSocket adapter plug a real dialer in here.
	eng, err := engine.New(cfg, live, nil, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("bridge started",
		"broker", cfg.Broker.Name,
		"rest_port", cfg.Server.RESTPort,
		"ws_port", cfg.Server.WSPort,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
