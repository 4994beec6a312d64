// krx-momentum — an automated KRX momentum-breakout trading bot with
// macro-risk gating.
//
// Architecture:
//
//	main.go               — entry point: flags, config, slog, engine lifecycle
//	engine/engine.go      — orchestrator: wires broker → strategist → executor, session events
//	schedule/schedule.go  — KST cron events (holiday-suppressed) + the 1.5 s tick loop
//	state/store.go        — shared trading state with JSON persistence (survives restarts)
//	broker/kis/           — KIS REST client (token cache, rate limit) + websocket feed
//	executor/executor.go  — three-stage buy fallback, TWAP splitting, order log
//	position/manager.go   — stops, trails, pyramids, Track-1/Track-2 lifecycle
//	strategist/           — per-tick decision loop: regime gates, sizing, entries
//	signals/              — 1-min bar buffer, 15m/5m resampling, MA alignment, ATR
//	watcher/              — market shock triggers + LLM-adjudicated risk-off/recovery
//	report/               — end-of-day JSON report + Telegram digest
//	api/                  — read-only chi status server with Prometheus metrics
//
// How it trades:
//
//	Pre-open, external agents publish a macro regime and a ranked watchlist
//	into the data directory. During the session the strategist enters
//	aligned momentum candidates sized by the regime multipliers, the
//	position manager trails stops and pyramids winners, strong closers get
//	promoted to an overnight track at 14:30, and everything else is flat by
//	15:10. A market watcher liquidates the book when a confirmed macro
//	shock hits.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"krx-momentum/internal/api"
	"krx-momentum/internal/config"
	"krx-momentum/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath = flag.String("config", "configs/config.yaml", "path to config file")
		dryRun  = flag.Bool("dry-run", false, "no orders; every stage reports success")
		paper   = flag.Bool("paper", false, "use paper (VTS) credentials and endpoints")
		real    = flag.Bool("real", false, "use live credentials and endpoints")
	)
	flag.Parse()

	// Best-effort: a missing .env just means the environment is already set.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return 1
	}
	if *dryRun {
		cfg.DryRun = true
	}
	// Last mode flag wins; going live requires the explicit --real.
	if *paper {
		cfg.UsePaper = true
	}
	if *real {
		cfg.UsePaper = false
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 2
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng.Store(), eng.OrderLog(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 2
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	mode := "live"
	if cfg.UsePaper {
		mode = "paper"
	}
	logger.Info("krx momentum bot started",
		"mode", mode,
		"base_fraction", cfg.Strategy.BaseFraction,
		"max_positions", cfg.Strategy.MaxPositions,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}
	eng.Stop()
	return 0
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
