// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. The KIS broker client (REST + realtime feed) behind a circuit breaker.
//  2. The shared state store that every component reads and writes.
//  3. The scheduler firing the fixed KST session events and the ~1.5 s
//     strategy tick loop.
//  4. The strategist (entries), position manager (exits, pyramids, tracks),
//     and the market watcher with its LLM adjudicator.
//  5. The order log, notifier worker, and end-of-day report writer.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"krx-momentum/internal/ai"
	"krx-momentum/internal/broker"
	"krx-momentum/internal/broker/kis"
	"krx-momentum/internal/config"
	"krx-momentum/internal/executor"
	"krx-momentum/internal/krx"
	"krx-momentum/internal/metrics"
	"krx-momentum/internal/notify"
	"krx-momentum/internal/position"
	"krx-momentum/internal/report"
	"krx-momentum/internal/schedule"
	"krx-momentum/internal/signals"
	"krx-momentum/internal/state"
	"krx-momentum/internal/strategist"
	"krx-momentum/internal/watcher"
	"krx-momentum/pkg/types"
)

// snapshotMaxAge bounds how old the watcher's macro sample may be.
const snapshotMaxAge = 10 * time.Minute

// Engine owns the lifecycle of every subsystem goroutine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *state.Store
	client *kis.Client
	brk    broker.Broker
	olog   *executor.OrderLog
	exec   *executor.Executor
	sig    *signals.Engine
	mgr    *position.Manager
	strat  *strategist.Strategist
	watch  *watcher.Watcher
	worker *notify.Worker
	sched  *schedule.Scheduler
	rep    *report.Writer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// subscribed tracks codes already on the realtime feed so watchlist
	// reloads don't double-subscribe.
	subMu      sync.Mutex
	subscribed map[string]bool

	now func() time.Time
}

// New wires all components. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	store, err := state.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	olog, err := executor.NewOrderLog(cfg.Store.DataDir, cfg.Executor.OrderLogQueueSize, logger)
	if err != nil {
		return nil, fmt.Errorf("open order log: %w", err)
	}

	worker := notify.NewWorker(
		notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, logger),
		cfg.Notify.QueueSize, logger)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		store:      store,
		olog:       olog,
		worker:     worker,
		sched:      schedule.New(logger),
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[string]bool),
		now:        time.Now,
	}

	e.client = kis.New(cfg.Broker, cfg.UsePaper, cfg.DryRun, cfg.Store.DataDir, logger,
		func() { e.raiseCritical("realtime feed down") })
	e.brk = broker.NewCircuitBreakerBroker(e.client, broker.DefaultBreakerSettings(), logger,
		func() { e.raiseCritical("broker circuit open") })

	e.exec = executor.New(e.brk, e.client.Feed(), worker, olog, cfg.Executor, cfg.DryRun, logger)
	e.sig = signals.New(e.brk, logger)
	e.mgr = position.New(store, e.exec, e.sig, worker, cfg.Strategy, logger)
	e.strat = strategist.New(store, e.exec, e.mgr, e.sig, e.client.Feed(), worker, cfg.Strategy, logger)
	e.watch = watcher.New(store,
		watcher.NewFileSampler(cfg.Store.DataDir, snapshotMaxAge),
		ai.New(cfg.AI, logger), e.mgr, worker, cfg.Watcher, logger)
	e.rep = report.NewWriter(store, olog, worker, cfg.Store.DataDir, logger)

	return e, nil
}

// Store exposes the state store for the status API.
func (e *Engine) Store() *state.Store { return e.store }

// OrderLog exposes the order log for the status API.
func (e *Engine) OrderLog() *executor.OrderLog { return e.olog }

// Start launches all background goroutines and registers the session events.
func (e *Engine) Start() error {
	e.spawn(func() { e.worker.Run(e.ctx) })
	e.spawn(func() { e.olog.Run(e.ctx) })
	e.spawn(func() { e.watch.Run(e.ctx) })

	creds := e.cfg.Broker.Active(e.cfg.UsePaper)
	if e.cfg.DryRun && creds.AppKey == "" {
		e.logger.Warn("dry-run without credentials: realtime feed disabled")
	} else {
		e.spawn(func() {
			if err := e.client.Feed().Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("realtime feed stopped", "error", err)
			}
		})
	}

	if err := e.registerEvents(); err != nil {
		return fmt.Errorf("register session events: %w", err)
	}
	e.sched.Start()

	e.spawn(func() { schedule.TickLoop(e.ctx, e.cfg.Strategy.TickInterval, e.tick) })

	// A mid-session start must not wait for tomorrow's events.
	now := e.now().In(krx.KST)
	if krx.IsTradingDay(now) && now.After(krx.At(now, 6, 0, 0)) {
		e.onMacroReady()
		e.loadWatchlist()
		if now.After(krx.At(now, 9, 10, 0)) {
			e.onTradingStart()
		}
	}

	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun, "paper", e.cfg.UsePaper, "positions", e.store.PositionCount())
	return nil
}

// Stop shuts everything down: scheduler first so no new events fire, then
// all goroutines. The order log and notifier flush their queues on the way
// out.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.sched.Stop()
	e.cancel()
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) registerEvents() error {
	events := []struct {
		name      string
		hour, min int
		fn        func()
	}{
		{"macro_ready", 6, 0, e.onMacroReady},
		{"scanner_first", 8, 30, e.loadWatchlist},
		{"trading_start", 9, 10, e.onTradingStart},
		{"opening_rush_end", 9, 20, func() { e.logger.Info("opening rush window closed") }},
		{"scanner_second", 11, 30, e.loadWatchlist},
		{"track2_deadline", 14, 0, func() { e.mgr.Track2Deadline(e.ctx) }},
		{"track2_evaluation", 14, 30, func() { e.mgr.EvaluateTrack2(e.ctx) }},
		{"track1_force_close", 15, 10, func() { e.mgr.ForceCloseTrack1(e.ctx) }},
		{"market_close", 15, 30, e.onMarketClose},
		{"end_of_day_report", 15, 40, e.onEndOfDayReport},
	}
	for _, ev := range events {
		fn := ev.fn
		// Handlers run off the cron goroutine so a slow one (a force close
		// waiting on fills) cannot delay the next event.
		if err := e.sched.AddDaily(ev.name, ev.hour, ev.min, 0, func() { go fn() }); err != nil {
			return fmt.Errorf("event %s: %w", ev.name, err)
		}
	}
	return nil
}

// tick is one strategy cycle: pump gap checks for overnight carries, then
// hand over to the strategist. Runs every TickInterval inside 09:10–15:20.
func (e *Engine) tick(ctx context.Context) {
	now := e.now().In(krx.KST)
	if !krx.IsTradingDay(now) {
		return
	}
	if now.Before(krx.At(now, 9, 10, 0)) || now.After(krx.At(now, 15, 20, 0)) {
		return
	}

	feed := e.client.Feed()
	for code, pos := range e.store.Positions() {
		if pos.Track == types.Track2 && pos.HoldDays >= 1 {
			if t, ok := feed.LatestTick(code); ok {
				e.mgr.GapCheck(ctx, code, t.Price)
			}
		}
	}

	e.strat.Tick(ctx)
}

// onMacroReady is the pre-open rollover: new-day reset, hold-day counts,
// signal buffers, and the fresh macro regime.
func (e *Engine) onMacroReady() {
	now := e.now().In(krx.KST)
	e.store.ResetForNewDay(now.Format("2006-01-02"))
	metrics.SetRiskLevel(string(types.RiskNormal))

	for code, pos := range e.store.Positions() {
		held := krx.BusinessDaysHeld(pos.EntryTime, now)
		e.store.UpdatePosition(code, func(p *types.Position) { p.HoldDays = held })
	}

	e.sig.Reset()
	e.loadRegime()
}

// onTradingStart primes the broker connection and pins the day's equity
// baseline for sizing and the daily-loss circuit.
func (e *Engine) onTradingStart() {
	ctx, cancelFn := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancelFn()

	if err := e.client.Prewarm(ctx); err != nil {
		e.logger.Warn("broker pre-warm failed", "error", err)
	}
	bal, err := e.exec.GetBalance(ctx)
	if err != nil {
		e.logger.Error("starting balance inquiry failed", "error", err)
	} else {
		e.store.SetStartingEquity(bal.TotalEvaluation)
		e.logger.Info("starting equity pinned", "equity", bal.TotalEvaluation.StringFixed(0))
	}

	for code := range e.store.Positions() {
		e.subscribeCode(code)
	}
	for _, w := range e.store.Watchlist() {
		e.subscribeCode(w.Code)
	}
}

// onMarketClose records closing prices as the next day's gap baseline.
func (e *Engine) onMarketClose() {
	for code, pos := range e.store.Positions() {
		if pos.LastPrice <= 0 {
			continue
		}
		last := pos.LastPrice
		e.store.UpdatePosition(code, func(p *types.Position) { p.PrevClose = last })
	}
	e.logger.Info("market closed", "carried_positions", e.store.PositionCount())
}

func (e *Engine) onEndOfDayReport() {
	ctx, cancelFn := context.WithTimeout(e.ctx, time.Minute)
	defer cancelFn()
	if err := e.rep.WriteEndOfDay(ctx); err != nil {
		e.logger.Error("end-of-day report failed", "error", err)
	}
}

// subscribeCode puts a code on the realtime feed (trade + quote streams)
// and forwards its trade prints into the signal engine.
func (e *Engine) subscribeCode(code string) {
	e.subMu.Lock()
	if e.subscribed[code] {
		e.subMu.Unlock()
		return
	}
	e.subscribed[code] = true
	e.subMu.Unlock()

	feed := e.client.Feed()
	tickCh, err := feed.SubscribeTrade(code)
	if err != nil {
		e.logger.Error("trade subscription failed", "code", code, "error", err)
		return
	}
	if _, err := feed.SubscribeQuote(code); err != nil {
		e.logger.Error("quote subscription failed", "code", code, "error", err)
	}

	e.spawn(func() {
		for {
			select {
			case <-e.ctx.Done():
				return
			case t := <-tickCh:
				e.sig.OnTick(t)
			}
		}
	})
}

// raiseCritical escalates the risk level when connectivity degrades: an
// open REST circuit or an exhausted feed reconnect budget.
func (e *Engine) raiseCritical(reason string) {
	e.store.UpdateRiskParams(func(r *types.RiskParams) { r.RiskLevel = types.RiskCritical })
	metrics.SetRiskLevel(string(types.RiskCritical))
	e.store.RecordRiskEvent("CONNECTIVITY_CRITICAL", reason)
	e.worker.Send(context.Background(), "🚨 "+reason+": risk level CRITICAL")
	e.logger.Error("risk level raised to CRITICAL", "reason", reason)
}
