// Package watcher monitors the broad market for shock conditions and runs
// the Risk-Off / recovery state machine.
//
// Four triggers are derived from a macro sample on every cadence: a VIX
// surge, an intraday KOSPI drop, a large USD/KRW move, and large-cap
// breadth collapse. Two or more simultaneous triggers start a confirmation
// window; if the picture holds after the wait, an LLM adjudicator gets the
// final word. The adjudicator failing or answering nonsense takes the
// conservative branch: declare Risk-Off on a shock, refuse a recovery.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"krx-momentum/internal/config"
	"krx-momentum/internal/metrics"
	"krx-momentum/internal/notify"
	"krx-momentum/internal/state"
	"krx-momentum/pkg/types"
)

// Sampler supplies macro market observations. Implemented over the broker's
// index quotes in production; faked in tests.
type Sampler interface {
	Sample(ctx context.Context) (types.ShockSnapshot, error)
}

// Adjudicator asks the LLM for a verdict on a shock or recovery snapshot.
type Adjudicator interface {
	// JudgeShock returns true when the snapshot warrants Risk-Off.
	JudgeShock(ctx context.Context, snap types.ShockSnapshot) (bool, error)
	// JudgeRecovery returns true when re-entry is safe.
	JudgeRecovery(ctx context.Context, snap types.ShockSnapshot) (bool, error)
}

// Liquidator is the slice of the position manager the watcher needs.
type Liquidator interface {
	EmergencyLiquidate(ctx context.Context)
}

// Watcher runs the shock loop.
type Watcher struct {
	store      *state.Store
	sampler    Sampler
	adjudicate Adjudicator
	liquidator Liquidator
	notifier   notify.Notifier
	cfg        config.WatcherConfig
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex // guards the fields below against API readers
	recovery     types.RecoveryState
	declaredAt   time.Time // when risk-off was declared; starts the watch clock
	calmSince    time.Time // first WATCHING sample with fewer than 2 triggers
	lastSnapshot types.ShockSnapshot
}

// New creates a watcher.
func New(store *state.Store, sampler Sampler, adj Adjudicator, liq Liquidator, notifier notify.Notifier, cfg config.WatcherConfig, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:      store,
		sampler:    sampler,
		adjudicate: adj,
		liquidator: liq,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.With("component", "watcher"),
		now:        time.Now,
		sleep:      sleepCtx,
		recovery:   types.RecoveryNone,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run evaluates on the configured cadence until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Evaluate(ctx)
		}
	}
}

// RecoveryState returns the current state-machine position.
func (w *Watcher) RecoveryState() types.RecoveryState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recovery
}

// LastSnapshot returns the most recent trigger evaluation, for the status API.
func (w *Watcher) LastSnapshot() types.ShockSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSnapshot
}

func (w *Watcher) setRecovery(s types.RecoveryState) {
	w.mu.Lock()
	w.recovery = s
	w.mu.Unlock()
}

// Evaluate runs one watcher cycle: derive triggers, confirm, adjudicate,
// and drive the recovery machine.
func (w *Watcher) Evaluate(ctx context.Context) {
	snap, err := w.sampler.Sample(ctx)
	if err != nil {
		w.logger.Warn("macro sample failed", "error", err)
		return
	}
	snap.Triggers = w.deriveTriggers(snap)
	snap.Time = w.now()
	w.mu.Lock()
	w.lastSnapshot = snap
	w.mu.Unlock()

	if w.store.RiskOff() {
		w.advanceRecovery(ctx, snap)
		return
	}

	if snap.TriggerCount() < 2 {
		return
	}
	w.handleShock(ctx, snap)
}

// deriveTriggers applies the four threshold checks.
func (w *Watcher) deriveTriggers(s types.ShockSnapshot) []string {
	var out []string
	if s.VIXChangePct >= w.cfg.VIXSurgePct {
		out = append(out, types.TriggerVIXSurge)
	}
	if s.KospiChangePct <= -w.cfg.KospiDropPct {
		out = append(out, types.TriggerKospiDrop)
	}
	if s.USDKRWMoveWon >= w.cfg.FXMoveWon || s.USDKRWMoveWon <= -w.cfg.FXMoveWon {
		out = append(out, types.TriggerFXSurge)
	}
	if s.LargeCapDownTen >= w.cfg.LargeCapDownMin {
		out = append(out, types.TriggerMarketDrop)
	}
	return out
}

// handleShock confirms the trigger picture after a wait, then adjudicates.
func (w *Watcher) handleShock(ctx context.Context, first types.ShockSnapshot) {
	w.logger.Warn("shock triggers fired, confirming",
		"triggers", first.Triggers, "wait", w.cfg.ConfirmWait)
	if err := w.sleep(ctx, w.cfg.ConfirmWait); err != nil {
		return
	}

	confirm, err := w.sampler.Sample(ctx)
	if err != nil {
		w.logger.Warn("confirmation sample failed", "error", err)
		return
	}
	confirm.Triggers = w.deriveTriggers(confirm)
	confirm.Time = w.now()
	if confirm.TriggerCount() < 2 {
		w.logger.Info("shock not confirmed", "triggers", confirm.Triggers)
		return
	}

	riskOff, err := w.adjudicate.JudgeShock(ctx, confirm)
	if err != nil {
		// Conservative branch: an unreachable judge means assume the worst.
		w.logger.Error("shock adjudication failed, assuming risk-off", "error", err)
		metrics.LLMCallsTotal.WithLabelValues("error").Inc()
		riskOff = true
	} else if riskOff {
		metrics.LLMCallsTotal.WithLabelValues("yes").Inc()
	} else {
		metrics.LLMCallsTotal.WithLabelValues("no").Inc()
	}

	if !riskOff {
		w.store.UpdateRiskParams(func(r *types.RiskParams) {
			r.RiskLevel = types.RiskHigh
			r.PyramidingAllowed = false
		})
		metrics.SetRiskLevel(string(types.RiskHigh))
		w.store.RecordRiskEvent("SHOCK_HIGH", fmt.Sprintf("triggers %v, adjudicated hold", confirm.Triggers))
		w.notifier.Send(ctx, fmt.Sprintf("⚠ market shock (%v): holding, risk HIGH, pyramiding off", confirm.Triggers))
		return
	}
	w.declareRiskOff(ctx, confirm)
}

// declareRiskOff flips the engine into Risk-Off and liquidates.
func (w *Watcher) declareRiskOff(ctx context.Context, snap types.ShockSnapshot) {
	w.setRecovery(types.RecoveryNone)
	w.declaredAt = w.now()
	w.calmSince = time.Time{}

	w.store.SetRiskOff(true)
	w.store.UpdateRiskParams(func(r *types.RiskParams) {
		r.RiskLevel = types.RiskCritical
		r.PyramidingAllowed = false
		r.EmergencyLiquidate = true
	})
	metrics.SetRiskLevel(string(types.RiskCritical))
	w.store.RecordRiskEvent("RISK_OFF_DECLARED", fmt.Sprintf("triggers %v", snap.Triggers))
	w.notifier.Send(ctx, fmt.Sprintf("🚨 RISK-OFF declared (%v): liquidating", snap.Triggers))
	w.liquidator.EmergencyLiquidate(ctx)
}

// advanceRecovery drives NONE → WATCHING → RECOVERED while risk-off holds.
// The watch clock runs from the declaration, not from the first calm sample:
// the triggers are daily-change based and can stay elevated for hours after
// the shock itself has passed.
func (w *Watcher) advanceRecovery(ctx context.Context, snap types.ShockSnapshot) {
	now := w.now()

	if w.recovery == types.RecoveryRecovered {
		// Risk-off is set again without a fresh declaration (the daily-loss
		// circuit flips it directly); restart the watch from here.
		w.setRecovery(types.RecoveryNone)
		w.declaredAt = now
	}

	if w.recovery == types.RecoveryNone {
		if w.declaredAt.IsZero() {
			w.declaredAt = now
		}
		if now.Sub(w.declaredAt) < w.cfg.RecoveryAfter {
			return
		}
		w.setRecovery(types.RecoveryWatching)
		w.calmSince = time.Time{}
		w.logger.Info("recovery watch started", "since_declaration", now.Sub(w.declaredAt))
		return
	}

	if snap.TriggerCount() >= 2 {
		// Still stormy; the calm cycle restarts.
		w.calmSince = time.Time{}
		return
	}
	if w.calmSince.IsZero() {
		// Fewer than 2 triggers must hold for one full cycle before the
		// adjudicator is consulted.
		w.calmSince = now
		return
	}

	if w.store.ReentryCount() >= w.cfg.MaxReentries {
		// Third strike: stay risk-off for the rest of the session.
		if w.store.MarkEmittedOnce("reentry_cap") {
			w.store.RecordRiskEvent("REENTRY_CAP", "recovery re-entries exhausted, risk-off for the day")
			w.notifier.Send(ctx, "🛑 re-entry cap reached: risk-off until the close")
		}
		return
	}

	recovered, err := w.adjudicate.JudgeRecovery(ctx, snap)
	if err != nil {
		// Conservative branch for recovery is NO.
		w.logger.Warn("recovery adjudication failed, staying risk-off", "error", err)
		metrics.LLMCallsTotal.WithLabelValues("error").Inc()
		return
	}
	if !recovered {
		metrics.LLMCallsTotal.WithLabelValues("no").Inc()
		return
	}
	metrics.LLMCallsTotal.WithLabelValues("yes").Inc()

	w.setRecovery(types.RecoveryRecovered)
	w.declaredAt = time.Time{}
	w.calmSince = time.Time{}
	w.store.SetRiskOff(false)
	w.store.UpdateRiskParams(func(r *types.RiskParams) {
		r.RiskLevel = types.RiskHigh
		r.PyramidingAllowed = false
		r.EmergencyLiquidate = false
	})
	metrics.SetRiskLevel(string(types.RiskHigh))
	w.store.SetFractionOverride(0.6)
	n := w.store.IncrementReentry()
	w.store.RecordRiskEvent("RECOVERED", fmt.Sprintf("re-entry %d of %d", n, w.cfg.MaxReentries))
	w.notifier.Send(ctx, fmt.Sprintf("✅ recovery confirmed: trading resumes at 0.6× size (re-entry %d/%d)", n, w.cfg.MaxReentries))
}
