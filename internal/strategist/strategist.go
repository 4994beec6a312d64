// Package strategist runs the per-tick trading cycle: risk gates, the
// regime-adjusted position multiplier, the exit pass over open positions,
// and the entry pass over the scanner watchlist.
//
// The cycle is deliberately sequential — gates, exits, entries — so that a
// risk-off flip or a daily-loss breach observed at the top of the cycle
// always suppresses the entries at the bottom of the same cycle.
package strategist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"krx-momentum/internal/broker"
	"krx-momentum/internal/config"
	"krx-momentum/internal/executor"
	"krx-momentum/internal/krx"
	"krx-momentum/internal/metrics"
	"krx-momentum/internal/notify"
	"krx-momentum/internal/position"
	"krx-momentum/internal/signals"
	"krx-momentum/internal/state"
	"krx-momentum/pkg/types"
)

// defaultMacroMult is the multiplier applied when the macro agent has not
// published a regime yet. Half size until the morning assessment lands.
const defaultMacroMult = 0.5

// entryOpen is when entries unlock; ticks before 09:20 manage exits only.
var entryOpen = [2]int{9, 20}

// timeOfDayWeights maps HHMM boundaries to sizing weights; the largest
// boundary at or before the current time applies.
var timeOfDayWeights = []struct {
	hour, min int
	weight    float64
}{
	{9, 20, 0.5},
	{9, 30, 0.8},
	{10, 0, 1.0},
	{10, 30, 0.9},
	{11, 0, 0.7},
	{11, 30, 0.6},
	{13, 0, 0.7},
}

// Strategist owns the tick cycle.
type Strategist struct {
	store    *state.Store
	exec     *executor.Executor
	manager  *position.Manager
	signals  *signals.Engine
	quotes   broker.QuoteSource
	notifier notify.Notifier
	cfg      config.StrategyConfig
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the strategist.
func New(store *state.Store, exec *executor.Executor, mgr *position.Manager, sig *signals.Engine, quotes broker.QuoteSource, notifier notify.Notifier, cfg config.StrategyConfig, logger *slog.Logger) *Strategist {
	return &Strategist{
		store:    store,
		exec:     exec,
		manager:  mgr,
		signals:  sig,
		quotes:   quotes,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "strategist"),
		now:      time.Now,
	}
}

// Tick runs one full cycle.
func (s *Strategist) Tick(ctx context.Context) {
	now := s.now()

	regime, haveRegime := s.store.Regime()
	if haveRegime && regime.UrgentAction == types.UrgentExitAll {
		if s.store.MarkEmittedOnce("urgent_exit_all") {
			s.store.RecordRiskEvent("URGENT_EXIT_ALL", "macro agent ordered full liquidation")
			s.notifier.Send(ctx, "🚨 macro EXIT_ALL: liquidating everything")
		}
		s.manager.EmergencyLiquidate(ctx)
		return
	}

	if s.store.DailyLossBreached(s.cfg.DailyLossLimitPct) {
		// The sweep runs once; the exit pass below keeps managing anything
		// it could not close. Entries stay blocked by the risk-off flip.
		s.manager.LiquidateOnDailyLoss(ctx)
	}

	s.exitPass(ctx)

	if !s.entriesAllowed(ctx, now, regime, haveRegime) {
		return
	}

	mult, maxPositions := s.effectiveMultiplier(regime, haveRegime)
	s.entryPass(ctx, now, regime, mult, maxPositions)
}

// exitPass runs lifecycle management over every open position.
func (s *Strategist) exitPass(ctx context.Context) {
	for code := range s.store.Positions() {
		tick, ok := s.quotes.LatestTick(code)
		if !ok {
			continue
		}
		s.manager.ManageTick(ctx, code, tick.Price)
	}
}

// entriesAllowed applies the cycle-wide gates that block all entries.
func (s *Strategist) entriesAllowed(ctx context.Context, now time.Time, regime types.RegimeSnapshot, haveRegime bool) bool {
	if s.store.RiskOff() {
		s.recordSkip(types.SkipRiskOff)
		return false
	}
	if s.store.RiskParams().RiskLevel == types.RiskCritical {
		s.recordSkip(types.SkipRiskOff)
		return false
	}
	if haveRegime && regime.Risk == types.MacroRiskOff {
		s.recordSkip(types.SkipRiskOff)
		return false
	}
	if neutralRegime(regime, haveRegime) {
		if s.store.MarkEmittedOnce("neutral_regime_block") {
			s.store.RecordRiskEvent("NEUTRAL_REGIME_BLOCK", "neutral regime, entries disabled")
			s.logger.Info("neutral regime, entries blocked for the day cycle")
		}
		s.recordSkip(types.SkipRegimeNeutral)
		return false
	}
	if now.Before(krx.At(now, entryOpen[0], entryOpen[1], 0)) {
		s.recordSkip(types.SkipOpeningRush)
		return false
	}
	return true
}

// neutralRegime reports whether the regime blocks entries outright: an
// explicit neutral label, the "중립" strategy label, or no regime at all.
func neutralRegime(regime types.RegimeSnapshot, haveRegime bool) bool {
	if !haveRegime {
		return true
	}
	return regime.RegimeLabel == types.RegimeNeutral || regime.StrategyLabel == "중립"
}

// effectiveMultiplier folds the regime filters into the macro position
// multiplier and the concurrent-position cap.
func (s *Strategist) effectiveMultiplier(regime types.RegimeSnapshot, haveRegime bool) (float64, int) {
	mult := defaultMacroMult
	if haveRegime && regime.PositionMult > 0 {
		mult = regime.PositionMult
	}
	maxPositions := s.cfg.MaxPositions

	if !haveRegime {
		return mult, maxPositions
	}
	if regime.USDKRWChangePct > 0.5 {
		mult *= 0.7
	}
	if regime.Kospi5dChangePct >= 2.0 {
		mult *= 1.1
	}
	if boostActive(regime) {
		// The 3% boost replaces the 2% bump (net ×1.20) and widens the
		// position cap by one.
		mult *= 1.2 / 1.1
		maxPositions++
	}
	return mult, maxPositions
}

// entryPass walks the watchlist in scanner rank order, sizes each passing
// candidate, fans the buys out in parallel, and registers the fills.
func (s *Strategist) entryPass(ctx context.Context, now time.Time, regime types.RegimeSnapshot, macroMult float64, maxPositions int) {
	type candidate struct {
		entry    types.WatchlistEntry
		fraction float64
		req      executor.EntryRequest
	}
	var candidates []candidate

	open := s.store.PositionCount()
	for _, w := range s.store.Watchlist() {
		if open+len(candidates) >= maxPositions {
			s.recordSkip(types.SkipMaxPositions)
			break
		}
		if _, held := s.store.Position(w.Code); held {
			s.recordSkip(types.SkipAlreadyHeld)
			continue
		}
		if s.store.IsBlacklisted(w.Code) {
			s.recordSkip(types.SkipBlacklisted)
			continue
		}
		quote, ok := s.quotes.LatestQuote(w.Code)
		if !ok || quote.Ask1 <= 0 || now.Sub(quote.Time) > s.cfg.QuoteStaleAfter {
			s.recordSkip(types.SkipStaleQuote)
			continue
		}
		if s.signals.Alignment(ctx, w.Code) != signals.AlignUp {
			s.recordSkip(types.SkipNoAlignment)
			continue
		}
		if score, scored := s.store.Intensity(w.Code); scored && score < s.cfg.IntensityEntryMin {
			s.recordSkip(types.SkipWeakIntensity)
			continue
		}

		fraction := s.sizeFraction(now, regime, macroMult, w)
		if fraction < s.cfg.MinFraction {
			s.recordSkip(types.SkipBelowMinFraction)
			continue
		}
		equity := s.store.StartingEquity().InexactFloat64()
		qty := int64(equity * fraction / quote.Ask1)
		if qty <= 0 {
			s.recordSkip(types.SkipZeroQty)
			continue
		}
		candidates = append(candidates, candidate{
			entry:    w,
			fraction: fraction,
			req:      executor.EntryRequest{Code: w.Code, Qty: qty, Ask1: quote.Ask1},
		})
	}
	if len(candidates) == 0 {
		return
	}

	reqs := make([]executor.EntryRequest, len(candidates))
	for i, c := range candidates {
		reqs[i] = c.req
	}
	results := s.exec.EnterAll(ctx, reqs)

	for i, res := range results {
		c := candidates[i]
		if res.Filled <= 0 {
			s.logger.Warn("entry produced no fill", "code", c.entry.Code, "error", res.Err)
			continue
		}
		s.register(ctx, c.entry, c.fraction, res)
	}
	metrics.PositionsOpen.Set(float64(s.store.PositionCount()))
}

// register books a filled entry as a Track-1 position.
func (s *Strategist) register(ctx context.Context, w types.WatchlistEntry, fraction float64, res executor.BuyResult) {
	now := s.now()
	atr := w.EntryATR
	if atr <= 0 {
		if v, ok := s.signals.ATR(ctx, w.Code); ok {
			atr = v
		}
	}
	stop := res.AvgPrice
	if atr > 0 {
		stop = res.AvgPrice - atr*s.cfg.InitialStopATRMult
	}
	s.store.AddPosition(types.Position{
		Code:             w.Code,
		Name:             w.Name,
		Qty:              res.Filled,
		QuantityFraction: fraction,
		EntryPrice:       res.AvgPrice,
		AvgCost:          res.AvgPrice,
		EntryATR:         atr,
		StopPrice:        stop,
		PeakPrice:        res.AvgPrice,
		Track:            types.Track1,
		EntryTime:        now,
		EntryDate:        now.In(krx.KST).Format("2006-01-02"),
		PrevClose:        w.PrevClose,
		LastPrice:        res.AvgPrice,
		Sector:           w.Sector,
	})
	s.logger.Info("entered position",
		"code", w.Code, "qty", res.Filled, "avg_price", res.AvgPrice,
		"fraction", fraction, "stage", res.StageUsed)
	s.notifier.Send(ctx, fmt.Sprintf("🟢 entry %s(%s) ×%d @ %.0f (stage %d)",
		w.Name, w.Code, res.Filled, res.AvgPrice, res.StageUsed))
}

// sizeFraction runs the sizing pipeline for one candidate.
func (s *Strategist) sizeFraction(now time.Time, regime types.RegimeSnapshot, macroMult float64, w types.WatchlistEntry) float64 {
	final := s.cfg.BaseFraction * macroMult * w.SuggestedFraction *
		timeOfDayWeight(now) * eventMultiplier(w)

	final *= sectorMultiplier(regime, w.Sector)

	switch regime.StrategyLabel {
	case "방어적":
		final *= 0.5
	case "공격적":
		final *= 1.2
	}

	if o := s.store.FractionOverride(); o > 0 {
		final *= o
	}

	limit := s.cfg.BaseFraction
	if boostActive(regime) {
		limit *= 1.2
	}
	if final > limit {
		final = limit
	}
	return final
}

func boostActive(r types.RegimeSnapshot) bool {
	return r.Kospi5dChangePct >= 3.0 && r.USDAboveMA20
}

// timeOfDayWeight returns the step-table weight for now (largest boundary
// not after now). Before the first boundary entries are blocked anyway.
func timeOfDayWeight(now time.Time) float64 {
	w := timeOfDayWeights[0].weight
	for _, step := range timeOfDayWeights {
		if now.Before(krx.At(now, step.hour, step.min, 0)) {
			break
		}
		w = step.weight
	}
	return w
}

// eventMultiplier shrinks sizing for names that are red on the day without
// unusual volume behind them.
func eventMultiplier(w types.WatchlistEntry) float64 {
	if w.DayReturnPct < 0 && w.VolRatio < 3.0 {
		return 0.60
	}
	return 1.0
}

// sectorMultiplier reads the regime's per-sector weight, clamped to
// [0.5, 1.5]; absent sector or map means 1.0.
func sectorMultiplier(r types.RegimeSnapshot, sector string) float64 {
	if sector == "" || r.SectorMultipliers == nil {
		return 1.0
	}
	m, ok := r.SectorMultipliers[sector]
	if !ok {
		return 1.0
	}
	if m < 0.5 {
		return 0.5
	}
	if m > 1.5 {
		return 1.5
	}
	return m
}

func (s *Strategist) recordSkip(reason types.SkipReason) {
	s.store.RecordSkip(reason)
	metrics.EntriesSkippedTotal.WithLabelValues(string(reason)).Inc()
}
