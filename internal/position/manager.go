// Package position manages the lifecycle of open positions: trailing stops,
// take profit, time stops, pyramiding, Track-2 promotion and overnight
// handling, forced closes, and emergency liquidation.
//
// The manager owns no market data of its own. It reads positions from the
// state store, updates them through the store's invariant-enforcing patch
// API (stops only tighten, peaks only rise), and dispatches sells through
// the executor.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"krx-momentum/internal/config"
	"krx-momentum/internal/executor"
	"krx-momentum/internal/krx"
	"krx-momentum/internal/metrics"
	"krx-momentum/internal/notify"
	"krx-momentum/internal/signals"
	"krx-momentum/internal/state"
	"krx-momentum/pkg/types"
)

// Manager drives per-position decisions against the store and executor.
type Manager struct {
	store    *state.Store
	exec     *executor.Executor
	signals  *signals.Engine
	notifier notify.Notifier
	cfg      config.StrategyConfig
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a position manager.
func New(store *state.Store, exec *executor.Executor, sig *signals.Engine, notifier notify.Notifier, cfg config.StrategyConfig, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		exec:     exec,
		signals:  sig,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "position"),
		now:      time.Now,
	}
}

// ManageTick runs the per-tick lifecycle for one position: peak update,
// trailing stop, exit checks in precedence order, then pyramiding. Returns
// the exit reason when the position was closed this tick.
func (m *Manager) ManageTick(ctx context.Context, code string, last float64) (types.ExitReason, bool) {
	pos, ok := m.store.Position(code)
	if !ok || last <= 0 {
		return "", false
	}
	now := m.now()

	trailPct := m.cfg.TrailingStopPct
	if pos.Track == types.Track2 && pos.HoldDays >= 1 {
		trailPct = m.cfg.Track2TrailingPct
	}

	// Peak and effective stop first; the store clamps both monotonic.
	m.store.UpdatePosition(code, func(p *types.Position) {
		if last > p.PeakPrice {
			p.PeakPrice = last
		}
		trail := p.PeakPrice * (1 - trailPct)
		if trail > p.StopPrice {
			p.StopPrice = trail
		}
		p.LastPrice = last
	})
	pos, _ = m.store.Position(code)

	if reason, hit := m.exitReason(pos, last, now); hit {
		m.Close(ctx, code, reason)
		return reason, true
	}

	m.tryPyramid(ctx, pos, last, now)
	return "", false
}

// exitReason applies the exit checks in precedence order: effective stop
// beats take profit on the same tick; time stop comes last.
func (m *Manager) exitReason(pos types.Position, last float64, now time.Time) (types.ExitReason, bool) {
	if pos.StopPrice > 0 && last <= pos.StopPrice {
		return types.ExitStop, true
	}
	tp := krx.RoundDownToTick(pos.AvgCost * (1 + m.cfg.TakeProfitPct))
	if last >= tp {
		return types.ExitTakeProfit, true
	}
	if pos.Track == types.Track1 && krx.BusinessDaysHeld(pos.EntryTime, now) >= m.cfg.TimeStopDays {
		return types.ExitTimeStop, true
	}
	return "", false
}

// tryPyramid adds to a winner when all gates pass: count below the cap,
// before 15:00, global flag on, and price at least ATR×1.5 above entry.
func (m *Manager) tryPyramid(ctx context.Context, pos types.Position, last float64, now time.Time) {
	if pos.PyramidCount >= 2 || pos.EntryATR <= 0 {
		return
	}
	if !now.Before(krx.At(now, 15, 0, 0)) {
		return
	}
	if !m.store.RiskParams().PyramidingAllowed {
		return
	}
	if last < pos.EntryPrice+pos.EntryATR*m.cfg.PyramidTriggerATRMult {
		return
	}

	equity := m.store.StartingEquity()
	addFraction := pos.QuantityFraction * m.cfg.PyramidAddRatio
	addQty := int64(equity.InexactFloat64() * addFraction / last)
	if addQty <= 0 {
		return
	}

	ask := last
	if q, ok := m.exec.Quote(pos.Code); ok && q.Ask1 > 0 {
		ask = q.Ask1
	}
	res := m.exec.BuyStaged(ctx, pos.Code, addQty, ask)
	if res.Filled <= 0 {
		m.logger.Warn("pyramid add failed", "code", pos.Code, "error", res.Err)
		return
	}

	m.store.UpdatePosition(pos.Code, func(p *types.Position) {
		total := p.Qty + res.Filled
		p.AvgCost = (p.AvgCost*float64(p.Qty) + res.AvgPrice*float64(res.Filled)) / float64(total)
		p.Qty = total
		p.QuantityFraction += addFraction
		p.PyramidCount++
		// After an add, the stop jumps to just under the new average cost.
		if s := p.AvgCost * (1 - m.cfg.PyramidStopPct); s > p.StopPrice {
			p.StopPrice = s
		}
	})
	m.logger.Info("pyramided into position",
		"code", pos.Code, "add_qty", res.Filled, "avg_fill", res.AvgPrice, "count", pos.PyramidCount+1)
	m.notifier.Send(ctx, fmt.Sprintf("📈 pyramid add %s +%d @ %.0f", pos.Code, res.Filled, res.AvgPrice))
}

// Close market-sells the full position, books the realized P&L, and records
// the round trip.
func (m *Manager) Close(ctx context.Context, code string, reason types.ExitReason) {
	pos, ok := m.store.Position(code)
	if !ok {
		return
	}
	res, err := m.exec.SellMarket(ctx, code, pos.Qty)
	if err != nil {
		m.logger.Error("close failed", "code", code, "reason", reason, "error", err)
		m.notifier.Send(ctx, fmt.Sprintf("🚨 close failed %s (%s): %v", code, reason, err))
		return
	}
	exit := res.AvgPrice
	if exit <= 0 {
		exit = pos.LastPrice
	}

	pnl := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(pos.AvgCost)).
		Mul(decimal.NewFromInt(pos.Qty))
	total := m.store.AddRealizedPnL(pnl)
	m.store.RecordClosedTrade(types.ClosedTrade{
		Code: code, Name: pos.Name, Qty: pos.Qty,
		AvgCost: pos.AvgCost, ExitPrice: exit, Reason: reason,
		PnL: pnl, Track: pos.Track, ClosedAt: m.now(),
	})
	m.store.RemovePosition(code)

	metrics.ExitsTotal.WithLabelValues(string(reason)).Inc()
	metrics.PositionsOpen.Set(float64(m.store.PositionCount()))
	metrics.DailyRealizedPnL.Set(total.InexactFloat64())

	m.logger.Info("position closed",
		"code", code, "reason", reason, "qty", pos.Qty,
		"avg_cost", pos.AvgCost, "exit", exit, "pnl", pnl.StringFixed(0))
	m.notifier.Send(ctx, fmt.Sprintf("%s %s ×%d @ %.0f (P&L %s원)",
		reason, code, pos.Qty, exit, pnl.StringFixed(0)))
}

// EvaluateTrack2 runs the 14:30 promotion pass over Track-1 positions.
func (m *Manager) EvaluateTrack2(ctx context.Context) {
	positions := m.store.Positions()

	population := 0
	for _, p := range positions {
		if p.Track == types.Track2 {
			population++
		}
	}

	for code, pos := range positions {
		if pos.Track != types.Track1 {
			continue
		}
		if population >= m.cfg.Track2MaxPopulation {
			return
		}
		if !m.qualifiesForTrack2(ctx, pos) {
			continue
		}
		m.store.PromoteTrack2(code, m.now(), pos.LastPrice)
		population++
		m.logger.Info("promoted to track 2", "code", code, "pl_pct", pos.UnrealizedPct(pos.LastPrice))
		m.notifier.Send(ctx, fmt.Sprintf("⭐ Track-2 promotion: %s (P/L %.1f%%)",
			code, pos.UnrealizedPct(pos.LastPrice)))
	}
}

// qualifiesForTrack2 checks the promotion criteria: P/L, MA alignment,
// intensity, and a catalyst.
func (m *Manager) qualifiesForTrack2(ctx context.Context, pos types.Position) bool {
	pl := pos.UnrealizedPct(pos.LastPrice)
	if pl < 3.0 {
		return false
	}
	if m.signals.Alignment(ctx, pos.Code) != signals.AlignUp {
		return false
	}
	score, ok := m.store.Intensity(pos.Code)
	if !ok || score < m.cfg.IntensityTrack2Min {
		return false
	}
	return m.hasCatalyst(pos, pl)
}

func (m *Manager) hasCatalyst(pos types.Position, pl float64) bool {
	if pl >= 5.0 {
		return true
	}
	for _, w := range m.store.Watchlist() {
		if w.Code == pos.Code {
			return w.Catalyst != "" || w.EvalScore >= 70
		}
	}
	return false
}

// ForceCloseTrack1 market-sells every remaining Track-1 position. Runs at
// 15:10; Track-2 positions ride overnight.
func (m *Manager) ForceCloseTrack1(ctx context.Context) {
	for code, pos := range m.store.Positions() {
		if pos.Track != types.Track1 {
			continue
		}
		m.Close(ctx, code, types.ExitForceClose)
	}
}

// GapCheck runs once at the next open for overnight (Track-2) positions:
// a gap of −1% or worse against the prior close exits immediately.
func (m *Manager) GapCheck(ctx context.Context, code string, open float64) {
	pos, ok := m.store.Position(code)
	if !ok || pos.Track != types.Track2 || pos.HoldDays < 1 || pos.PrevClose <= 0 {
		return
	}
	if !m.store.MarkEmittedOnce("gap_check_" + code) {
		return
	}
	gapPct := (open - pos.PrevClose) / pos.PrevClose * 100
	if gapPct <= -1.0 {
		m.logger.Warn("gap-down exit", "code", code, "gap_pct", gapPct)
		m.Close(ctx, code, types.ExitGapDown)
	}
}

// Track2Deadline closes every overnight Track-2 position still open at
// 14:00 on its second day.
func (m *Manager) Track2Deadline(ctx context.Context) {
	for code, pos := range m.store.Positions() {
		if pos.Track != types.Track2 || pos.HoldDays < 1 {
			continue
		}
		m.Close(ctx, code, types.ExitTrack2Deadline)
	}
}

// EmergencyLiquidate market-sells everything and blacklists the codes for
// the rest of the session.
func (m *Manager) EmergencyLiquidate(ctx context.Context) {
	positions := m.store.Positions()
	if len(positions) == 0 {
		return
	}
	m.logger.Warn("emergency liquidation", "positions", len(positions))
	for code := range positions {
		m.Close(ctx, code, types.ExitEmergency)
		m.store.AddToBlacklist(code)
	}
}

// LiquidateOnDailyLoss exits everything with the daily-loss reason and
// flips risk-off. Called when realized P&L breaches the daily limit.
func (m *Manager) LiquidateOnDailyLoss(ctx context.Context) {
	if !m.store.MarkEmittedOnce("daily_loss_circuit") {
		return
	}
	m.store.SetRiskOff(true)
	m.store.RecordRiskEvent("DAILY_LOSS_CIRCUIT",
		fmt.Sprintf("realized %s원", m.store.DailyRealizedPnL().StringFixed(0)))
	m.notifier.Send(ctx, "🛑 daily loss limit hit: liquidating and halting entries")
	for code := range m.store.Positions() {
		m.Close(ctx, code, types.ExitDailyLoss)
	}
}
