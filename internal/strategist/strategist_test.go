package strategist

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"krx-momentum/internal/config"
	"krx-momentum/internal/executor"
	"krx-momentum/internal/krx"
	"krx-momentum/internal/notify"
	"krx-momentum/internal/position"
	"krx-momentum/internal/signals"
	"krx-momentum/internal/state"
	"krx-momentum/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		BaseFraction:          0.20,
		MinFraction:           0.02,
		MaxPositions:          5,
		TakeProfitPct:         0.07,
		TrailingStopPct:       0.02,
		Track2TrailingPct:     0.05,
		InitialStopATRMult:    2.0,
		PyramidTriggerATRMult: 1.5,
		PyramidAddRatio:       0.30,
		PyramidStopPct:        0.03,
		TimeStopDays:          3,
		IntensityEntryMin:     0.70,
		IntensityTrack2Min:    0.60,
		Track2MaxPopulation:   2,
		QuoteStaleAfter:       30 * time.Second,
		DailyLossLimitPct:     0.03,
	}
}

// chartStub serves canned minute bars; orders never reach it (dry-run).
type chartStub struct {
	bars []types.Bar
}

func (c *chartStub) IssueOrder(context.Context, types.OrderRequest) (types.OrderResult, error) {
	return types.OrderResult{}, nil
}
func (c *chartStub) CancelOrder(context.Context, string) (types.CancelResult, error) {
	return types.CancelResult{}, nil
}
func (c *chartStub) InquireBalance(context.Context) (types.Balance, error) {
	return types.Balance{}, nil
}
func (c *chartStub) InquireOrderStatus(context.Context, string) (types.OrderStatus, error) {
	return types.OrderStatus{}, nil
}
func (c *chartStub) InquireMinuteBars(context.Context, string, int, string, int) ([]types.Bar, error) {
	return c.bars, nil
}
func (c *chartStub) SubscribeTrade(string) (<-chan types.Tick, error)  { return nil, nil }
func (c *chartStub) SubscribeQuote(string) (<-chan types.Quote, error) { return nil, nil }

// quoteBook serves per-code quotes and ticks.
type quoteBook struct {
	quotes map[string]types.Quote
	ticks  map[string]types.Tick
}

func (q *quoteBook) LatestQuote(code string) (types.Quote, bool) {
	v, ok := q.quotes[code]
	return v, ok
}
func (q *quoteBook) LatestTick(code string) (types.Tick, bool) {
	v, ok := q.ticks[code]
	return v, ok
}
func (q *quoteBook) TickSpeed(string) int { return 10 }

func risingBars(n int) []types.Bar {
	out := make([]types.Bar, n)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, krx.KST)
	for i := 0; i < n; i++ {
		c := 70000 + float64(i)*200
		out[i] = types.Bar{
			Time: base.Add(time.Duration(i) * 15 * time.Minute),
			Open: c, High: c + 100, Low: c - 100, Close: c, Volume: 1000,
		}
	}
	return out
}

type fixture struct {
	store *state.Store
	strat *Strategist
	book  *quoteBook
	now   time.Time
}

func (f *fixture) setNow(t time.Time) {
	f.now = t
	f.strat.now = func() time.Time { return f.now }
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := state.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	stub := &chartStub{bars: risingBars(20)}
	book := &quoteBook{quotes: map[string]types.Quote{}, ticks: map[string]types.Tick{}}
	olog, err := executor.NewOrderLog(t.TempDir(), 16, testLogger())
	if err != nil {
		t.Fatalf("NewOrderLog: %v", err)
	}
	exec := executor.New(stub, book, notify.Nop{}, olog,
		config.ExecutorConfig{Stage1Ticks: 3, Stage2Ticks: 5, TwapMaxSlices: 4}, true, testLogger())
	sig := signals.New(stub, testLogger())
	mgr := position.New(st, exec, sig, notify.Nop{}, testStrategyConfig(), testLogger())
	strat := New(st, exec, mgr, sig, book, notify.Nop{}, testStrategyConfig(), testLogger())

	f := &fixture{store: st, strat: strat, book: book}
	f.setNow(time.Date(2026, 3, 10, 10, 0, 0, 0, krx.KST))

	st.SetStartingEquity(decimal.NewFromInt(50_000_000))
	return f
}

func baseRegime() types.RegimeSnapshot {
	return types.RegimeSnapshot{
		Risk:         types.MacroRiskOn,
		UrgentAction: types.UrgentNone,
		RegimeLabel:  types.RegimeRiskOn,
		PositionMult: 0.5,
		UpdatedAt:    time.Now(),
	}
}

func (f *fixture) addCandidate(code string, ask float64, scannerFraction float64) {
	f.store.SetWatchlist(append(f.store.Watchlist(), types.WatchlistEntry{
		Code: code, Name: code, EvalGrade: "A", EvalScore: 80,
		SuggestedFraction: scannerFraction, EntryATR: 1000, PrevClose: ask,
	}))
	f.book.quotes[code] = types.Quote{
		Code: code, LastPrice: ask, Ask1: ask, Bid1: ask - 100, Time: f.now,
	}
}

func TestTickScenarioSizing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetRegime(baseRegime())
	f.addCandidate("005930", 72000, 0.8)

	f.strat.Tick(context.Background())

	pos, ok := f.store.Position("005930")
	if !ok {
		t.Fatalf("no position opened; skips = %v", f.store.SkipCounts())
	}
	// 0.20 × 0.5 × 0.8 × 1.0 = 0.08 of 50M = 4,000,000 / 72,000 → 55.
	if pos.Qty != 55 {
		t.Errorf("Qty = %d, want 55", pos.Qty)
	}
	// Dry-run stage-1 fill prices at ask1 + 3×tick(72000=100) = 72300.
	if pos.EntryPrice != 72300 {
		t.Errorf("EntryPrice = %v, want 72300", pos.EntryPrice)
	}
	if pos.Track != types.Track1 {
		t.Errorf("Track = %v, want 1", pos.Track)
	}
	// Initial stop: entry − ATR×2 = 72300 − 2000.
	if pos.StopPrice != 70300 {
		t.Errorf("StopPrice = %v, want 70300", pos.StopPrice)
	}
}

func TestOpeningRushBoundary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetRegime(baseRegime())

	// 09:19:59 — blocked.
	f.setNow(time.Date(2026, 3, 10, 9, 19, 59, 0, krx.KST))
	f.addCandidate("005930", 72000, 0.8)
	f.strat.Tick(context.Background())
	if _, ok := f.store.Position("005930"); ok {
		t.Fatal("entered at 09:19:59")
	}
	if f.store.SkipCounts()[types.SkipOpeningRush] == 0 {
		t.Error("opening_rush_block not recorded")
	}

	// 09:20:00 exactly — allowed.
	f.setNow(time.Date(2026, 3, 10, 9, 20, 0, 0, krx.KST))
	f.book.quotes["005930"] = types.Quote{Code: "005930", LastPrice: 72000, Ask1: 72000, Time: f.now}
	f.strat.Tick(context.Background())
	if _, ok := f.store.Position("005930"); !ok {
		t.Errorf("not entered at 09:20:00; skips = %v", f.store.SkipCounts())
	}
}

func TestNeutralRegimeBlocksWithOneEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := baseRegime()
	r.RegimeLabel = types.RegimeNeutral
	f.store.SetRegime(r)
	f.addCandidate("005930", 72000, 0.8)

	f.strat.Tick(context.Background())
	f.strat.Tick(context.Background())

	if _, ok := f.store.Position("005930"); ok {
		t.Error("entered under a neutral regime")
	}
	events := 0
	for _, e := range f.store.RiskEvents() {
		if e.Kind == "NEUTRAL_REGIME_BLOCK" {
			events++
		}
	}
	if events != 1 {
		t.Errorf("NEUTRAL_REGIME_BLOCK events = %d, want exactly 1", events)
	}
}

func TestMissingRegimeBlocksEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCandidate("005930", 72000, 0.8)

	f.strat.Tick(context.Background())
	if _, ok := f.store.Position("005930"); ok {
		t.Error("entered with no regime published")
	}
}

func TestRiskOffExitsOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetRegime(baseRegime())
	f.store.SetRiskOff(true)
	f.addCandidate("005930", 72000, 0.8)

	// An open position with its stop hit must still exit.
	f.store.AddPosition(types.Position{
		Code: "000660", Qty: 10, EntryPrice: 100000, AvgCost: 100000,
		StopPrice: 98000, PeakPrice: 100000, Track: types.Track1,
		EntryTime: f.now, LastPrice: 100000,
	})
	f.book.ticks["000660"] = types.Tick{Code: "000660", Price: 97000, Time: f.now}
	f.book.quotes["000660"] = types.Quote{Code: "000660", LastPrice: 97000, Bid1: 96900, Time: f.now}

	f.strat.Tick(context.Background())

	if _, ok := f.store.Position("005930"); ok {
		t.Error("entered while risk-off")
	}
	if _, ok := f.store.Position("000660"); ok {
		t.Error("stopped-out position survived the risk-off cycle")
	}
}

func TestDailyLossBreachKeepsManagingSurvivors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetRegime(baseRegime())

	// The breach sweep already ran on an earlier cycle; one position
	// survived it (its market close errored) and its stop is now hit.
	f.store.MarkEmittedOnce("daily_loss_circuit")
	f.store.SetRiskOff(true)
	f.store.SetStartingEquity(decimal.NewFromInt(50_000_000))
	f.store.AddRealizedPnL(decimal.NewFromInt(-2_000_000)) // −4%, past the 3% limit

	f.store.AddPosition(types.Position{
		Code: "000660", Qty: 10, EntryPrice: 100000, AvgCost: 100000,
		StopPrice: 98000, PeakPrice: 100000, Track: types.Track2,
		EntryTime: f.now, LastPrice: 100000,
	})
	f.book.ticks["000660"] = types.Tick{Code: "000660", Price: 97000, Time: f.now}
	f.book.quotes["000660"] = types.Quote{Code: "000660", LastPrice: 97000, Bid1: 96900, Time: f.now}

	f.strat.Tick(context.Background())

	if _, ok := f.store.Position("000660"); ok {
		t.Error("stop-hit position survived a post-breach cycle")
	}
	f.addCandidate("005930", 72000, 0.8)
	f.strat.Tick(context.Background())
	if _, ok := f.store.Position("005930"); ok {
		t.Error("entered after the daily-loss breach")
	}
}

func TestUrgentExitAllLiquidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := baseRegime()
	r.UrgentAction = types.UrgentExitAll
	f.store.SetRegime(r)
	f.store.AddPosition(types.Position{
		Code: "000660", Qty: 10, EntryPrice: 100000, AvgCost: 100000,
		StopPrice: 95000, PeakPrice: 100000, Track: types.Track1,
		EntryTime: f.now, LastPrice: 100000,
	})
	f.book.quotes["000660"] = types.Quote{Code: "000660", LastPrice: 100000, Time: f.now}

	f.strat.Tick(context.Background())

	if f.store.PositionCount() != 0 {
		t.Error("positions remain after EXIT_ALL")
	}
	if !f.store.IsBlacklisted("000660") {
		t.Error("liquidated code not blacklisted")
	}
}

func TestStaleQuoteSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetRegime(baseRegime())
	f.addCandidate("005930", 72000, 0.8)
	q := f.book.quotes["005930"]
	q.Time = f.now.Add(-time.Minute) // past the 30 s freshness bar
	f.book.quotes["005930"] = q

	f.strat.Tick(context.Background())
	if _, ok := f.store.Position("005930"); ok {
		t.Error("entered on a stale quote")
	}
	if f.store.SkipCounts()[types.SkipStaleQuote] == 0 {
		t.Error("stale_quote not recorded")
	}
}

func TestWeakIntensitySkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetRegime(baseRegime())
	f.addCandidate("005930", 72000, 0.8)
	f.store.SetIntensity("005930", 0.5)

	f.strat.Tick(context.Background())
	if _, ok := f.store.Position("005930"); ok {
		t.Error("entered below the intensity bar")
	}
	if f.store.SkipCounts()[types.SkipWeakIntensity] == 0 {
		t.Error("weak_intensity not recorded")
	}
}

func TestMaxPositionsRespected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetRegime(baseRegime())
	for i := 0; i < 5; i++ {
		code := string(rune('A'+i)) + "00000"
		f.store.AddPosition(types.Position{
			Code: code, Qty: 1, EntryPrice: 10000, AvgCost: 10000,
			StopPrice: 9000, PeakPrice: 10000, Track: types.Track1,
			EntryTime: f.now, LastPrice: 10000,
		})
	}
	f.addCandidate("005930", 72000, 0.8)

	f.strat.Tick(context.Background())
	if _, ok := f.store.Position("005930"); ok {
		t.Error("entered past the position cap")
	}
	if f.store.SkipCounts()[types.SkipMaxPositions] == 0 {
		t.Error("max_positions not recorded")
	}
}

func TestSizeFraction(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	at10 := time.Date(2026, 3, 10, 10, 0, 0, 0, krx.KST)
	w := types.WatchlistEntry{Code: "005930", SuggestedFraction: 0.8}

	tests := []struct {
		name   string
		regime types.RegimeSnapshot
		now    time.Time
		entry  types.WatchlistEntry
		want   float64
	}{
		{
			name:   "scenario anchor",
			regime: baseRegime(),
			now:    at10,
			entry:  w,
			want:   0.08,
		},
		{
			name: "usd weakness shrinks",
			regime: func() types.RegimeSnapshot {
				r := baseRegime()
				r.USDKRWChangePct = 0.8
				return r
			}(),
			now:   at10,
			entry: w,
			want:  0.08 * 0.7,
		},
		{
			name:   "late morning weight",
			regime: baseRegime(),
			now:    time.Date(2026, 3, 10, 11, 15, 0, 0, krx.KST),
			entry:  w,
			want:   0.08 * 0.7,
		},
		{
			name:   "red day low volume event multiplier",
			regime: baseRegime(),
			now:    at10,
			entry: types.WatchlistEntry{
				Code: "005930", SuggestedFraction: 0.8, DayReturnPct: -1.2, VolRatio: 1.5,
			},
			want: 0.08 * 0.60,
		},
		{
			name: "defensive label halves",
			regime: func() types.RegimeSnapshot {
				r := baseRegime()
				r.StrategyLabel = "방어적"
				return r
			}(),
			now:   at10,
			entry: w,
			want:  0.04,
		},
		{
			name: "sector multiplier clamped",
			regime: func() types.RegimeSnapshot {
				r := baseRegime()
				r.SectorMultipliers = map[string]float64{"반도체": 3.0}
				return r
			}(),
			now: at10,
			entry: types.WatchlistEntry{
				Code: "005930", SuggestedFraction: 0.8, Sector: "반도체",
			},
			want: 0.08 * 1.5,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mult, _ := f.strat.effectiveMultiplier(tt.regime, true)
			got := f.strat.sizeFraction(tt.now, tt.regime, mult, tt.entry)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("sizeFraction = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSizeFractionCapWithBoost(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := baseRegime()
	r.PositionMult = 1.0
	r.Kospi5dChangePct = 3.5
	r.USDAboveMA20 = true
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, krx.KST)
	w := types.WatchlistEntry{Code: "005930", SuggestedFraction: 1.0}

	mult, maxPositions := f.strat.effectiveMultiplier(r, true)
	if maxPositions != 6 {
		t.Errorf("maxPositions = %d, want 6 under the boost", maxPositions)
	}
	got := f.strat.sizeFraction(now, r, mult, w)
	// Raw 0.20 × 1.2 × 1.0 × 1.0 = 0.24, exactly the boosted cap.
	if diff := got - 0.24; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("sizeFraction = %v, want capped 0.24", got)
	}
}

func TestRecoveredOverrideShrinks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.store.SetFractionOverride(0.6)
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, krx.KST)
	r := baseRegime()
	w := types.WatchlistEntry{Code: "005930", SuggestedFraction: 0.8}

	mult, _ := f.strat.effectiveMultiplier(r, true)
	got := f.strat.sizeFraction(now, r, mult, w)
	if diff := got - 0.08*0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("sizeFraction = %v, want %v", got, 0.08*0.6)
	}
}

func TestTimeOfDayWeight(t *testing.T) {
	t.Parallel()

	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, krx.KST)
	}
	tests := []struct {
		at   time.Time
		want float64
	}{
		{day(9, 20), 0.5},
		{day(9, 29), 0.5},
		{day(9, 30), 0.8},
		{day(10, 0), 1.0},
		{day(10, 29), 1.0},
		{day(10, 30), 0.9},
		{day(11, 0), 0.7},
		{day(11, 30), 0.6},
		{day(12, 59), 0.6},
		{day(13, 0), 0.7},
		{day(15, 0), 0.7},
	}
	for _, tt := range tests {
		if got := timeOfDayWeight(tt.at); got != tt.want {
			t.Errorf("timeOfDayWeight(%s) = %v, want %v", tt.at.Format("15:04"), got, tt.want)
		}
	}
}
