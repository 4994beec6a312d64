package engine

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"krx-momentum/internal/config"
	"krx-momentum/internal/krx"
	"krx-momentum/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, now time.Time) *Engine {
	t.Helper()
	cfg := &config.Config{
		DryRun: true,
		Store:  config.StoreConfig{DataDir: t.TempDir()},
		Executor: config.ExecutorConfig{
			Stage1Ticks: 3, Stage2Ticks: 5,
			OrderLogQueueSize: 8,
		},
		Strategy: config.StrategyConfig{
			BaseFraction: 0.20, MinFraction: 0.02, MaxPositions: 5,
			TickInterval: 1500 * time.Millisecond,
		},
		Notify: config.NotifyConfig{QueueSize: 4},
	}
	e, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.now = func() time.Time { return now }
	t.Cleanup(e.Stop)
	return e
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadRegimeFresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, krx.KST)
	e := newTestEngine(t, now)
	writeJSON(t, filepath.Join(e.cfg.Store.DataDir, regimeFile), types.RegimeSnapshot{
		Risk:         types.MacroRiskOn,
		RegimeLabel:  types.RegimeRiskOn,
		PositionMult: 0.8,
		UpdatedAt:    now.Add(-30 * time.Minute),
	})

	e.loadRegime()

	r, ok := e.store.Regime()
	if !ok {
		t.Fatal("regime not stored")
	}
	if r.PositionMult != 0.8 || r.RegimeLabel != types.RegimeRiskOn {
		t.Errorf("regime = %+v", r)
	}
}

func TestLoadRegimeStaleCleared(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, krx.KST)
	e := newTestEngine(t, now)

	// Yesterday's regime is already in the store and on disk.
	e.store.SetRegime(types.RegimeSnapshot{RegimeLabel: types.RegimeRiskOn})
	writeJSON(t, filepath.Join(e.cfg.Store.DataDir, regimeFile), types.RegimeSnapshot{
		RegimeLabel: types.RegimeRiskOn,
		UpdatedAt:   now.Add(-24 * time.Hour),
	})

	e.loadRegime()

	if _, ok := e.store.Regime(); ok {
		t.Error("stale regime should have been cleared")
	}
}

func TestLoadRegimeMissingCleared(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, krx.KST)
	e := newTestEngine(t, now)
	e.store.SetRegime(types.RegimeSnapshot{RegimeLabel: types.RegimeRiskOn})

	e.loadRegime()

	if _, ok := e.store.Regime(); ok {
		t.Error("regime should be cleared when no file is published")
	}
}

func TestLoadWatchlist(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 8, 30, 0, 0, krx.KST)
	e := newTestEngine(t, now)
	writeJSON(t, filepath.Join(e.cfg.Store.DataDir, watchlistFile), watchlistDoc{
		GeneratedAt: now,
		Entries: []types.WatchlistEntry{
			{Code: "005930", EvalGrade: "A", EvalScore: 82, SuggestedFraction: 0.8},
			{Code: "000660", EvalGrade: "B", EvalScore: 65, SuggestedFraction: 0.5},
		},
		Intensity: map[string]float64{"005930": 1.2},
	})

	e.loadWatchlist()

	wl := e.store.Watchlist()
	if len(wl) != 2 || wl[0].Code != "005930" {
		t.Fatalf("watchlist = %+v", wl)
	}
	if score, ok := e.store.Intensity("005930"); !ok || score != 1.2 {
		t.Errorf("intensity = %v, %v", score, ok)
	}
	if !e.subscribed["005930"] || !e.subscribed["000660"] {
		t.Error("watchlist codes not subscribed")
	}
}

func TestMacroReadyRollsTheDay(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 6, 0, 0, 0, krx.KST)
	e := newTestEngine(t, now)

	e.store.ResetForNewDay("2026-03-09")
	e.store.RecordSkip(types.SkipRiskOff)
	e.store.AddPosition(types.Position{
		Code: "035420", Qty: 30, AvgCost: 210000, Track: types.Track2,
		EntryTime: time.Date(2026, 3, 6, 9, 40, 0, 0, krx.KST), // Friday
	})

	e.onMacroReady()

	if got := e.store.Day(); got != "2026-03-10" {
		t.Errorf("Day = %q", got)
	}
	if counts := e.store.SkipCounts(); len(counts) != 0 {
		t.Errorf("skip counts survived rollover: %v", counts)
	}
	pos, _ := e.store.Position("035420")
	// Friday entry to Tuesday morning spans Monday and Tuesday.
	if pos.HoldDays != 2 {
		t.Errorf("HoldDays = %d, want 2", pos.HoldDays)
	}
}

func TestMarketCloseRecordsPrevClose(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 15, 30, 0, 0, krx.KST)
	e := newTestEngine(t, now)
	e.store.AddPosition(types.Position{
		Code: "005930", Qty: 55, AvgCost: 72300, Track: types.Track2,
		LastPrice: 74100, EntryTime: now.Add(-5 * time.Hour),
	})

	e.onMarketClose()

	pos, _ := e.store.Position("005930")
	if pos.PrevClose != 74100 {
		t.Errorf("PrevClose = %v, want 74100", pos.PrevClose)
	}
}
