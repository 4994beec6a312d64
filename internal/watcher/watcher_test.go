package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"krx-momentum/internal/config"
	"krx-momentum/internal/notify"
	"krx-momentum/internal/state"
	"krx-momentum/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testWatcherConfig() config.WatcherConfig {
	return config.WatcherConfig{
		Interval:        30 * time.Second,
		ConfirmWait:     60 * time.Second,
		VIXSurgePct:     20,
		KospiDropPct:    2,
		FXMoveWon:       15,
		LargeCapDownMin: 7,
		RecoveryAfter:   30 * time.Minute,
		MaxReentries:    3,
	}
}

// fakeSampler replays snapshots in sequence, repeating the last one.
type fakeSampler struct {
	snaps []types.ShockSnapshot
	idx   int
	err   error
}

func (f *fakeSampler) Sample(context.Context) (types.ShockSnapshot, error) {
	if f.err != nil {
		return types.ShockSnapshot{}, f.err
	}
	if f.idx < len(f.snaps) {
		s := f.snaps[f.idx]
		f.idx++
		return s, nil
	}
	if len(f.snaps) == 0 {
		return types.ShockSnapshot{}, nil
	}
	return f.snaps[len(f.snaps)-1], nil
}

// fakeJudge scripts the adjudicator.
type fakeJudge struct {
	shockVerdict    bool
	shockErr        error
	recoveryVerdict bool
	recoveryErr     error
	shockCalls      int
	recoveryCalls   int
}

func (f *fakeJudge) JudgeShock(context.Context, types.ShockSnapshot) (bool, error) {
	f.shockCalls++
	return f.shockVerdict, f.shockErr
}

func (f *fakeJudge) JudgeRecovery(context.Context, types.ShockSnapshot) (bool, error) {
	f.recoveryCalls++
	return f.recoveryVerdict, f.recoveryErr
}

type fakeLiquidator struct{ calls int }

func (f *fakeLiquidator) EmergencyLiquidate(context.Context) { f.calls++ }

func shockSnap() types.ShockSnapshot {
	return types.ShockSnapshot{VIXChangePct: 25, KospiChangePct: -2.5}
}

type fixture struct {
	store *state.Store
	w     *Watcher
	judge *fakeJudge
	liq   *fakeLiquidator
	now   time.Time
}

func newFixture(t *testing.T, sampler Sampler, judge *fakeJudge) *fixture {
	t.Helper()
	st, err := state.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	liq := &fakeLiquidator{}
	w := New(st, sampler, judge, liq, notify.Nop{}, testWatcherConfig(), testLogger())
	f := &fixture{store: st, w: w, judge: judge, liq: liq, now: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)}
	w.now = func() time.Time { return f.now }
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestDeriveTriggers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeSampler{}, &fakeJudge{})
	tests := []struct {
		name string
		snap types.ShockSnapshot
		want int
	}{
		{"calm", types.ShockSnapshot{}, 0},
		{"vix only", types.ShockSnapshot{VIXChangePct: 21}, 1},
		{"kospi drop", types.ShockSnapshot{KospiChangePct: -2.1}, 1},
		{"fx down move counts too", types.ShockSnapshot{USDKRWMoveWon: -16}, 1},
		{"breadth", types.ShockSnapshot{LargeCapDownTen: 7}, 1},
		{"all four", types.ShockSnapshot{VIXChangePct: 30, KospiChangePct: -3, USDKRWMoveWon: 20, LargeCapDownTen: 8}, 4},
	}
	for _, tt := range tests {
		if got := len(f.w.deriveTriggers(tt.snap)); got != tt.want {
			t.Errorf("%s: triggers = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSingleTriggerIsIgnored(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{{VIXChangePct: 25}}}
	judge := &fakeJudge{}
	f := newFixture(t, sampler, judge)

	f.w.Evaluate(context.Background())
	if judge.shockCalls != 0 {
		t.Error("adjudicator consulted on a single trigger")
	}
	if f.store.RiskOff() {
		t.Error("risk-off declared on a single trigger")
	}
}

func TestShockConfirmedAndAdjudicatedYes(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{shockSnap(), shockSnap()}}
	judge := &fakeJudge{shockVerdict: true}
	f := newFixture(t, sampler, judge)

	f.w.Evaluate(context.Background())

	if judge.shockCalls != 1 {
		t.Fatalf("shockCalls = %d, want 1", judge.shockCalls)
	}
	if !f.store.RiskOff() {
		t.Error("risk-off not declared")
	}
	if f.liq.calls != 1 {
		t.Errorf("liquidations = %d, want 1", f.liq.calls)
	}
	rp := f.store.RiskParams()
	if rp.RiskLevel != types.RiskCritical || rp.PyramidingAllowed {
		t.Errorf("risk params = %+v", rp)
	}
}

func TestShockNotConfirmedBySecondSample(t *testing.T) {
	t.Parallel()

	// Triggers clear during the confirmation wait.
	sampler := &fakeSampler{snaps: []types.ShockSnapshot{shockSnap(), {}}}
	judge := &fakeJudge{shockVerdict: true}
	f := newFixture(t, sampler, judge)

	f.w.Evaluate(context.Background())
	if judge.shockCalls != 0 {
		t.Error("adjudicator consulted after triggers cleared")
	}
	if f.store.RiskOff() {
		t.Error("risk-off declared without confirmation")
	}
}

func TestShockAdjudicatedNoGoesHigh(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{shockSnap(), shockSnap()}}
	judge := &fakeJudge{shockVerdict: false}
	f := newFixture(t, sampler, judge)

	f.w.Evaluate(context.Background())

	if f.store.RiskOff() {
		t.Error("risk-off declared against a NO verdict")
	}
	rp := f.store.RiskParams()
	if rp.RiskLevel != types.RiskHigh || rp.PyramidingAllowed {
		t.Errorf("risk params = %+v, want HIGH with pyramiding off", rp)
	}
	if f.liq.calls != 0 {
		t.Error("liquidated despite a NO verdict")
	}
}

func TestShockAdjudicatorErrorIsConservative(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{shockSnap(), shockSnap()}}
	judge := &fakeJudge{shockErr: errors.New("api down")}
	f := newFixture(t, sampler, judge)

	f.w.Evaluate(context.Background())
	if !f.store.RiskOff() {
		t.Error("adjudicator failure must declare risk-off")
	}
	if f.liq.calls != 1 {
		t.Error("liquidation missing on the conservative branch")
	}
}

func TestRecoveryMachine(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{{}}}
	judge := &fakeJudge{recoveryVerdict: true}
	f := newFixture(t, sampler, judge)
	f.store.SetRiskOff(true)

	// The first sample pins the watch clock.
	f.w.Evaluate(context.Background())
	if f.w.RecoveryState() != types.RecoveryNone {
		t.Fatalf("state = %v, want NONE before 30 minutes elapse", f.w.RecoveryState())
	}

	// 30 minutes after the declaration → WATCHING.
	f.now = f.now.Add(31 * time.Minute)
	f.w.Evaluate(context.Background())
	if f.w.RecoveryState() != types.RecoveryWatching {
		t.Fatalf("state = %v, want WATCHING", f.w.RecoveryState())
	}

	// One full calm cycle in WATCHING, then the judge → RECOVERED.
	f.w.Evaluate(context.Background())
	if judge.recoveryCalls != 0 {
		t.Fatalf("judge consulted before a full calm cycle")
	}
	f.w.Evaluate(context.Background())
	if f.w.RecoveryState() != types.RecoveryRecovered {
		t.Fatalf("state = %v, want RECOVERED", f.w.RecoveryState())
	}
	if f.store.RiskOff() {
		t.Error("risk_off still set after recovery")
	}
	rp := f.store.RiskParams()
	if rp.RiskLevel != types.RiskHigh || rp.PyramidingAllowed {
		t.Errorf("risk params = %+v, want HIGH with pyramiding off", rp)
	}
	if f.store.FractionOverride() != 0.6 {
		t.Errorf("fraction override = %v, want 0.6", f.store.FractionOverride())
	}
	if f.store.ReentryCount() != 1 {
		t.Errorf("reentry count = %d, want 1", f.store.ReentryCount())
	}
}

func TestRecoveryAdvancesWithLingeringTrigger(t *testing.T) {
	t.Parallel()

	// The VIX daily change stays elevated for hours after a shock. A single
	// lingering trigger must not hold the machine at NONE for the session.
	lingering := types.ShockSnapshot{VIXChangePct: 25}
	sampler := &fakeSampler{snaps: []types.ShockSnapshot{lingering}}
	judge := &fakeJudge{recoveryVerdict: true}
	f := newFixture(t, sampler, judge)
	f.w.declareRiskOff(context.Background(), shockSnap())

	f.now = f.now.Add(34 * time.Minute)
	f.w.Evaluate(context.Background())
	if f.w.RecoveryState() != types.RecoveryWatching {
		t.Fatalf("state = %v, want WATCHING 30 minutes after the declaration", f.w.RecoveryState())
	}

	f.w.Evaluate(context.Background()) // calm cycle: 1 trigger is fewer than 2
	f.w.Evaluate(context.Background()) // judge confirms

	if judge.recoveryCalls != 1 {
		t.Fatalf("recoveryCalls = %d, want 1", judge.recoveryCalls)
	}
	if f.w.RecoveryState() != types.RecoveryRecovered {
		t.Errorf("state = %v, want RECOVERED", f.w.RecoveryState())
	}
	if f.store.RiskOff() {
		t.Error("risk_off still set after recovery")
	}
}

func TestWatchingCalmCycleResetsWhenTriggersReturn(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{{}, {}, {}, shockSnap(), {}, {}}}
	judge := &fakeJudge{recoveryVerdict: true}
	f := newFixture(t, sampler, judge)
	f.store.SetRiskOff(true)

	f.w.Evaluate(context.Background()) // clock pinned
	f.now = f.now.Add(31 * time.Minute)
	f.w.Evaluate(context.Background()) // WATCHING
	f.w.Evaluate(context.Background()) // calm cycle starts
	f.w.Evaluate(context.Background()) // storm returns: calm cycle resets
	f.w.Evaluate(context.Background()) // calm again, one cycle required anew

	if judge.recoveryCalls != 0 {
		t.Errorf("recoveryCalls = %d, want 0 before a fresh full calm cycle", judge.recoveryCalls)
	}
	if f.w.RecoveryState() != types.RecoveryWatching {
		t.Errorf("state = %v, want WATCHING held through the storm", f.w.RecoveryState())
	}

	f.w.Evaluate(context.Background()) // calm held a full cycle: judge consulted
	if judge.recoveryCalls != 1 {
		t.Errorf("recoveryCalls = %d, want 1", judge.recoveryCalls)
	}
}

func TestRecoveryJudgeErrorStaysRiskOff(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{{}}}
	judge := &fakeJudge{recoveryErr: errors.New("api down")}
	f := newFixture(t, sampler, judge)
	f.store.SetRiskOff(true)

	f.w.Evaluate(context.Background())
	f.now = f.now.Add(31 * time.Minute)
	f.w.Evaluate(context.Background()) // WATCHING
	f.w.Evaluate(context.Background()) // calm cycle
	f.w.Evaluate(context.Background()) // judge errors

	if judge.recoveryCalls != 1 {
		t.Fatalf("recoveryCalls = %d, want 1", judge.recoveryCalls)
	}
	if !f.store.RiskOff() {
		t.Error("recovered despite a failing judge")
	}
	if f.w.RecoveryState() != types.RecoveryWatching {
		t.Errorf("state = %v, want WATCHING held", f.w.RecoveryState())
	}
}

func TestReentryCapHoldsRiskOff(t *testing.T) {
	t.Parallel()

	sampler := &fakeSampler{snaps: []types.ShockSnapshot{{}}}
	judge := &fakeJudge{recoveryVerdict: true}
	f := newFixture(t, sampler, judge)
	f.store.SetRiskOff(true)
	for i := 0; i < 3; i++ {
		f.store.IncrementReentry()
	}

	f.w.Evaluate(context.Background())
	f.now = f.now.Add(31 * time.Minute)
	f.w.Evaluate(context.Background()) // WATCHING
	f.w.Evaluate(context.Background()) // calm cycle
	f.w.Evaluate(context.Background()) // capped: no judge call

	if judge.recoveryCalls != 0 {
		t.Errorf("recoveryCalls = %d, want 0 at the cap", judge.recoveryCalls)
	}
	if !f.store.RiskOff() {
		t.Error("risk_off cleared past the re-entry cap")
	}
}

func TestWatchingRevertsRecoveryCalls(t *testing.T) {
	t.Parallel()

	// Judge says no: stay WATCHING, ask again next cycle.
	sampler := &fakeSampler{snaps: []types.ShockSnapshot{{}}}
	judge := &fakeJudge{recoveryVerdict: false}
	f := newFixture(t, sampler, judge)
	f.store.SetRiskOff(true)

	f.w.Evaluate(context.Background())
	f.now = f.now.Add(31 * time.Minute)
	f.w.Evaluate(context.Background()) // WATCHING
	f.w.Evaluate(context.Background()) // calm cycle
	f.w.Evaluate(context.Background())
	f.w.Evaluate(context.Background())

	if judge.recoveryCalls != 2 {
		t.Errorf("recoveryCalls = %d, want 2", judge.recoveryCalls)
	}
	if f.w.RecoveryState() != types.RecoveryWatching {
		t.Errorf("state = %v, want WATCHING", f.w.RecoveryState())
	}
}
