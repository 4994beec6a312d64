// Package state is the engine's shared state store: positions, watchlist,
// regime, risk params, blacklist, intensity scores, and the day's counters.
//
// The store is the single owner of all mutable trading state. Every accessor
// returns a deep copy, so callers can never mutate shared state through a
// returned value; every mutator is serialized behind one mutex. After each
// mutation the store persists itself to <dir>/state.json using atomic file
// replacement (write to .tmp, then rename), so a mid-session restart resumes
// positions, stops, and risk posture.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"krx-momentum/pkg/types"
)

const stateFile = "state.json"

// document is the JSON shape persisted to disk.
type document struct {
	Day              string                        `json:"day"` // KST date the counters belong to
	Positions        map[string]types.Position     `json:"positions"`
	Watchlist        []types.WatchlistEntry        `json:"watchlist"`
	Regime           *types.RegimeSnapshot         `json:"regime,omitempty"`
	RiskParams       types.RiskParams              `json:"risk_params"`
	RiskOff          bool                          `json:"risk_off"`
	Blacklist        map[string]bool               `json:"blacklist"`
	Tracks           map[string]types.TrackInfo    `json:"tracks"`
	Intensity        map[string]float64            `json:"intensity"`
	DailyRealizedPnL decimal.Decimal               `json:"daily_realized_pnl"`
	StartingEquity   decimal.Decimal               `json:"starting_equity"`
	ReentryCount     int                           `json:"reentry_count"`
	FractionOverride float64                       `json:"fraction_override,omitempty"`
	SkipCounts       map[types.SkipReason]int      `json:"skip_counts"`
	ClosedTrades     []types.ClosedTrade           `json:"closed_trades"`
	RiskEvents       []types.RiskEvent             `json:"risk_events"`
	EmittedEvents    map[string]bool               `json:"emitted_events"` // once-per-day markers
}

// Store holds all mutable engine state behind a single mutex.
type Store struct {
	mu     sync.Mutex
	doc    document
	path   string
	logger *slog.Logger
}

// Open loads state.json from dir (creating dir if needed) or starts empty.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{
		path:   filepath.Join(dir, stateFile),
		logger: logger.With("component", "state"),
	}
	s.doc = emptyDocument()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	normalize(&s.doc)
	s.logger.Info("state restored", "positions", len(s.doc.Positions), "day", s.doc.Day)
	return s, nil
}

func emptyDocument() document {
	return document{
		Positions:     make(map[string]types.Position),
		Blacklist:     make(map[string]bool),
		Tracks:        make(map[string]types.TrackInfo),
		Intensity:     make(map[string]float64),
		SkipCounts:    make(map[types.SkipReason]int),
		EmittedEvents: make(map[string]bool),
		RiskParams: types.RiskParams{
			RiskLevel:         types.RiskNormal,
			PyramidingAllowed: true,
		},
	}
}

// normalize repairs nil maps after unmarshalling an older or partial file.
func normalize(d *document) {
	if d.Positions == nil {
		d.Positions = make(map[string]types.Position)
	}
	if d.Blacklist == nil {
		d.Blacklist = make(map[string]bool)
	}
	if d.Tracks == nil {
		d.Tracks = make(map[string]types.TrackInfo)
	}
	if d.Intensity == nil {
		d.Intensity = make(map[string]float64)
	}
	if d.SkipCounts == nil {
		d.SkipCounts = make(map[types.SkipReason]int)
	}
	if d.EmittedEvents == nil {
		d.EmittedEvents = make(map[string]bool)
	}
}

// persist writes the document atomically. Called with the lock held.
// Persistence failures are logged, never propagated into the trading path.
func (s *Store) persist() {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.logger.Error("marshal state", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Error("write state", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("rename state", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Positions returns a deep copy of the positions map.
func (s *Store) Positions() map[string]types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.Position, len(s.doc.Positions))
	for code, p := range s.doc.Positions {
		out[code] = copyPosition(p)
	}
	return out
}

// Position returns a copy of one position.
func (s *Store) Position(code string) (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Positions[code]
	if !ok {
		return types.Position{}, false
	}
	return copyPosition(p), true
}

// PositionCount returns the number of open positions.
func (s *Store) PositionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Positions)
}

// AddPosition registers a new position and persists.
func (s *Store) AddPosition(p types.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Positions[p.Code] = copyPosition(p)
	s.doc.Tracks[p.Code] = types.TrackInfo{Track: p.Track, Reason: "entry", DecidedAt: p.EntryTime}
	s.persist()
}

// UpdatePosition applies patch to the stored position under the lock.
// The invariants hold regardless of the caller: the stop never loosens,
// the peak never falls, and the track never goes back to 1.
func (s *Store) UpdatePosition(code string, patch func(*types.Position)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Positions[code]
	if !ok {
		return false
	}
	before := p
	patch(&p)
	if p.StopPrice < before.StopPrice {
		p.StopPrice = before.StopPrice
	}
	if p.PeakPrice < before.PeakPrice {
		p.PeakPrice = before.PeakPrice
	}
	if p.Track < before.Track {
		p.Track = before.Track
	}
	s.doc.Positions[code] = p
	s.persist()
	return true
}

// PromoteTrack2 flips a position to Track 2 and restarts its peak at the
// current price. This is the one sanctioned peak reset: the overnight trail
// measures from the promotion price, not the intraday high.
func (s *Store) PromoteTrack2(code string, at time.Time, price float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.doc.Positions[code]
	if !ok || p.Track == types.Track2 {
		return false
	}
	t := at
	p.Track = types.Track2
	p.PromotedAt = &t
	if price > 0 {
		p.PeakPrice = price
	}
	s.doc.Positions[code] = p
	s.doc.Tracks[code] = types.TrackInfo{Track: types.Track2, Reason: "track2_promotion", DecidedAt: at}
	s.persist()
	return true
}

// RemovePosition deletes a position (after its exit fill) and persists.
func (s *Store) RemovePosition(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.Positions, code)
	s.persist()
}

func copyPosition(p types.Position) types.Position {
	out := p
	if p.PromotedAt != nil {
		t := *p.PromotedAt
		out.PromotedAt = &t
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Watchlist and regime
// ————————————————————————————————————————————————————————————————————————

// Watchlist returns a copy of the current scanner output, in rank order.
func (s *Store) Watchlist() []types.WatchlistEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.WatchlistEntry, len(s.doc.Watchlist))
	copy(out, s.doc.Watchlist)
	return out
}

// SetWatchlist replaces the watchlist. D and F grades are dropped here so
// they can never reach the strategist.
func (s *Store) SetWatchlist(entries []types.WatchlistEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]types.WatchlistEntry, 0, len(entries))
	for _, e := range entries {
		if e.EvalGrade == "D" || e.EvalGrade == "F" {
			s.logger.Warn("dropping low-grade watchlist entry", "code", e.Code, "grade", e.EvalGrade)
			continue
		}
		kept = append(kept, e)
	}
	s.doc.Watchlist = kept
	s.persist()
}

// Regime returns the macro snapshot and whether one has been published.
// When absent, callers fall back to risk ON, no urgent action, neutral label.
func (s *Store) Regime() (types.RegimeSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Regime == nil {
		return types.RegimeSnapshot{}, false
	}
	return copyRegime(*s.doc.Regime), true
}

// SetRegime stores the macro snapshot, clamping sector multipliers to [0.5, 1.5].
func (s *Store) SetRegime(r types.RegimeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r = copyRegime(r)
	for k, v := range r.SectorMultipliers {
		if v < 0.5 {
			r.SectorMultipliers[k] = 0.5
		} else if v > 1.5 {
			r.SectorMultipliers[k] = 1.5
		}
	}
	s.doc.Regime = &r
	s.persist()
}

// ClearRegime drops the macro snapshot. Called at the day rollover when no
// fresh assessment has been published, so yesterday's regime cannot gate
// today's entries.
func (s *Store) ClearRegime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Regime = nil
	s.persist()
}

func copyRegime(r types.RegimeSnapshot) types.RegimeSnapshot {
	out := r
	out.SectorsFavored = append([]string(nil), r.SectorsFavored...)
	out.SectorsAvoid = append([]string(nil), r.SectorsAvoid...)
	if r.SectorMultipliers != nil {
		out.SectorMultipliers = make(map[string]float64, len(r.SectorMultipliers))
		for k, v := range r.SectorMultipliers {
			out.SectorMultipliers[k] = v
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Tracks, blacklist, intensity
// ————————————————————————————————————————————————————————————————————————

// Track returns the recorded track decision for a code.
func (s *Store) Track(code string) (types.TrackInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, ok := s.doc.Tracks[code]
	return ti, ok
}

// SetTrack records a track decision.
func (s *Store) SetTrack(code string, info types.TrackInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Tracks[code] = info
	s.persist()
}

// AddToBlacklist bars a code from re-entry for the rest of the session.
func (s *Store) AddToBlacklist(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Blacklist[code] = true
	s.persist()
}

// IsBlacklisted reports whether a code is barred this session.
func (s *Store) IsBlacklisted(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Blacklist[code]
}

// SetIntensity stores the externally computed trade-intensity score [0, 2].
func (s *Store) SetIntensity(code string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Intensity[code] = score
}

// Intensity returns the score and whether a usable (non-zero) reading exists.
func (s *Store) Intensity(code string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.doc.Intensity[code]
	if !ok || v == 0 {
		return 0, false
	}
	return v, true
}

// ————————————————————————————————————————————————————————————————————————
// Risk params and daily counters
// ————————————————————————————————————————————————————————————————————————

// RiskParams returns a copy of the risk posture block.
func (s *Store) RiskParams() types.RiskParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.RiskParams
}

// UpdateRiskParams applies patch to the risk params under the lock.
func (s *Store) UpdateRiskParams(patch func(*types.RiskParams)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	patch(&s.doc.RiskParams)
	s.persist()
}

// RiskOff reports the risk-off flag.
func (s *Store) RiskOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.RiskOff
}

// SetRiskOff sets the risk-off flag.
func (s *Store) SetRiskOff(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.RiskOff = v
	s.persist()
}

// StartingEquity returns the day's opening equity baseline.
func (s *Store) StartingEquity() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StartingEquity
}

// SetStartingEquity records the day's opening equity.
func (s *Store) SetStartingEquity(eq decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.StartingEquity = eq
	s.persist()
}

// AddRealizedPnL accumulates realized P&L and returns the new day total.
func (s *Store) AddRealizedPnL(d decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.DailyRealizedPnL = s.doc.DailyRealizedPnL.Add(d)
	s.persist()
	return s.doc.DailyRealizedPnL
}

// DailyRealizedPnL returns the day's realized P&L.
func (s *Store) DailyRealizedPnL() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.DailyRealizedPnL
}

// DailyLossBreached reports whether realized losses have reached limitPct
// (e.g. 0.03 for −3%) of the day's starting equity.
func (s *Store) DailyLossBreached(limitPct float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.StartingEquity.IsZero() {
		return false
	}
	limit := s.doc.StartingEquity.Mul(decimal.NewFromFloat(limitPct)).Neg()
	return s.doc.DailyRealizedPnL.LessThanOrEqual(limit)
}

// IncrementReentry bumps the recovery re-entry counter and returns it.
func (s *Store) IncrementReentry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ReentryCount++
	s.persist()
	return s.doc.ReentryCount
}

// ReentryCount returns the day's recovery re-entry count.
func (s *Store) ReentryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ReentryCount
}

// SetFractionOverride caps position sizing after a recovery (0 clears it).
func (s *Store) SetFractionOverride(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.FractionOverride = v
	s.persist()
}

// FractionOverride returns the recovery sizing override, 0 when unset.
func (s *Store) FractionOverride() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.FractionOverride
}

// ————————————————————————————————————————————————————————————————————————
// Day log: skips, closed trades, risk events
// ————————————————————————————————————————————————————————————————————————

// RecordSkip counts a policy refusal for the daily report.
func (s *Store) RecordSkip(reason types.SkipReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SkipCounts[reason]++
}

// SkipCounts returns a copy of the skip-reason histogram.
func (s *Store) SkipCounts() map[types.SkipReason]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.SkipReason]int, len(s.doc.SkipCounts))
	for k, v := range s.doc.SkipCounts {
		out[k] = v
	}
	return out
}

// RecordClosedTrade appends a completed round trip.
func (s *Store) RecordClosedTrade(ct types.ClosedTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.ClosedTrades = append(s.doc.ClosedTrades, ct)
	s.persist()
}

// ClosedTrades returns a copy of the day's completed round trips.
func (s *Store) ClosedTrades() []types.ClosedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ClosedTrade, len(s.doc.ClosedTrades))
	copy(out, s.doc.ClosedTrades)
	return out
}

// RecordRiskEvent appends to the day's risk timeline.
func (s *Store) RecordRiskEvent(kind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.RiskEvents = append(s.doc.RiskEvents, types.RiskEvent{Time: time.Now(), Kind: kind, Detail: detail})
	s.persist()
}

// RiskEvents returns a copy of the day's risk timeline.
func (s *Store) RiskEvents() []types.RiskEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RiskEvent, len(s.doc.RiskEvents))
	copy(out, s.doc.RiskEvents)
	return out
}

// MarkEmittedOnce returns true the first time key is marked today and
// false afterwards. Used for once-per-day events like NEUTRAL_REGIME_BLOCK.
func (s *Store) MarkEmittedOnce(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.EmittedEvents[key] {
		return false
	}
	s.doc.EmittedEvents[key] = true
	s.persist()
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Day rollover
// ————————————————————————————————————————————————————————————————————————

// ResetForNewDay clears session-scoped state at the pre-open event:
// blacklist, daily P&L, re-entry counter, skip counts, day logs, the
// once-per-day markers, and the risk posture. Open (Track-2) positions
// survive the rollover.
func (s *Store) ResetForNewDay(day string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Day == day {
		return
	}
	s.doc.Day = day
	s.doc.Blacklist = make(map[string]bool)
	s.doc.Intensity = make(map[string]float64)
	s.doc.SkipCounts = make(map[types.SkipReason]int)
	s.doc.EmittedEvents = make(map[string]bool)
	s.doc.ClosedTrades = nil
	s.doc.RiskEvents = nil
	s.doc.DailyRealizedPnL = decimal.Zero
	s.doc.ReentryCount = 0
	s.doc.FractionOverride = 0
	s.doc.RiskOff = false
	s.doc.RiskParams = types.RiskParams{
		RiskLevel:         types.RiskNormal,
		PyramidingAllowed: true,
	}
	s.persist()
	s.logger.Info("state reset for new day", "day", day, "carried_positions", len(s.doc.Positions))
}

// Day returns the KST date the session counters belong to.
func (s *Store) Day() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Day
}

// Snapshot is a read-only copy of the whole store for the status API.
type Snapshot struct {
	Day              string                     `json:"day"`
	Positions        map[string]types.Position  `json:"positions"`
	Watchlist        []types.WatchlistEntry     `json:"watchlist"`
	Regime           *types.RegimeSnapshot      `json:"regime,omitempty"`
	RiskParams       types.RiskParams           `json:"risk_params"`
	RiskOff          bool                       `json:"risk_off"`
	Blacklist        []string                   `json:"blacklist"`
	DailyRealizedPnL decimal.Decimal            `json:"daily_realized_pnl"`
	StartingEquity   decimal.Decimal            `json:"starting_equity"`
	ReentryCount     int                        `json:"reentry_count"`
	FractionOverride float64                    `json:"fraction_override,omitempty"`
	SkipCounts       map[types.SkipReason]int   `json:"skip_counts"`
	RiskEvents       []types.RiskEvent          `json:"risk_events"`
}

// Snapshot returns a deep copy of everything the status API exposes.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Day:              s.doc.Day,
		Positions:        make(map[string]types.Position, len(s.doc.Positions)),
		Watchlist:        append([]types.WatchlistEntry(nil), s.doc.Watchlist...),
		RiskParams:       s.doc.RiskParams,
		RiskOff:          s.doc.RiskOff,
		DailyRealizedPnL: s.doc.DailyRealizedPnL,
		StartingEquity:   s.doc.StartingEquity,
		ReentryCount:     s.doc.ReentryCount,
		FractionOverride: s.doc.FractionOverride,
		SkipCounts:       make(map[types.SkipReason]int, len(s.doc.SkipCounts)),
		RiskEvents:       append([]types.RiskEvent(nil), s.doc.RiskEvents...),
	}
	for code, p := range s.doc.Positions {
		snap.Positions[code] = copyPosition(p)
	}
	for k, v := range s.doc.SkipCounts {
		snap.SkipCounts[k] = v
	}
	for code := range s.doc.Blacklist {
		snap.Blacklist = append(snap.Blacklist, code)
	}
	if s.doc.Regime != nil {
		r := copyRegime(*s.doc.Regime)
		snap.Regime = &r
	}
	return snap
}
