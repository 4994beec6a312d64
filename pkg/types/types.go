// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order and quote
// shapes, positions, watchlist entries, and the risk/regime enums. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderKind enumerates the KRX order divisions the engine uses.
// The string values are the broker's ord_dvsn codes.
type OrderKind string

const (
	OrderLimit     OrderKind = "00" // limit, good for the day
	OrderMarket    OrderKind = "01" // market
	OrderIOCLimit  OrderKind = "11" // immediate-or-cancel limit
	OrderIOCMarket OrderKind = "13" // immediate-or-cancel market
)

// OrderState is the normalized fill status of a broker order.
type OrderState string

const (
	OrderPending OrderState = "PENDING"
	OrderPartial OrderState = "PARTIAL"
	OrderFilled  OrderState = "FILLED"
	OrderUnknown OrderState = "UNKNOWN"
	OrderError   OrderState = "ERROR"
)

// RiskLevel is the engine-wide risk posture held in the risk params.
// CRITICAL blocks new entries; it is set by broker connectivity failures
// or a confirmed market shock.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "NORMAL"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// MacroRisk is the macro agent's top-level go/no-go switch.
type MacroRisk string

const (
	MacroRiskOn  MacroRisk = "ON"
	MacroRiskOff MacroRisk = "OFF"
)

// UrgentAction is the macro agent's requested immediate action.
type UrgentAction string

const (
	UrgentNone    UrgentAction = "NONE"
	UrgentReduce  UrgentAction = "REDUCE"
	UrgentExitAll UrgentAction = "EXIT_ALL"
)

// RegimeLabel classifies the macro environment.
type RegimeLabel string

const (
	RegimeRiskOn  RegimeLabel = "risk_on"
	RegimeNeutral RegimeLabel = "neutral"
	RegimeRiskOff RegimeLabel = "risk_off"
)

// RecoveryState tracks the market watcher's post-shock state machine.
type RecoveryState string

const (
	RecoveryNone      RecoveryState = "NONE"
	RecoveryWatching  RecoveryState = "WATCHING"
	RecoveryRecovered RecoveryState = "RECOVERED"
)

// Track identifies the position management track. Track 1 positions are
// intraday and force-closed at 15:10; Track 2 positions may be held
// overnight under their own exit rules. A position moves 1 → 2 at most
// once, only at the 14:30 evaluation, and never back.
type Track int

const (
	Track1 Track = 1
	Track2 Track = 2
)

// ExitReason labels why a position was closed. Written to the order log
// and the end-of-day report.
type ExitReason string

const (
	ExitStop           ExitReason = "EXIT_STOP"
	ExitTakeProfit     ExitReason = "EXIT_TAKE_PROFIT"
	ExitTimeStop       ExitReason = "EXIT_TIME_STOP"
	ExitForceClose     ExitReason = "EXIT_FORCE_CLOSE"
	ExitGapDown        ExitReason = "EXIT_GAP_DOWN"
	ExitTrack2Deadline ExitReason = "EXIT_TRACK2_DEADLINE"
	ExitEmergency      ExitReason = "EXIT_EMERGENCY"
	ExitDailyLoss      ExitReason = "EXIT_DAILY_LOSS"
)

// SkipReason explains why the strategist declined a candidate. Policy
// refusals are not errors; they are recorded on the signal log and
// summarized in the end-of-day report.
type SkipReason string

const (
	SkipOpeningRush      SkipReason = "opening_rush_block"
	SkipRegimeNeutral    SkipReason = "regime_neutral"
	SkipRiskOff          SkipReason = "risk_off"
	SkipDailyLossLimit   SkipReason = "daily_loss_limit"
	SkipAlreadyHeld      SkipReason = "already_held"
	SkipBlacklisted      SkipReason = "blacklisted"
	SkipMaxPositions     SkipReason = "max_positions"
	SkipNoAlignment      SkipReason = "no_alignment"
	SkipWeakIntensity    SkipReason = "weak_intensity"
	SkipBelowMinFraction SkipReason = "below_min_fraction"
	SkipZeroQty          SkipReason = "zero_qty"
	SkipStaleQuote       SkipReason = "stale_quote"
)

// Shock trigger names emitted by the market watcher.
const (
	TriggerVIXSurge   = "VIX_SURGE"
	TriggerKospiDrop  = "KOSPI_DROP"
	TriggerFXSurge    = "FX_SURGE"
	TriggerMarketDrop = "MARKET_DROP"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is a single trade print from the realtime feed.
type Tick struct {
	Code      string    // 6-digit issue code, e.g. "005930"
	Price     float64   // trade price in KRW
	Qty       int64     // trade quantity
	DayChange float64   // percent change vs previous close
	CumVolume int64     // cumulative session volume
	Time      time.Time // exchange timestamp (KST)
}

// Quote is a point-in-time market snapshot for one code. Never mutated
// after construction; a quote older than 30 s is unusable for new entries.
type Quote struct {
	Code      string
	LastPrice float64
	Ask1      float64 // best ask price
	Bid1      float64 // best bid price
	Volume    int64   // cumulative session volume
	Time      time.Time
}

// Bar is a single OHLCV bar. The engine keeps 1-minute bars and resamples
// them to 5- and 15-minute frames at slot boundaries.
type Bar struct {
	Time   time.Time // bar open time (KST)
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// EvalGrade is the scanner's letter grade. D and F must never appear in a
// live watchlist.
type EvalGrade string

// WatchlistEntry is one scanner candidate, pre-ranked. Owned by the
// scanner; read-only to the core.
type WatchlistEntry struct {
	Code              string    `json:"code"`
	Name              string    `json:"name"`
	EvalGrade         EvalGrade `json:"eval_grade"` // A+, A, B, C
	EvalScore         int       `json:"eval_score"`
	SuggestedFraction float64   `json:"suggested_position_fraction"` // 0..1
	Sector            string    `json:"sector"`
	EntryATR          float64   `json:"entry_atr"` // 14-period ATR, won
	DayReturnPct      float64   `json:"day_return_pct"`
	VolRatio          float64   `json:"vol_ratio"` // volume vs 20-day average
	Catalyst          string    `json:"catalyst,omitempty"`
	ADV               int64     `json:"adv"` // average daily volume, shares
	PrevClose         float64   `json:"prev_close"`
}

// RegimeSnapshot is the macro agent's morning assessment. Owned by the
// macro agent; read-only to the core. When absent, the strategist assumes
// risk ON, no urgent action, and a neutral label.
type RegimeSnapshot struct {
	Risk              MacroRisk          `json:"risk"`          // ON / OFF
	UrgentAction      UrgentAction       `json:"urgent_action"` // NONE / REDUCE / EXIT_ALL
	RegimeLabel       RegimeLabel        `json:"regime_label"`
	StrategyLabel     string             `json:"strategy_label,omitempty"` // e.g. "방어적", "공격적", "중립"
	PositionMult      float64            `json:"position_multiplier"`      // macro-suggested base multiplier
	SectorsFavored    []string           `json:"sectors_favored"`
	SectorsAvoid      []string           `json:"sectors_avoid"`
	SectorMultipliers map[string]float64 `json:"sector_multipliers"` // clamped to [0.5, 1.5] on read
	Kospi5dChangePct  float64            `json:"kospi_5d_change_pct"`
	USDKRWChangePct   float64            `json:"usd_krw_change_pct"`
	USDAboveMA20      bool               `json:"usd_above_ma20"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RiskParams is the fixed-shape risk posture block in the state store.
type RiskParams struct {
	RiskLevel           RiskLevel `json:"risk_level"`
	PyramidingAllowed   bool      `json:"pyramiding_allowed"`
	EmergencyLiquidate  bool      `json:"emergency_liquidate"`
	PositionPctOverride float64   `json:"position_pct_override,omitempty"` // 0 = unset
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is a live holding under lifecycle management. StopPrice and
// PeakPrice are persisted so a restart resumes with the tightest stop seen.
//
// Invariants: PeakPrice ≥ EntryPrice; StopPrice is monotonically
// non-decreasing once set; AvgCost only changes on pyramiding (weighted).
type Position struct {
	Code             string     `json:"code"`
	Name             string     `json:"name"`
	Qty              int64      `json:"qty"` // shares held
	QuantityFraction float64    `json:"quantity_fraction"`
	EntryPrice       float64    `json:"entry_price"` // executed average of the first entry
	AvgCost          float64    `json:"avg_cost"`
	EntryATR         float64    `json:"entry_atr"`
	StopPrice        float64    `json:"stop_price"`
	PeakPrice        float64    `json:"peak_price"`
	Track            Track      `json:"track"`
	PyramidCount     int        `json:"pyramid_count"` // 0..2
	EntryTime        time.Time  `json:"entry_timestamp"`
	EntryDate        string     `json:"entry_date"` // KST, "2006-01-02"
	HoldDays         int        `json:"hold_days"`  // business days held, updated pre-open
	PrevClose        float64    `json:"prev_close"` // prior session close, for gap checks
	LastPrice        float64    `json:"last_price"`
	Sector           string     `json:"sector,omitempty"`
	PromotedAt       *time.Time `json:"promoted_at,omitempty"` // Track-2 transition time
}

// UnrealizedPct returns the percent gain over average cost at the given price.
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.AvgCost <= 0 {
		return 0
	}
	return (price - p.AvgCost) / p.AvgCost * 100
}

// TrackInfo records a track decision for one code.
type TrackInfo struct {
	Track     Track     `json:"track"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// ClosedTrade records a completed round trip for reporting.
type ClosedTrade struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Qty       int64           `json:"qty"`
	AvgCost   float64         `json:"avg_cost"`
	ExitPrice float64         `json:"exit_price"`
	Reason    ExitReason      `json:"reason"`
	PnL       decimal.Decimal `json:"pnl"` // realized, KRW
	Track     Track           `json:"track"`
	ClosedAt  time.Time       `json:"closed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker requests and responses
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the engine-side order representation handed to the broker.
// Price is 0 for market orders.
type OrderRequest struct {
	Code  string
	Side  Side
	Kind  OrderKind
	Qty   int64
	Price float64
}

// OrderResult is the broker's acknowledgement of an accepted order.
type OrderResult struct {
	OrderID string // broker order number
	Time    time.Time
}

// OrderStatus reports fill progress for a single order.
type OrderStatus struct {
	OrderID      string
	Code         string
	FilledQty    int64
	RemainingQty int64
	AvgFillPrice float64
	State        OrderState
}

// CancelResult is returned by order cancellation.
type CancelResult struct {
	OrderID     string
	CanceledQty int64
}

// Holding is one line of the balance inquiry.
type Holding struct {
	Code         string
	Name         string
	Qty          int64
	AvgCost      float64
	CurrentPrice float64
	EvalPnL      decimal.Decimal
}

// Balance is the normalized account snapshot from the broker.
type Balance struct {
	Cash            decimal.Decimal // orderable cash, KRW
	TotalEvaluation decimal.Decimal // cash + holdings at market, KRW
	Holdings        []Holding
}

// ————————————————————————————————————————————————————————————————————————
// Watcher
// ————————————————————————————————————————————————————————————————————————

// RiskEvent is one entry of the day's risk timeline (regime blocks,
// shock declarations, recoveries, connectivity failures).
type RiskEvent struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"` // e.g. "NEUTRAL_REGIME_BLOCK", "RISK_OFF_DECLARED"
	Detail string    `json:"detail,omitempty"`
}

// ShockSnapshot is the market watcher's trigger evaluation at one instant.
type ShockSnapshot struct {
	VIXChangePct    float64   `json:"vix_change_pct"`   // vs prior close
	KospiChangePct  float64   `json:"kospi_change_pct"` // daily
	USDKRWMoveWon   float64   `json:"usd_krw_move_won"` // signed move in won
	LargeCapDownTen float64   `json:"large_cap_down_ten"`
	Triggers        []string  `json:"triggers"` // names of fired triggers
	Time            time.Time `json:"time"`
}

// TriggerCount returns how many shock conditions fired.
func (s ShockSnapshot) TriggerCount() int { return len(s.Triggers) }
