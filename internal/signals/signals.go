// Package signals maintains per-code intraday bar buffers and derives the
// entry signals the strategist consumes: moving-average alignment on the
// 15-minute frame (with a 5-minute sanity check) and ATR for stop placement.
//
// Bars are built from realtime trade prints. When the in-memory buffer is
// cold — right after start, or for a code only just added to the watchlist —
// the engine falls back to the broker's minute-chart endpoint. A code with
// too little history is reported NEUTRAL: the strategist skips it instead of
// trading on a guess.
package signals

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/markcheno/go-talib"

	"krx-momentum/internal/broker"
	"krx-momentum/internal/krx"
	"krx-momentum/pkg/types"
)

// Alignment classifies the moving-average stack for a code.
type Alignment int

const (
	// AlignNeutral means not enough history to judge. Treated as a skip.
	AlignNeutral Alignment = iota
	// AlignUp means 15-min MA3 > MA8 > MA20 with the 5-min frame agreeing.
	AlignUp
	// AlignDown means the stack is not in bullish order.
	AlignDown
)

func (a Alignment) String() string {
	switch a {
	case AlignUp:
		return "UP"
	case AlignDown:
		return "DOWN"
	default:
		return "NEUTRAL"
	}
}

const (
	maxBars1m = 420 // one full session of 1-minute bars, plus slack

	// min15mBars is what MA20 needs on the 15-minute frame.
	min15mBars = 20

	maShort = 3
	maMid   = 8
	maLong  = 20

	atrPeriod = 14
)

// Engine buffers 1-minute bars per code and computes signals on demand.
type Engine struct {
	mu     sync.Mutex
	bars   map[string][]types.Bar // 1-min, oldest first
	broker broker.Broker
	logger *slog.Logger
}

// New creates a signal engine backed by the broker's chart endpoint.
func New(b broker.Broker, logger *slog.Logger) *Engine {
	return &Engine{
		bars:   make(map[string][]types.Bar),
		broker: b,
		logger: logger.With("component", "signals"),
	}
}

// OnTick folds a trade print into the code's current 1-minute bar.
func (e *Engine) OnTick(t types.Tick) {
	if t.Price <= 0 {
		return
	}
	slot := t.Time.Truncate(time.Minute)

	e.mu.Lock()
	defer e.mu.Unlock()

	bars := e.bars[t.Code]
	if n := len(bars); n > 0 && bars[n-1].Time.Equal(slot) {
		cur := &bars[n-1]
		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Qty
		return
	}
	bars = append(bars, types.Bar{
		Time: slot, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Qty,
	})
	if len(bars) > maxBars1m {
		bars = bars[len(bars)-maxBars1m:]
	}
	e.bars[t.Code] = bars
}

// Bars1m returns a copy of the code's 1-minute buffer, oldest first.
func (e *Engine) Bars1m(code string) []types.Bar {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Bar(nil), e.bars[code]...)
}

// Drop discards the buffer for a code that left the watchlist.
func (e *Engine) Drop(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bars, code)
}

// Reset clears every buffer. Called at the start of a new session.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bars = make(map[string][]types.Bar)
}

// Bars resamples the code's buffer to the given interval. When the buffer
// cannot cover min15mBars 15-minute bars, the broker chart endpoint fills in.
func (e *Engine) bars15m(ctx context.Context, code string) []types.Bar {
	b15 := krx.ResampleBars(e.Bars1m(code), 15*time.Minute)
	if len(b15) >= min15mBars {
		return b15
	}
	fetched, err := e.broker.InquireMinuteBars(ctx, code, 15, "", min15mBars)
	if err != nil {
		e.logger.Warn("minute-bar fallback failed", "code", code, "error", err)
		return b15
	}
	if len(fetched) > len(b15) {
		return fetched
	}
	return b15
}

// Alignment judges the MA stack for code. NEUTRAL when history is too thin
// even after the REST fallback.
func (e *Engine) Alignment(ctx context.Context, code string) Alignment {
	b15 := e.bars15m(ctx, code)
	if len(b15) < min15mBars {
		return AlignNeutral
	}
	c15 := closes(b15)
	ma3 := lastSMA(c15, maShort)
	ma8 := lastSMA(c15, maMid)
	ma20 := lastSMA(c15, maLong)
	if !(ma3 > ma8 && ma8 > ma20) {
		return AlignDown
	}

	// The 5-min frame only vetoes: a thin 5-min buffer does not block an
	// otherwise aligned 15-min stack.
	b5 := krx.ResampleBars(e.Bars1m(code), 5*time.Minute)
	if len(b5) >= maMid {
		c5 := closes(b5)
		if lastSMA(c5, maShort) <= lastSMA(c5, maMid) {
			return AlignDown
		}
	}
	return AlignUp
}

// ATR returns ATR(14) on the 15-minute frame. ok is false when history is
// too thin to compute it.
func (e *Engine) ATR(ctx context.Context, code string) (float64, bool) {
	b15 := e.bars15m(ctx, code)
	if len(b15) <= atrPeriod {
		return 0, false
	}
	highs := make([]float64, len(b15))
	lows := make([]float64, len(b15))
	cls := make([]float64, len(b15))
	for i, b := range b15 {
		highs[i] = b.High
		lows[i] = b.Low
		cls[i] = b.Close
	}
	atr := talib.Atr(highs, lows, cls, atrPeriod)
	v := atr[len(atr)-1]
	if v <= 0 {
		return 0, false
	}
	return v, true
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// lastSMA returns the most recent simple moving average of the given period.
func lastSMA(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	sma := talib.Sma(values, period)
	return sma[len(sma)-1]
}
