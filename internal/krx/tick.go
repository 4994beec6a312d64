// Package krx provides KRX market mechanics: the price-tick table,
// tick-aligned price arithmetic, the trading calendar, and session windows.
package krx

import "math"

// TickSize returns the KRX price tick for the given price band, in won.
//
//	< 1,000    →     1
//	< 5,000    →     5
//	< 10,000   →    10
//	< 50,000   →    50
//	< 100,000  →   100
//	< 500,000  →   500
//	≥ 500,000  → 1,000
func TickSize(price float64) float64 {
	switch {
	case price < 1_000:
		return 1
	case price < 5_000:
		return 5
	case price < 10_000:
		return 10
	case price < 50_000:
		return 50
	case price < 100_000:
		return 100
	case price < 500_000:
		return 500
	default:
		return 1_000
	}
}

// LimitPrice returns ask1 shifted up by nTicks ticks and rounded down to a
// valid tick. The tick of the base price governs both the shift and the
// rounding, so the result is always divisible by TickSize(ask1).
func LimitPrice(ask1 float64, nTicks int) float64 {
	tick := TickSize(ask1)
	raw := ask1 + tick*float64(nTicks)
	return math.Floor(raw/tick) * tick
}

// RoundDownToTick rounds price down to the nearest valid tick of its own band.
func RoundDownToTick(price float64) float64 {
	tick := TickSize(price)
	return math.Floor(price/tick) * tick
}

// IsTickAligned reports whether price sits exactly on a tick boundary.
func IsTickAligned(price float64) bool {
	tick := TickSize(price)
	return math.Mod(price, tick) == 0
}
