package krx

import (
	"time"

	"krx-momentum/pkg/types"
)

// ResampleBars aggregates 1-minute bars into interval bars aligned to slot
// boundaries measured from the 09:00 session open (09:00, 09:15, ... for a
// 15-minute interval). Input must be oldest first; output is oldest first.
func ResampleBars(bars []types.Bar, interval time.Duration) []types.Bar {
	if interval <= time.Minute || len(bars) == 0 {
		return bars
	}

	var out []types.Bar
	var cur *types.Bar
	for _, b := range bars {
		slot := slotStart(b.Time, interval)
		if cur == nil || !cur.Time.Equal(slot) {
			if cur != nil {
				out = append(out, *cur)
			}
			nb := types.Bar{Time: slot, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			cur = &nb
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// slotStart returns the interval slot containing t, anchored at the session
// open so boundaries land on 09:00, 09:15, 09:30, ...
func slotStart(t time.Time, interval time.Duration) time.Time {
	open := SessionOpen(t)
	if t.Before(open) {
		return open.Add(-interval)
	}
	n := t.Sub(open) / interval
	return open.Add(n * interval)
}
