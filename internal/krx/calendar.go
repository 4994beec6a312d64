package krx

import "time"

// KST is the exchange timezone. All scheduling and session math runs in it.
var KST = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic("krx: load Asia/Seoul: " + err.Error())
	}
	return loc
}()

// Regular session bounds (KST).
const (
	SessionOpenHour    = 9
	SessionOpenMinute  = 0
	SessionCloseHour   = 15
	SessionCloseMinute = 30
)

// holidays is the statically compiled KRX closure set, updated yearly.
var holidays = map[string]string{
	"2026-01-01": "New Year's Day",
	"2026-01-29": "Lunar New Year",
	"2026-01-30": "Lunar New Year",
	"2026-01-31": "Lunar New Year",
	"2026-03-01": "Independence Movement Day",
	"2026-05-05": "Children's Day",
	"2026-05-19": "Buddha's Birthday",
	"2026-06-06": "Memorial Day",
	"2026-08-15": "Liberation Day",
	"2026-10-01": "Chuseok",
	"2026-10-02": "Chuseok",
	"2026-10-03": "National Foundation Day",
	"2026-10-09": "Hangeul Day",
	"2026-12-25": "Christmas",
	"2026-12-31": "Year-end closing",
}

func dateKey(t time.Time) string {
	return t.In(KST).Format("2006-01-02")
}

// IsHoliday reports whether t falls on a KRX holiday.
func IsHoliday(t time.Time) bool {
	_, ok := holidays[dateKey(t)]
	return ok
}

// IsTradingDay reports whether t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	wd := t.In(KST).Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !IsHoliday(t)
}

// NextTradingDay returns the first trading day strictly after t.
func NextTradingDay(t time.Time) time.Time {
	d := t.In(KST)
	for {
		d = d.AddDate(0, 0, 1)
		if IsTradingDay(d) {
			return d
		}
	}
}

// AddBusinessDays returns the date n trading days after t (n ≥ 0).
func AddBusinessDays(t time.Time, n int) time.Time {
	d := t.In(KST)
	for i := 0; i < n; i++ {
		d = NextTradingDay(d)
	}
	return d
}

// BusinessDaysHeld counts trading days elapsed from entry to now,
// exclusive of the entry date itself. Same-day → 0.
func BusinessDaysHeld(entry, now time.Time) int {
	d := entry.In(KST)
	end := dateKey(now)
	if dateKey(d) >= end {
		return 0
	}
	held := 0
	for {
		d = NextTradingDay(d)
		if dateKey(d) > end {
			return held
		}
		held++
		if dateKey(d) == end {
			return held
		}
	}
}

// SessionOpen returns 09:00:00 KST on t's date.
func SessionOpen(t time.Time) time.Time {
	d := t.In(KST)
	return time.Date(d.Year(), d.Month(), d.Day(), SessionOpenHour, SessionOpenMinute, 0, 0, KST)
}

// SessionClose returns 15:30:00 KST on t's date.
func SessionClose(t time.Time) time.Time {
	d := t.In(KST)
	return time.Date(d.Year(), d.Month(), d.Day(), SessionCloseHour, SessionCloseMinute, 0, 0, KST)
}

// InRegularSession reports whether t is a trading day between 09:00:00
// and 15:30:00 KST inclusive.
func InRegularSession(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	d := t.In(KST)
	return !d.Before(SessionOpen(d)) && !d.After(SessionClose(d))
}

// At returns hh:mm:ss KST on t's date. Convenience for event boundaries.
func At(t time.Time, hour, min, sec int) time.Time {
	d := t.In(KST)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, min, sec, 0, KST)
}
