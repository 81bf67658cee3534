package utils

import (
	"time"
)

var eastern *time.Location

func init() {
	var err error
	eastern, err = time.LoadLocation("America/New_York")
	if err != nil {
		// UTC-5 keeps the engine limping if tzdata is missing.
		eastern = time.FixedZone("ET", -5*3600)
	}
}

// NowEastern returns the current time in US Eastern time.
func NowEastern() time.Time {
	return time.Now().In(eastern)
}

// Eastern converts a time to US Eastern time.
func Eastern(t time.Time) time.Time {
	return t.In(eastern)
}

// IsMarketOpen reports whether the regular NYSE session is open at t:
// weekdays 09:30 to 16:00 Eastern. Exchange holidays are not modeled.
func IsMarketOpen(t time.Time) bool {
	et := t.In(eastern)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, eastern)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, eastern)
	return !et.Before(open) && et.Before(close)
}

// BeforeNoonEastern reports whether t falls before 12:00 Eastern. Same-day
// expiries are only selected in the morning.
func BeforeNoonEastern(t time.Time) bool {
	et := t.In(eastern)
	noon := time.Date(et.Year(), et.Month(), et.Day(), 12, 0, 0, 0, eastern)
	return et.Before(noon)
}

// NextNoonEastern returns the next 12:00 Eastern strictly after t.
func NextNoonEastern(t time.Time) time.Time {
	et := t.In(eastern)
	noon := time.Date(et.Year(), et.Month(), et.Day(), 12, 0, 0, 0, eastern)
	if !et.Before(noon) {
		noon = noon.AddDate(0, 0, 1)
	}
	return noon
}

// NextBusinessDay returns the next weekday after t in Eastern time.
// Exchange holidays are not modeled; the expiration selector falls back to
// the nearest listed date anyway.
func NextBusinessDay(t time.Time) time.Time {
	et := t.In(eastern)
	for {
		et = et.AddDate(0, 0, 1)
		if wd := et.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return et
		}
	}
}

// MarketClose returns 16:00 Eastern on t's date.
func MarketClose(t time.Time) time.Time {
	et := t.In(eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, eastern)
}
