package schema

import (
	"fmt"
	"time"
)

// Timeframes is the allowed label set in ascending span order. "1mo" is
// calendar-anchored and has no fixed millisecond span.
var Timeframes = []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "1w", "1mo"}

var tfSpans = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ValidTimeframe reports whether tf is an allowed label.
func ValidTimeframe(tf string) bool {
	if tf == "1mo" {
		return true
	}
	_, ok := tfSpans[tf]
	return ok
}

// Span returns the fixed duration of tf. ok is false for "1mo" and for
// unknown labels.
func Span(tf string) (time.Duration, bool) {
	d, ok := tfSpans[tf]
	return d, ok
}

// CandleOpen returns the open time in milliseconds of the candle that
// contains tsMS for the given timeframe. Weeks anchor on ISO Monday
// 00:00 UTC and months on the first day of the UTC calendar month; all
// other frames floor onto a fixed span.
func CandleOpen(tsMS int64, tf string) (int64, error) {
	switch tf {
	case "1mo":
		t := time.UnixMilli(tsMS).UTC()
		open := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return open.UnixMilli(), nil
	case "1w":
		t := time.UnixMilli(tsMS).UTC()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Monday=0 .. Sunday=6
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back).UnixMilli(), nil
	default:
		d, ok := tfSpans[tf]
		if !ok {
			return 0, fmt.Errorf("unknown timeframe %q", tf)
		}
		span := d.Milliseconds()
		open := tsMS - floorMod(tsMS, span)
		return open, nil
	}
}

// NextCandleOpen returns the open time of the candle after the one
// containing tsMS.
func NextCandleOpen(tsMS int64, tf string) (int64, error) {
	open, err := CandleOpen(tsMS, tf)
	if err != nil {
		return 0, err
	}
	if tf == "1mo" {
		t := time.UnixMilli(open).UTC()
		return t.AddDate(0, 1, 0).UnixMilli(), nil
	}
	if tf == "1w" {
		return open + (7 * 24 * time.Hour).Milliseconds(), nil
	}
	d, _ := tfSpans[tf]
	return open + d.Milliseconds(), nil
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
