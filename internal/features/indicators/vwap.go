package indicators

import (
	"fmt"
	"math"
	"time"
)

// madSigmaScale converts a standard deviation into a robust spread
// estimate consistent with the median-absolute-deviation convention.
const madSigmaScale = 1.4826

// vwapIndicator is a volume-weighted average price that resets at an
// anchor boundary: calendar day, ISO week, calendar month, year to
// date, trading session or a fixed custom timestamp. Bands are
// volume-weighted standard deviations around the mean.
type vwapIndicator struct {
	name       string
	anchor     string
	source     string
	bands      bool
	bandK      float64
	bandMethod string
	sessions   string
	sessOpen   int // minutes from UTC midnight, equity sessions only
	sessClose  int
	anchorMS   int64
}

func newVWAP(name string, params map[string]any) (Indicator, error) {
	anchor, err := stringParam(params, "anchor", "day", "day", "week", "month", "ytd", "session", "custom")
	if err != nil {
		return nil, fmt.Errorf("vwap %s: %w", name, err)
	}
	source, err := stringParam(params, "source", "close", "close", "hlc3", "ohlc4", "ha")
	if err != nil {
		return nil, fmt.Errorf("vwap %s: %w", name, err)
	}
	bands, err := boolParam(params, "bands", false)
	if err != nil {
		return nil, fmt.Errorf("vwap %s: %w", name, err)
	}
	bandK, err := floatParam(params, "band_k", 1.0)
	if err != nil {
		return nil, fmt.Errorf("vwap %s: %w", name, err)
	}
	bandMethod, err := stringParam(params, "band_method", "stdev", "stdev", "mad")
	if err != nil {
		return nil, fmt.Errorf("vwap %s: %w", name, err)
	}
	sessions, err := stringParam(params, "sessions", "24x7", "24x7", "equity")
	if err != nil {
		return nil, fmt.Errorf("vwap %s: %w", name, err)
	}
	v := &vwapIndicator{
		name:       name,
		anchor:     anchor,
		source:     source,
		bands:      bands,
		bandK:      bandK,
		bandMethod: bandMethod,
		sessions:   sessions,
	}
	if anchor == "session" && sessions == "equity" {
		openStr, err := stringParam(params, "session_open", "13:30")
		if err != nil {
			return nil, fmt.Errorf("vwap %s: %w", name, err)
		}
		closeStr, err := stringParam(params, "session_close", "20:00")
		if err != nil {
			return nil, fmt.Errorf("vwap %s: %w", name, err)
		}
		if v.sessOpen, err = parseClock(openStr); err != nil {
			return nil, fmt.Errorf("vwap %s: session_open: %w", name, err)
		}
		if v.sessClose, err = parseClock(closeStr); err != nil {
			return nil, fmt.Errorf("vwap %s: session_close: %w", name, err)
		}
		if v.sessClose <= v.sessOpen {
			return nil, fmt.Errorf("vwap %s: session_close %s must be after session_open %s", name, closeStr, openStr)
		}
	}
	if anchor == "custom" {
		ms, err := intParam(params, "anchor_ts", 0)
		if err != nil {
			return nil, fmt.Errorf("vwap %s: %w", name, err)
		}
		if ms <= 0 {
			return nil, fmt.Errorf("vwap %s: custom anchor needs anchor_ts in epoch ms", name)
		}
		v.anchorMS = int64(ms)
	}
	return v, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (v *vwapIndicator) Name() string { return v.name }

func (v *vwapIndicator) Columns() []string {
	cols := []string{v.name}
	if v.bands {
		cols = append(cols, v.name+"_upper", v.name+"_lower")
	}
	return cols
}

func (v *vwapIndicator) Compute(bars []Bar) map[string][]float64 { return fold(v, bars) }

func (v *vwapIndicator) Stream() Stream {
	return &vwapStream{ind: v}
}

type vwapStream struct {
	ind    *vwapIndicator
	key    string
	sumPV  float64
	sumV   float64
	sumPPV float64
	ha     haState
}

func (s *vwapStream) Push(b Bar) map[string]float64 {
	var p float64
	if s.ind.source == "ha" {
		p = s.ha.price(b)
	} else {
		p = sourcePrice(b, s.ind.source)
	}

	key, in := s.ind.anchorKey(b.TS)
	if !in {
		return nanRow(s.ind.Columns())
	}
	if key != s.key {
		s.key = key
		s.sumPV, s.sumV, s.sumPPV = 0, 0, 0
	}
	s.sumPV += p * b.Volume
	s.sumV += b.Volume
	s.sumPPV += p * p * b.Volume
	if s.sumV <= 0 {
		return nanRow(s.ind.Columns())
	}

	mean := s.sumPV / s.sumV
	row := map[string]float64{s.ind.name: mean}
	if s.ind.bands {
		variance := s.sumPPV/s.sumV - mean*mean
		sigma := math.Sqrt(math.Max(0, variance))
		if s.ind.bandMethod == "mad" {
			sigma *= madSigmaScale
		}
		row[s.ind.name+"_upper"] = mean + s.ind.bandK*sigma
		row[s.ind.name+"_lower"] = mean - s.ind.bandK*sigma
	}
	return row
}

// anchorKey maps a timestamp to its accumulation bucket; in reports
// whether the bar participates at all (false outside an equity
// session or before a custom anchor).
func (v *vwapIndicator) anchorKey(ms int64) (string, bool) {
	t := time.UnixMilli(ms).UTC()
	switch v.anchor {
	case "day":
		return t.Format("2006-01-02"), true
	case "week":
		monday := t.AddDate(0, 0, -((int(t.Weekday()) + 6) % 7))
		return monday.Format("2006-01-02"), true
	case "month":
		return t.Format("2006-01"), true
	case "ytd":
		return t.Format("2006"), true
	case "session":
		if v.sessions == "equity" {
			minute := t.Hour()*60 + t.Minute()
			if minute < v.sessOpen || minute >= v.sessClose {
				return "", false
			}
		}
		return t.Format("2006-01-02"), true
	case "custom":
		if ms < v.anchorMS {
			return "", false
		}
		return "anchored", true
	default:
		return "", false
	}
}
