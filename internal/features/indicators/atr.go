package indicators

import (
	"fmt"
	"math"
)

// atrIndicator measures average true range, optionally normalized
// (NATR, percent of a reference price) and expanded into volatility
// bands around that reference.
type atrIndicator struct {
	name    string
	period  int
	method  string
	natr    bool
	natrRef string
	bands   bool
	bandK   float64
	bandRef string
}

func newATR(name string, params map[string]any) (Indicator, error) {
	period, err := intParam(params, "period", 14)
	if err != nil {
		return nil, fmt.Errorf("atr %s: %w", name, err)
	}
	if period < 1 {
		return nil, fmt.Errorf("atr %s: period must be >= 1, got %d", name, period)
	}
	method, err := stringParam(params, "method", "wilder", "wilder", "ema", "sma")
	if err != nil {
		return nil, fmt.Errorf("atr %s: %w", name, err)
	}
	natr, err := boolParam(params, "natr", false)
	if err != nil {
		return nil, fmt.Errorf("atr %s: %w", name, err)
	}
	natrRef, err := stringParam(params, "natr_ref", "close", "close", "hl2")
	if err != nil {
		return nil, fmt.Errorf("atr %s: %w", name, err)
	}
	bands, err := boolParam(params, "bands", false)
	if err != nil {
		return nil, fmt.Errorf("atr %s: %w", name, err)
	}
	bandK, err := floatParam(params, "band_k", 1.5)
	if err != nil {
		return nil, fmt.Errorf("atr %s: %w", name, err)
	}
	bandRef, err := stringParam(params, "band_ref", "close", "close", "hl2")
	if err != nil {
		return nil, fmt.Errorf("atr %s: %w", name, err)
	}
	return &atrIndicator{
		name:    name,
		period:  period,
		method:  method,
		natr:    natr,
		natrRef: natrRef,
		bands:   bands,
		bandK:   bandK,
		bandRef: bandRef,
	}, nil
}

func (a *atrIndicator) Name() string { return a.name }

func (a *atrIndicator) Columns() []string {
	cols := []string{a.name}
	if a.natr {
		cols = append(cols, a.name+"_natr")
	}
	if a.bands {
		cols = append(cols, a.name+"_upper", a.name+"_lower")
	}
	return cols
}

func (a *atrIndicator) Compute(bars []Bar) map[string][]float64 { return fold(a, bars) }

func (a *atrIndicator) Stream() Stream {
	sm, _ := newSmoother(a.method, a.period)
	return &atrStream{ind: a, sm: sm}
}

type atrStream struct {
	ind       *atrIndicator
	sm        *smoother
	prevClose float64
	hasPrev   bool
}

func (s *atrStream) Push(b Bar) map[string]float64 {
	tr := trueRange(b, s.prevClose, s.hasPrev)
	s.prevClose = b.Close
	s.hasPrev = true

	atr, ok := s.sm.Push(tr)
	if !ok {
		return nanRow(s.ind.Columns())
	}
	row := map[string]float64{s.ind.name: atr}
	if s.ind.natr {
		ref := sourcePrice(b, s.ind.natrRef)
		if ref > 0 {
			row[s.ind.name+"_natr"] = 100 * atr / ref
		} else {
			row[s.ind.name+"_natr"] = math.NaN()
		}
	}
	if s.ind.bands {
		ref := sourcePrice(b, s.ind.bandRef)
		row[s.ind.name+"_upper"] = ref + s.ind.bandK*atr
		row[s.ind.name+"_lower"] = ref - s.ind.bandK*atr
	}
	return row
}
