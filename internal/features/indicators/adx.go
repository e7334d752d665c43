package indicators

import (
	"fmt"
	"math"
)

// adxIndicator is Wilder's directional movement system: +DI, -DI, the
// ADX trend-strength line and optionally ADXR. The ADX column needs
// 2*period-1 bars before it produces values; the DI columns come
// online one period earlier.
type adxIndicator struct {
	name   string
	period int
	method string
	adxr   bool
	lag    int
}

func newADX(name string, params map[string]any) (Indicator, error) {
	period, err := intParam(params, "period", 14)
	if err != nil {
		return nil, fmt.Errorf("adx %s: %w", name, err)
	}
	if period < 1 {
		return nil, fmt.Errorf("adx %s: period must be >= 1, got %d", name, period)
	}
	method, err := stringParam(params, "method", "wilder", "wilder", "ema", "sma")
	if err != nil {
		return nil, fmt.Errorf("adx %s: %w", name, err)
	}
	adxr, err := boolParam(params, "adxr", false)
	if err != nil {
		return nil, fmt.Errorf("adx %s: %w", name, err)
	}
	lag, err := intParam(params, "adxr_lag", period)
	if err != nil {
		return nil, fmt.Errorf("adx %s: %w", name, err)
	}
	if lag < 1 {
		return nil, fmt.Errorf("adx %s: adxr_lag must be >= 1, got %d", name, lag)
	}
	return &adxIndicator{name: name, period: period, method: method, adxr: adxr, lag: lag}, nil
}

func (a *adxIndicator) Name() string { return a.name }

func (a *adxIndicator) Columns() []string {
	cols := []string{a.name, a.name + "_pdi", a.name + "_mdi"}
	if a.adxr {
		cols = append(cols, a.name+"_adxr")
	}
	return cols
}

func (a *adxIndicator) Compute(bars []Bar) map[string][]float64 { return fold(a, bars) }

func (a *adxIndicator) Stream() Stream {
	smTR, _ := newSmoother(a.method, a.period)
	smPDM, _ := newSmoother(a.method, a.period)
	smMDM, _ := newSmoother(a.method, a.period)
	smDX, _ := newSmoother(a.method, a.period)
	s := &adxStream{ind: a, smTR: smTR, smPDM: smPDM, smMDM: smMDM, smDX: smDX}
	if a.adxr {
		s.hist = newRing(a.lag + 1)
	}
	return s
}

type adxStream struct {
	ind     *adxIndicator
	smTR    *smoother
	smPDM   *smoother
	smMDM   *smoother
	smDX    *smoother
	hist    *ring
	prev    Bar
	hasPrev bool
}

func (s *adxStream) Push(b Bar) map[string]float64 {
	if !s.hasPrev {
		s.prev = b
		s.hasPrev = true
		return nanRow(s.ind.Columns())
	}
	tr := trueRange(b, s.prev.Close, true)
	upMove := b.High - s.prev.High
	downMove := s.prev.Low - b.Low
	var pdm, mdm float64
	if upMove > downMove && upMove > 0 {
		pdm = upMove
	}
	if downMove > upMove && downMove > 0 {
		mdm = downMove
	}
	s.prev = b

	trS, trOK := s.smTR.Push(tr)
	pdmS, _ := s.smPDM.Push(pdm)
	mdmS, _ := s.smMDM.Push(mdm)
	if !trOK {
		return nanRow(s.ind.Columns())
	}

	var pdi, mdi float64
	if trS > 0 {
		pdi = 100 * pdmS / trS
		mdi = 100 * mdmS / trS
	}
	var dx float64
	if pdi+mdi > 0 {
		dx = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}

	row := nanRow(s.ind.Columns())
	row[s.ind.name+"_pdi"] = pdi
	row[s.ind.name+"_mdi"] = mdi

	adx, adxOK := s.smDX.Push(dx)
	if !adxOK {
		return row
	}
	row[s.ind.name] = adx
	if s.ind.adxr {
		s.hist.Push(adx)
		if s.hist.Len() > s.ind.lag {
			row[s.ind.name+"_adxr"] = (adx + s.hist.At(s.ind.lag)) / 2
		}
	}
	return row
}
