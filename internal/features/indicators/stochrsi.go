package indicators

import (
	"fmt"
	"math"
)

// fisherClamp keeps the Fisher transform argument away from the
// singularities at +/-1.
const fisherClamp = 0.999

// stochRsiIndicator applies a stochastic oscillator to an RSI series.
// The base column is in [0,1]; %K and %D are moving averages of it.
// When the RSI window is flat the divide-by-zero policy decides the
// base value: nan, zero, or the previous base.
type stochRsiIndicator struct {
	name      string
	rsiLen    int
	stochLen  int
	kLen      int
	dLen      int
	rsiMethod string
	maMethod  string
	zeroDiv   string
	fisher    bool
	source    string
}

func newStochRSI(name string, params map[string]any) (Indicator, error) {
	rsiLen, err := intParam(params, "rsi_len", 14)
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	stochLen, err := intParam(params, "stoch_len", 14)
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	kLen, err := intParam(params, "k", 3)
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	dLen, err := intParam(params, "d", 3)
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	for _, p := range []struct {
		label string
		v     int
	}{{"rsi_len", rsiLen}, {"stoch_len", stochLen}, {"k", kLen}, {"d", dLen}} {
		if p.v < 1 {
			return nil, fmt.Errorf("stochrsi %s: %s must be >= 1, got %d", name, p.label, p.v)
		}
	}
	rsiMethod, err := stringParam(params, "rsi_method", "wilder", "wilder", "ema", "sma")
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	maMethod, err := stringParam(params, "ma_method", "sma", "sma", "ema", "wilder")
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	zeroDiv, err := stringParam(params, "zero_div", "nan", "nan", "zero", "prev")
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	fisher, err := boolParam(params, "fisher", false)
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	source, err := stringParam(params, "source", "close", "close", "hl2", "hlc3", "ohlc4")
	if err != nil {
		return nil, fmt.Errorf("stochrsi %s: %w", name, err)
	}
	return &stochRsiIndicator{
		name:      name,
		rsiLen:    rsiLen,
		stochLen:  stochLen,
		kLen:      kLen,
		dLen:      dLen,
		rsiMethod: rsiMethod,
		maMethod:  maMethod,
		zeroDiv:   zeroDiv,
		fisher:    fisher,
		source:    source,
	}, nil
}

func (st *stochRsiIndicator) Name() string { return st.name }

func (st *stochRsiIndicator) Columns() []string {
	cols := []string{st.name, st.name + "_k", st.name + "_d"}
	if st.fisher {
		cols = append(cols, st.name+"_fisher")
	}
	return cols
}

func (st *stochRsiIndicator) Compute(bars []Bar) map[string][]float64 { return fold(st, bars) }

func (st *stochRsiIndicator) Stream() Stream {
	smGain, _ := newSmoother(st.rsiMethod, st.rsiLen)
	smLoss, _ := newSmoother(st.rsiMethod, st.rsiLen)
	smK, _ := newSmoother(st.maMethod, st.kLen)
	smD, _ := newSmoother(st.maMethod, st.dLen)
	return &stochRsiStream{
		ind:     st,
		smGain:  smGain,
		smLoss:  smLoss,
		smK:     smK,
		smD:     smD,
		rsiWin:  newRing(st.stochLen),
		prevVal: math.NaN(),
	}
}

type stochRsiStream struct {
	ind      *stochRsiIndicator
	smGain   *smoother
	smLoss   *smoother
	smK      *smoother
	smD      *smoother
	rsiWin   *ring
	prevSrc  float64
	hasPrev  bool
	prevVal  float64
	prevBase bool
}

func (s *stochRsiStream) Push(b Bar) map[string]float64 {
	src := sourcePrice(b, s.ind.source)
	if !s.hasPrev {
		s.prevSrc = src
		s.hasPrev = true
		return nanRow(s.ind.Columns())
	}
	change := src - s.prevSrc
	s.prevSrc = src

	gain, gOK := s.smGain.Push(math.Max(change, 0))
	loss, _ := s.smLoss.Push(math.Max(-change, 0))
	if !gOK {
		return nanRow(s.ind.Columns())
	}
	var rsi float64
	if loss == 0 {
		rsi = 100
	} else {
		rsi = 100 - 100/(1+gain/loss)
	}

	s.rsiWin.Push(rsi)
	if !s.rsiWin.Full() {
		return nanRow(s.ind.Columns())
	}
	lo, hi := s.rsiWin.Min(), s.rsiWin.Max()

	base := math.NaN()
	if hi > lo {
		base = clamp((rsi-lo)/(hi-lo), 0, 1)
	} else {
		switch s.ind.zeroDiv {
		case "zero":
			base = 0
		case "prev":
			if s.prevBase {
				base = s.prevVal
			}
		}
	}

	row := nanRow(s.ind.Columns())
	row[s.ind.name] = base
	if math.IsNaN(base) {
		// The smoothers hold their state over gap bars instead of
		// absorbing a NaN.
		return row
	}
	s.prevVal = base
	s.prevBase = true

	if k, ok := s.smK.Push(base); ok {
		row[s.ind.name+"_k"] = k
		if d, ok := s.smD.Push(k); ok {
			row[s.ind.name+"_d"] = d
		}
	}
	if s.ind.fisher {
		x := clamp(2*base-1, -fisherClamp, fisherClamp)
		row[s.ind.name+"_fisher"] = 0.5 * math.Log((1+x)/(1-x))
	}
	return row
}
