package indicators

import (
	"fmt"
	"math"
)

// ichimokuIndicator computes the Ichimoku system: Tenkan and Kijun
// midlines, the Senkou A/B cloud and the Chikou lagging line. With
// displaced=true the cloud is shifted forward and Chikou backward by
// the displacement, matching chart plotting; displaced=false keeps
// every line on its own bar so no value references the future.
type ichimokuIndicator struct {
	name      string
	tenkan    int
	kijun     int
	senkou    int
	disp      int
	displaced bool
	source    string
}

func newIchimoku(name string, params map[string]any) (Indicator, error) {
	tenkan, err := intParam(params, "tenkan", 9)
	if err != nil {
		return nil, fmt.Errorf("ichimoku %s: %w", name, err)
	}
	kijun, err := intParam(params, "kijun", 26)
	if err != nil {
		return nil, fmt.Errorf("ichimoku %s: %w", name, err)
	}
	senkou, err := intParam(params, "senkou", 52)
	if err != nil {
		return nil, fmt.Errorf("ichimoku %s: %w", name, err)
	}
	disp, err := intParam(params, "displacement", 26)
	if err != nil {
		return nil, fmt.Errorf("ichimoku %s: %w", name, err)
	}
	for _, p := range []struct {
		label string
		v     int
	}{{"tenkan", tenkan}, {"kijun", kijun}, {"senkou", senkou}, {"displacement", disp}} {
		if p.v < 1 {
			return nil, fmt.Errorf("ichimoku %s: %s must be >= 1, got %d", name, p.label, p.v)
		}
	}
	displaced, err := boolParam(params, "displaced", true)
	if err != nil {
		return nil, fmt.Errorf("ichimoku %s: %w", name, err)
	}
	source, err := stringParam(params, "source", "close", "close", "hl2", "ohlc4", "ha")
	if err != nil {
		return nil, fmt.Errorf("ichimoku %s: %w", name, err)
	}
	return &ichimokuIndicator{
		name:      name,
		tenkan:    tenkan,
		kijun:     kijun,
		senkou:    senkou,
		disp:      disp,
		displaced: displaced,
		source:    source,
	}, nil
}

func (ic *ichimokuIndicator) Name() string { return ic.name }

func (ic *ichimokuIndicator) Columns() []string {
	return []string{
		ic.name + "_tenkan",
		ic.name + "_kijun",
		ic.name + "_senkou_a",
		ic.name + "_senkou_b",
		ic.name + "_chikou",
	}
}

// Compute folds the streaming state, then backfills the displaced
// Chikou column for rows whose future close is already in the batch.
// The final displacement rows stay NaN, matching what the stream can
// know at the tail.
func (ic *ichimokuIndicator) Compute(bars []Bar) map[string][]float64 {
	out := fold(ic, bars)
	if ic.displaced {
		closes := ic.closeSeries(bars)
		chikou := out[ic.name+"_chikou"]
		for i := 0; i+ic.disp < len(bars); i++ {
			chikou[i] = closes[i+ic.disp]
		}
	}
	return out
}

// closeSeries is the series the Chikou line lags: the source close
// (the HA close when source is "ha").
func (ic *ichimokuIndicator) closeSeries(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	var ha haState
	for i, b := range bars {
		if ic.source == "ha" {
			_, _, _, haClose := ha.bar(b)
			out[i] = haClose
		} else {
			out[i] = sourcePrice(b, ic.source)
		}
	}
	return out
}

func (ic *ichimokuIndicator) Stream() Stream {
	span := ic.senkou
	if ic.kijun > span {
		span = ic.kijun
	}
	if ic.tenkan > span {
		span = ic.tenkan
	}
	return &ichimokuStream{
		ind:   ic,
		highs: newRing(span),
		lows:  newRing(span),
		baseA: newRing(ic.disp + 1),
		baseB: newRing(ic.disp + 1),
	}
}

type ichimokuStream struct {
	ind   *ichimokuIndicator
	highs *ring
	lows  *ring
	baseA *ring
	baseB *ring
	ha    haState
}

// windowMid is the midpoint of the high/low extremes over the last
// period pushes, NaN until the window has period samples.
func windowMid(highs, lows *ring, period int) float64 {
	if highs.Len() < period {
		return math.NaN()
	}
	hi := math.Inf(-1)
	lo := math.Inf(1)
	for i := 0; i < period; i++ {
		if v := highs.At(i); v > hi {
			hi = v
		}
		if v := lows.At(i); v < lo {
			lo = v
		}
	}
	return (hi + lo) / 2
}

func (s *ichimokuStream) Push(b Bar) map[string]float64 {
	var hi, lo, cl float64
	switch s.ind.source {
	case "ha":
		_, haHigh, haLow, haClose := s.ha.bar(b)
		hi, lo, cl = haHigh, haLow, haClose
	case "close", "hl2", "ohlc4":
		p := sourcePrice(b, s.ind.source)
		hi, lo, cl = p, p, p
	}
	s.highs.Push(hi)
	s.lows.Push(lo)

	tenkan := windowMid(s.highs, s.lows, s.ind.tenkan)
	kijun := windowMid(s.highs, s.lows, s.ind.kijun)
	baseA := (tenkan + kijun) / 2
	baseB := windowMid(s.highs, s.lows, s.ind.senkou)

	row := map[string]float64{
		s.ind.name + "_tenkan": tenkan,
		s.ind.name + "_kijun":  kijun,
	}
	if s.ind.displaced {
		s.baseA.Push(baseA)
		s.baseB.Push(baseB)
		row[s.ind.name+"_senkou_a"] = math.NaN()
		row[s.ind.name+"_senkou_b"] = math.NaN()
		if s.baseA.Len() > s.ind.disp {
			row[s.ind.name+"_senkou_a"] = s.baseA.At(s.ind.disp)
			row[s.ind.name+"_senkou_b"] = s.baseB.At(s.ind.disp)
		}
		// The displaced Chikou needs a close from the future; only a
		// batch pass can fill it.
		row[s.ind.name+"_chikou"] = math.NaN()
	} else {
		row[s.ind.name+"_senkou_a"] = baseA
		row[s.ind.name+"_senkou_b"] = baseB
		row[s.ind.name+"_chikou"] = cl
	}
	return row
}
