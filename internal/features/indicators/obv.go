package indicators

import "fmt"

// obvIndicator is on-balance volume: a running sum of signed volume
// where the sign follows the close-to-close direction. Tie bars and
// the volume unit are configurable.
type obvIndicator struct {
	name        string
	tie         string
	volume      string
	notionalRef string
}

func newOBV(name string, params map[string]any) (Indicator, error) {
	tie, err := stringParam(params, "tie", "zero", "zero", "carry", "last_nonzero")
	if err != nil {
		return nil, fmt.Errorf("obv %s: %w", name, err)
	}
	volume, err := stringParam(params, "volume", "raw", "raw", "tick", "notional")
	if err != nil {
		return nil, fmt.Errorf("obv %s: %w", name, err)
	}
	notionalRef, err := stringParam(params, "notional_ref", "close", "close", "hl2", "hlc3", "ohlc4")
	if err != nil {
		return nil, fmt.Errorf("obv %s: %w", name, err)
	}
	return &obvIndicator{name: name, tie: tie, volume: volume, notionalRef: notionalRef}, nil
}

func (o *obvIndicator) Name() string      { return o.name }
func (o *obvIndicator) Columns() []string { return []string{o.name} }

func (o *obvIndicator) Compute(bars []Bar) map[string][]float64 { return fold(o, bars) }

func (o *obvIndicator) Stream() Stream { return &obvStream{ind: o} }

type obvStream struct {
	ind         *obvIndicator
	prevClose   float64
	hasPrev     bool
	prevDir     float64
	lastNonzero float64
	obv         float64
}

func (s *obvStream) Push(b Bar) map[string]float64 {
	var dir float64
	switch {
	case !s.hasPrev:
		dir = 0 // first bar has no reference close
	case b.Close > s.prevClose:
		dir = 1
	case b.Close < s.prevClose:
		dir = -1
	default:
		switch s.ind.tie {
		case "carry":
			dir = s.prevDir
		case "last_nonzero":
			dir = s.lastNonzero
		}
	}
	s.prevClose = b.Close
	s.hasPrev = true
	s.prevDir = dir
	if dir != 0 {
		s.lastNonzero = dir
	}

	var vol float64
	switch s.ind.volume {
	case "tick":
		if b.Volume > 0 {
			vol = 1
		}
	case "notional":
		vol = b.Volume * sourcePrice(b, s.ind.notionalRef)
	default:
		vol = b.Volume
	}
	s.obv += dir * vol
	return map[string]float64{s.ind.name: s.obv}
}
