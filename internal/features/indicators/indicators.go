// Package indicators implements the technical indicators the feature
// engine can wire into a pipeline: ATR, ADX, anchored VWAP, OBV,
// Ichimoku and StochRSI. Each indicator offers a batch computation
// over a bar slice and a streaming state whose per-bar output matches
// the batch tail, so live and replayed pipelines agree.
package indicators

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Bar is one completed candle, timestamped in epoch milliseconds UTC.
type Bar struct {
	TS     int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Indicator computes named output columns from a bar series. Column
// names are prefixed with the instance name; warm-up cells are NaN.
type Indicator interface {
	Name() string
	Columns() []string
	Compute(bars []Bar) map[string][]float64
	Stream() Stream
}

// Stream is the incremental form: Push returns the indicator outputs
// for the pushed bar.
type Stream interface {
	Push(bar Bar) map[string]float64
}

// Descriptor names one configured indicator instance.
type Descriptor struct {
	Kind   string         `yaml:"kind" json:"kind"`
	Name   string         `yaml:"name" json:"name"`
	Params map[string]any `yaml:"params" json:"params"`
}

type constructor func(name string, params map[string]any) (Indicator, error)

var kinds = map[string]constructor{
	"atr":      newATR,
	"adx":      newADX,
	"vwap":     newVWAP,
	"obv":      newOBV,
	"ichimoku": newIchimoku,
	"stochrsi": newStochRSI,
}

// versions bump when an indicator's numerical contract changes; they
// feed the registry's code hash.
var versions = map[string]string{
	"atr":      "1",
	"adx":      "1",
	"vwap":     "1",
	"obv":      "1",
	"ichimoku": "1",
	"stochrsi": "1",
}

// New builds the indicator a descriptor names. The instance name
// defaults to the kind.
func New(d Descriptor) (Indicator, error) {
	build, ok := kinds[d.Kind]
	if !ok {
		return nil, fmt.Errorf("indicators: unknown kind %q", d.Kind)
	}
	name := d.Name
	if name == "" {
		name = d.Kind
	}
	return build(name, d.Params)
}

// Kinds lists the available indicator kinds.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CanonicalLine renders a descriptor as `name@version{params}` with
// stable key order, the unit the engine's code hash is built from.
func CanonicalLine(d Descriptor) (string, error) {
	if _, ok := kinds[d.Kind]; !ok {
		return "", fmt.Errorf("indicators: unknown kind %q", d.Kind)
	}
	name := d.Name
	if name == "" {
		name = d.Kind
	}
	params := d.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("indicators: encode params for %s: %w", name, err)
	}
	return fmt.Sprintf("%s@%s%s", name, versions[d.Kind], raw), nil
}

// fold derives the batch output by running the streaming state over
// the series, which keeps the two paths identical by construction.
func fold(ind Indicator, bars []Bar) map[string][]float64 {
	cols := ind.Columns()
	out := make(map[string][]float64, len(cols))
	for _, c := range cols {
		out[c] = make([]float64, len(bars))
	}
	s := ind.Stream()
	for i, b := range bars {
		row := s.Push(b)
		for _, c := range cols {
			v, ok := row[c]
			if !ok {
				v = math.NaN()
			}
			out[c][i] = v
		}
	}
	return out
}

// nanRow returns a full-NaN output row for warm-up bars.
func nanRow(cols []string) map[string]float64 {
	row := make(map[string]float64, len(cols))
	for _, c := range cols {
		row[c] = math.NaN()
	}
	return row
}

// smoother is the shared moving-average state: wilder and ema seed
// with an SMA of the first period samples then recurse, sma keeps a
// rolling window.
type smoother struct {
	method string
	period int
	alpha  float64
	count  int
	seed   float64
	value  float64
	win    *ring
}

func newSmoother(method string, period int) (*smoother, error) {
	s := &smoother{method: method, period: period}
	switch method {
	case "wilder":
		s.alpha = 1 / float64(period)
	case "ema":
		s.alpha = 2 / float64(period+1)
	case "sma":
		s.win = newRing(period)
	default:
		return nil, fmt.Errorf("indicators: unknown smoothing method %q", method)
	}
	return s, nil
}

// Push feeds one sample; ok is false while warming up.
func (s *smoother) Push(x float64) (float64, bool) {
	if s.method == "sma" {
		s.win.Push(x)
		if !s.win.Full() {
			return 0, false
		}
		return s.win.Mean(), true
	}
	s.count++
	if s.count <= s.period {
		s.seed += x
		if s.count == s.period {
			s.value = s.seed / float64(s.period)
			return s.value, true
		}
		return 0, false
	}
	s.value += s.alpha * (x - s.value)
	return s.value, true
}

// ring is a fixed-capacity window. Scans are bounded by the configured
// period, so per-push cost stays constant in series length.
type ring struct {
	buf []float64
	idx int
	n   int
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, size)}
}

func (r *ring) Push(x float64) {
	r.buf[r.idx] = x
	r.idx = (r.idx + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) Full() bool { return r.n == len(r.buf) }
func (r *ring) Len() int   { return r.n }

// At returns the value pushed `back` pushes ago (0 = newest).
func (r *ring) At(back int) float64 {
	pos := (r.idx - 1 - back + 2*len(r.buf)) % len(r.buf)
	return r.buf[pos]
}

func (r *ring) Min() float64 {
	m := math.Inf(1)
	for i := 0; i < r.n; i++ {
		if v := r.At(i); v < m {
			m = v
		}
	}
	return m
}

func (r *ring) Max() float64 {
	m := math.Inf(-1)
	for i := 0; i < r.n; i++ {
		if v := r.At(i); v > m {
			m = v
		}
	}
	return m
}

func (r *ring) Mean() float64 {
	if r.n == 0 {
		return math.NaN()
	}
	sum := 0.0
	for i := 0; i < r.n; i++ {
		sum += r.At(i)
	}
	return sum / float64(r.n)
}

// Parameter extraction. Config arrives as yaml (ints stay ints) or
// JSON (numbers are float64); both are accepted.

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("param %s: %v is not an integer", key, v)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %s: want integer, got %T", key, v)
	}
}

func floatParam(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("param %s: want number, got %T", key, v)
	}
}

func stringParam(params map[string]any, key, def string, allowed ...string) (string, error) {
	out := def
	if v, ok := params[key]; ok {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("param %s: want string, got %T", key, v)
		}
		out = s
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if out == a {
				return out, nil
			}
		}
		return "", fmt.Errorf("param %s: %q not in %v", key, out, allowed)
	}
	return out, nil
}

func boolParam(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %s: want bool, got %T", key, v)
	}
	return b, nil
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// sourcePrice maps a bar to the configured price series.
func sourcePrice(b Bar, source string) float64 {
	switch source {
	case "hl2":
		return (b.High + b.Low) / 2
	case "hlc3":
		return (b.High + b.Low + b.Close) / 3
	case "ohlc4":
		return (b.Open + b.High + b.Low + b.Close) / 4
	default:
		return b.Close
	}
}

func trueRange(b Bar, prevClose float64, hasPrev bool) float64 {
	tr := b.High - b.Low
	if hasPrev {
		tr = math.Max(tr, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
	}
	return tr
}

// haState carries the Heikin-Ashi open recursion for the "ha" source.
type haState struct {
	open  float64
	close float64
	init  bool
}

// bar transforms a raw candle into its Heikin-Ashi form.
func (h *haState) bar(b Bar) (open, high, low, close float64) {
	close = (b.Open + b.High + b.Low + b.Close) / 4
	if h.init {
		open = (h.open + h.close) / 2
	} else {
		open = (b.Open + b.Close) / 2
	}
	high = math.Max(b.High, math.Max(open, close))
	low = math.Min(b.Low, math.Min(open, close))
	h.open = open
	h.close = close
	h.init = true
	return open, high, low, close
}

// price is the HA midpoint used where a single price series is needed.
func (h *haState) price(b Bar) float64 {
	open, _, _, close := h.bar(b)
	return (open + close) / 2
}
