package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/features/indicators"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
)

// baseColumns are always present in a frame and reserved.
var baseColumns = []string{"symbol", "timeframe", "ts_event", "open", "high", "low", "close", "volume"}

// Config selects the indicator set and quality-control knobs.
type Config struct {
	Indicators []indicators.Descriptor `yaml:"indicators"`
	IQRK       float64                 `yaml:"iqr_k"`
	FFillLimit int                     `yaml:"ffill_limit"`
}

// DefaultConfig wires the indicators the rule stage scores on.
func DefaultConfig() Config {
	return Config{
		Indicators: []indicators.Descriptor{
			{Kind: "atr", Params: map[string]any{"period": 14}},
			{Kind: "adx", Params: map[string]any{"period": 14}},
			{Kind: "vwap", Params: map[string]any{"anchor": "day"}},
		},
		IQRK:       1.5,
		FFillLimit: 1,
	}
}

// Row is one validated feature row, ready for scoring or caching.
type Row struct {
	Symbol      string             `json:"symbol"`
	TF          string             `json:"tf"`
	TSEvent     int64              `json:"ts_event_ms"`
	Values      map[string]float64 `json:"values"`
	FeatureHash string             `json:"feature_hash"`
	CodeHash    string             `json:"code_hash"`
}

// Document renders the row as the generic form the schema registry
// validates.
func (r Row) Document() map[string]any {
	vals := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		vals[k] = v
	}
	return map[string]any{
		"symbol":       r.Symbol,
		"tf":           r.TF,
		"ts_event":     schema.ISOUTC(r.TSEvent),
		"values":       vals,
		"feature_hash": r.FeatureHash,
		"code_hash":    r.CodeHash,
	}
}

// Result is the outcome of one frame computation.
type Result struct {
	Rows        []Row
	InvalidRate map[string]float64
	Overall     float64
	Dropped     int
}

// Latest returns the newest row for the given series, if any row for
// it survived validation.
func (res *Result) Latest(symbol, tf string) (Row, bool) {
	for i := len(res.Rows) - 1; i >= 0; i-- {
		r := res.Rows[i]
		if r.Symbol == symbol && r.TF == tf {
			return r, true
		}
	}
	return Row{}, false
}

// Engine computes configured indicators over canonical frames, runs
// quality control and emits hashed, schema-validated feature rows.
type Engine struct {
	cfg      Config
	inds     []indicators.Indicator
	codeHash string
	registry *schema.Registry
	m        *metrics.Registry
}

// NewEngine builds every configured indicator and fails on column
// collisions, so a bad config never reaches the hot path.
func NewEngine(cfg Config, registry *schema.Registry, m *metrics.Registry) (*Engine, error) {
	if len(cfg.Indicators) == 0 {
		return nil, fmt.Errorf("features: no indicators configured")
	}
	if registry == nil {
		return nil, fmt.Errorf("features: nil schema registry")
	}
	if cfg.IQRK <= 0 {
		cfg.IQRK = 1.5
	}
	if cfg.FFillLimit < 0 {
		cfg.FFillLimit = 0
	}

	reserved := map[string]string{}
	for _, c := range baseColumns {
		reserved[c] = "frame"
	}
	inds := make([]indicators.Indicator, 0, len(cfg.Indicators))
	lines := make([]string, 0, len(cfg.Indicators))
	for _, d := range cfg.Indicators {
		ind, err := indicators.New(d)
		if err != nil {
			return nil, fmt.Errorf("features: %w", err)
		}
		for _, col := range ind.Columns() {
			if owner, dup := reserved[col]; dup {
				return nil, fmt.Errorf("features: column %s from %s already produced by %s", col, ind.Name(), owner)
			}
			reserved[col] = ind.Name()
		}
		line, err := indicators.CanonicalLine(d)
		if err != nil {
			return nil, fmt.Errorf("features: %w", err)
		}
		inds = append(inds, ind)
		lines = append(lines, line)
	}

	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return &Engine{
		cfg:      cfg,
		inds:     inds,
		codeHash: hex.EncodeToString(sum[:])[:16],
		registry: registry,
		m:        m,
	}, nil
}

// CodeHash identifies the configured computation; rows carry it so a
// cached row can be matched against the config that produced it.
func (e *Engine) CodeHash() string { return e.codeHash }

// Compute runs the full pipeline over one frame: indicators per
// (symbol, timeframe) group, IQR clip, forward fill, invalid-rate
// stats, then per-row hashing and schema validation. Rows that carry
// any non-finite value or fail validation are dropped and counted.
func (e *Engine) Compute(frame *Frame) (*Result, error) {
	start := time.Now()
	if frame.Len() == 0 {
		return &Result{InvalidRate: map[string]float64{}}, nil
	}

	for _, ind := range e.inds {
		cols := make(map[string][]float64, len(ind.Columns()))
		for _, c := range ind.Columns() {
			col := make([]float64, frame.Len())
			for i := range col {
				col[i] = math.NaN()
			}
			cols[c] = col
		}
		for _, g := range frame.groups() {
			bars := make([]indicators.Bar, len(g.rows))
			for i, ri := range g.rows {
				bars[i] = frame.Rows()[ri].Bar()
			}
			out := ind.Compute(bars)
			for c, series := range out {
				for i, ri := range g.rows {
					cols[c][ri] = series[i]
				}
			}
		}
		for _, c := range ind.Columns() {
			if err := frame.AddColumn(c, cols[c]); err != nil {
				return nil, err
			}
		}
	}

	res := &Result{InvalidRate: make(map[string]float64)}
	var badCells, totalCells int
	for _, name := range frame.Columns() {
		col, _ := frame.Column(name)
		clipIQR(col, e.cfg.IQRK)
		forwardFill(col, e.cfg.FFillLimit)
		res.InvalidRate[name] = invalidRate(col)
		for _, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				badCells++
			}
		}
		totalCells += len(col)
	}
	if totalCells > 0 {
		res.Overall = float64(badCells) / float64(totalCells)
	}

	for i, bar := range frame.Rows() {
		row, ok := e.buildRow(frame, i, bar)
		if !ok {
			res.Dropped++
			continue
		}
		if err := e.registry.Validate("features", 2, row.Document()); err != nil {
			log.Debug().Err(err).Str("symbol", bar.Symbol).Str("tf", bar.TF).Msg("Feature row failed validation")
			res.Dropped++
			continue
		}
		res.Rows = append(res.Rows, row)
	}

	if e.m != nil {
		e.m.FeatureRows.Add(float64(len(res.Rows)))
		e.m.FeatureRowsBad.Add(float64(res.Dropped))
		e.m.ComputeSeconds.Observe(time.Since(start).Seconds())
	}
	return res, nil
}

// buildRow assembles and hashes one row; ok is false when any value
// is non-finite, which covers indicator warm-up rows.
func (e *Engine) buildRow(frame *Frame, i int, bar BarRow) (Row, bool) {
	values := map[string]float64{
		"open":   bar.Open,
		"high":   bar.High,
		"low":    bar.Low,
		"close":  bar.Close,
		"volume": bar.Volume,
	}
	for _, name := range frame.Columns() {
		col, _ := frame.Column(name)
		values[name] = col[i]
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Row{}, false
		}
	}
	row := Row{
		Symbol:   bar.Symbol,
		TF:       bar.TF,
		TSEvent:  bar.TSEvent,
		Values:   values,
		CodeHash: e.codeHash,
	}
	row.FeatureHash = featureHash(row)
	return row, true
}

// featureHash digests the canonical row document: keys sorted, values
// rounded to 10 decimal places, timestamp in ISO-8601 UTC.
func featureHash(r Row) string {
	rounded := make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		rounded[k] = math.Round(v*1e10) / 1e10
	}
	doc := map[string]any{
		"symbol":    r.Symbol,
		"tf":        r.TF,
		"ts":        schema.ISOUTC(r.TSEvent),
		"values":    rounded,
		"code_hash": r.CodeHash,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		// Only non-finite floats can fail here and buildRow filtered
		// them already.
		raw = []byte(r.Symbol + "|" + r.TF)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
