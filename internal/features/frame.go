// Package features turns windows of completed candles into validated,
// hashed feature rows. The engine wires configured indicators over a
// frame, applies quality control and emits rows the signal stage can
// score.
package features

import (
	"fmt"
	"sort"

	"github.com/sawpanic/marketflow/internal/features/indicators"
)

// BarRow is one completed candle tagged with the series it belongs to.
type BarRow struct {
	Symbol  string
	TF      string
	TSEvent int64
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  float64
}

// Bar strips the series identity for indicator math.
func (r BarRow) Bar() indicators.Bar {
	return indicators.Bar{
		TS:     r.TSEvent,
		Open:   r.Open,
		High:   r.High,
		Low:    r.Low,
		Close:  r.Close,
		Volume: r.Volume,
	}
}

// Frame is a canonically ordered table of bar rows plus the feature
// columns computed over them. Rows are sorted by (symbol, timeframe,
// ts_event) with a stable sort, so equal keys keep arrival order.
type Frame struct {
	rows  []BarRow
	cols  map[string][]float64
	order []string
}

// NewFrame copies and canonicalizes the given rows.
func NewFrame(rows []BarRow) *Frame {
	cp := make([]BarRow, len(rows))
	copy(cp, rows)
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].Symbol != cp[j].Symbol {
			return cp[i].Symbol < cp[j].Symbol
		}
		if cp[i].TF != cp[j].TF {
			return cp[i].TF < cp[j].TF
		}
		return cp[i].TSEvent < cp[j].TSEvent
	})
	return &Frame{rows: cp, cols: make(map[string][]float64)}
}

// Len is the row count.
func (f *Frame) Len() int { return len(f.rows) }

// Rows exposes the canonical rows; callers must not mutate them.
func (f *Frame) Rows() []BarRow { return f.rows }

// AddColumn attaches a computed column. Name collisions are fatal so
// two indicators can never silently overwrite each other.
func (f *Frame) AddColumn(name string, values []float64) error {
	if len(values) != len(f.rows) {
		return fmt.Errorf("features: column %s has %d values for %d rows", name, len(values), len(f.rows))
	}
	if _, dup := f.cols[name]; dup {
		return fmt.Errorf("features: duplicate column %s", name)
	}
	f.cols[name] = values
	f.order = append(f.order, name)
	return nil
}

// Column returns a computed column by name.
func (f *Frame) Column(name string) ([]float64, bool) {
	c, ok := f.cols[name]
	return c, ok
}

// Columns lists computed columns in attachment order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// groups partitions row indices by (symbol, tf), preserving canonical
// order inside each group. Iteration order follows first appearance.
func (f *Frame) groups() []frameGroup {
	var out []frameGroup
	index := map[string]int{}
	for i, r := range f.rows {
		key := r.Symbol + "|" + r.TF
		gi, ok := index[key]
		if !ok {
			gi = len(out)
			index[key] = gi
			out = append(out, frameGroup{symbol: r.Symbol, tf: r.TF})
		}
		out[gi].rows = append(out[gi].rows, i)
	}
	return out
}

type frameGroup struct {
	symbol string
	tf     string
	rows   []int
}
