package features

import (
	"fmt"

	"github.com/sawpanic/marketflow/internal/metrics"
)

// Window modes.
const (
	WindowSliding  = "sliding"
	WindowTumbling = "tumbling"
)

// WindowConfig shapes the per-series bar buffer.
type WindowConfig struct {
	Size  int    `yaml:"size"`
	Slide int    `yaml:"slide"`
	Mode  string `yaml:"mode"`
}

// DefaultWindowConfig is a 64-bar sliding window, enough for the
// default indicator warm-ups.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Size: 64, Slide: 0, Mode: WindowSliding}
}

// WindowState buffers completed bars per (symbol, timeframe) and
// emits snapshot frames. Sliding mode emits on every push once the
// buffer is full; tumbling mode emits every slide pushes and then
// clears the buffer.
type WindowState struct {
	cfg    WindowConfig
	m      *metrics.Registry
	series map[string]*seriesWindow
}

type seriesWindow struct {
	rows      []BarRow
	sinceEmit int
}

// NewWindowState validates the config. A zero slide defaults to the
// window size, the classic non-overlapping tumble.
func NewWindowState(cfg WindowConfig, m *metrics.Registry) (*WindowState, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("features: window size must be positive, got %d", cfg.Size)
	}
	switch cfg.Mode {
	case WindowSliding:
	case WindowTumbling:
		if cfg.Slide <= 0 {
			cfg.Slide = cfg.Size
		}
	case "":
		cfg.Mode = WindowSliding
	default:
		return nil, fmt.Errorf("features: unknown window mode %q", cfg.Mode)
	}
	return &WindowState{cfg: cfg, m: m, series: make(map[string]*seriesWindow)}, nil
}

// Update pushes one bar and returns a snapshot frame when the series
// window decides to emit. The snapshot copies the rows, so later
// pushes never mutate an emitted frame.
func (w *WindowState) Update(row BarRow) (*Frame, bool) {
	key := row.Symbol + "|" + row.TF
	sw, ok := w.series[key]
	if !ok {
		sw = &seriesWindow{rows: make([]BarRow, 0, w.cfg.Size)}
		w.series[key] = sw
	}

	if len(sw.rows) == w.cfg.Size {
		copy(sw.rows, sw.rows[1:])
		sw.rows = sw.rows[:w.cfg.Size-1]
	}
	sw.rows = append(sw.rows, row)

	switch w.cfg.Mode {
	case WindowTumbling:
		sw.sinceEmit++
		if len(sw.rows) < w.cfg.Size || sw.sinceEmit < w.cfg.Slide {
			return nil, false
		}
		frame := NewFrame(sw.rows)
		sw.rows = sw.rows[:0]
		sw.sinceEmit = 0
		w.countEmit(row.TF)
		return frame, true
	default:
		if len(sw.rows) < w.cfg.Size {
			return nil, false
		}
		w.countEmit(row.TF)
		return NewFrame(sw.rows), true
	}
}

// Depth reports the buffered bar count for one series.
func (w *WindowState) Depth(symbol, tf string) int {
	if sw, ok := w.series[symbol+"|"+tf]; ok {
		return len(sw.rows)
	}
	return 0
}

func (w *WindowState) countEmit(tf string) {
	if w.m != nil {
		w.m.WindowEmissions.WithLabelValues(tf).Inc()
	}
}
