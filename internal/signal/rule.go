// Package signal scores feature rows: a transparent rule score, a
// model probability, their blend, and the emitter that turns the
// verdict into a published v2 signal.
package signal

import (
	"fmt"
	"math"
)

// ruleEps floors the close price in the ATR normalization so a zero
// close cannot divide out.
const ruleEps = 1e-9

// RuleConfig names the feature columns the rule score reads.
type RuleConfig struct {
	ADXColumn   string `yaml:"adx_column"`
	ATRColumn   string `yaml:"atr_column"`
	VWAPColumn  string `yaml:"vwap_column"`
	CloseColumn string `yaml:"close_column"`
}

// DefaultRuleConfig matches the default indicator names.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		ADXColumn:   "adx",
		ATRColumn:   "atr",
		VWAPColumn:  "vwap",
		CloseColumn: "close",
	}
}

// RuleEngine blends trend strength, value-area position and
// volatility drag into a score in [-1, 1]: strong trends push toward
// +1, trading below VWAP and high relative ATR pull it down.
type RuleEngine struct {
	cfg RuleConfig
}

// NewRuleEngine fills empty column names from the defaults.
func NewRuleEngine(cfg RuleConfig) *RuleEngine {
	def := DefaultRuleConfig()
	if cfg.ADXColumn == "" {
		cfg.ADXColumn = def.ADXColumn
	}
	if cfg.ATRColumn == "" {
		cfg.ATRColumn = def.ATRColumn
	}
	if cfg.VWAPColumn == "" {
		cfg.VWAPColumn = def.VWAPColumn
	}
	if cfg.CloseColumn == "" {
		cfg.CloseColumn = def.CloseColumn
	}
	return &RuleEngine{cfg: cfg}
}

// Score computes the rule score for one feature row.
func (r *RuleEngine) Score(values map[string]float64) (float64, error) {
	adx, err := r.lookup(values, r.cfg.ADXColumn)
	if err != nil {
		return 0, err
	}
	atr, err := r.lookup(values, r.cfg.ATRColumn)
	if err != nil {
		return 0, err
	}
	vwap, err := r.lookup(values, r.cfg.VWAPColumn)
	if err != nil {
		return 0, err
	}
	close, err := r.lookup(values, r.cfg.CloseColumn)
	if err != nil {
		return 0, err
	}

	adxNorm := clamp(adx, 0, 50) / 50
	aboveVWAP := -1.0
	if close > vwap {
		aboveVWAP = 1.0
	}
	atrNorm := clamp(atr/math.Max(close, ruleEps), 0, 0.05) / 0.05

	return clamp(0.6*adxNorm+0.2*aboveVWAP-0.2*atrNorm, -1, 1), nil
}

func (r *RuleEngine) lookup(values map[string]float64, col string) (float64, error) {
	v, ok := values[col]
	if !ok {
		return 0, fmt.Errorf("signal: rule input column %q missing", col)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("signal: rule input column %q is not finite", col)
	}
	return v, nil
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
