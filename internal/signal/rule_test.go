package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleRow(adx, atr, vwap, close float64) map[string]float64 {
	return map[string]float64{"adx": adx, "atr": atr, "vwap": vwap, "close": close}
}

func TestRuleScoreFormula(t *testing.T) {
	r := NewRuleEngine(RuleConfig{})

	// adx 25 normalizes to 0.5, close above vwap, atr is 2.5% of close
	// which normalizes to 0.5: 0.6*0.5 + 0.2*1 - 0.2*0.5 = 0.4.
	score, err := r.Score(ruleRow(25, 2.5, 99, 100))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, score, 1e-9)

	// Same trend and volatility below vwap flips the middle term.
	score, err = r.Score(ruleRow(25, 2.5, 101, 100))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, 1e-9)
}

func TestRuleScoreClampsComponents(t *testing.T) {
	r := NewRuleEngine(RuleConfig{})

	// ADX beyond 50 saturates the trend term.
	strong, err := r.Score(ruleRow(90, 0, 99, 100))
	require.NoError(t, err)
	capped, err := r.Score(ruleRow(50, 0, 99, 100))
	require.NoError(t, err)
	assert.Equal(t, capped, strong)
	assert.InDelta(t, 0.8, strong, 1e-9)

	// ATR beyond 5% of close saturates the volatility drag.
	drag, err := r.Score(ruleRow(0, 50, 101, 100))
	require.NoError(t, err)
	assert.InDelta(t, -0.4, drag, 1e-9)
}

func TestRuleScoreBounded(t *testing.T) {
	r := NewRuleEngine(RuleConfig{})
	for _, row := range []map[string]float64{
		ruleRow(0, 0, 0, 1),
		ruleRow(100, 9999, 1e9, 1e-6),
		ruleRow(50, 0.0001, 1, 2),
	} {
		score, err := r.Score(row)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, -1.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestRuleScoreZeroCloseDoesNotDivideOut(t *testing.T) {
	r := NewRuleEngine(RuleConfig{})
	score, err := r.Score(ruleRow(25, 1, 0.5, 0))
	require.NoError(t, err)
	assert.False(t, math.IsNaN(score))
	assert.False(t, math.IsInf(score, 0))
}

func TestRuleScoreMissingColumn(t *testing.T) {
	r := NewRuleEngine(RuleConfig{})
	_, err := r.Score(map[string]float64{"adx": 25, "atr": 1, "vwap": 99})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close")
}

func TestRuleScoreRejectsNonFinite(t *testing.T) {
	r := NewRuleEngine(RuleConfig{})
	_, err := r.Score(ruleRow(math.NaN(), 1, 99, 100))
	assert.Error(t, err)
	_, err = r.Score(ruleRow(25, math.Inf(1), 99, 100))
	assert.Error(t, err)
}

func TestRuleCustomColumns(t *testing.T) {
	r := NewRuleEngine(RuleConfig{
		ADXColumn:   "adx_adx",
		ATRColumn:   "atr_atr",
		VWAPColumn:  "vwap_day",
		CloseColumn: "close",
	})
	score, err := r.Score(map[string]float64{
		"adx_adx": 25, "atr_atr": 2.5, "vwap_day": 99, "close": 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, score, 1e-9)
}
