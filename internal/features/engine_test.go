package features

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketflow/internal/features/indicators"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
)

func atrOnlyConfig(period int) Config {
	return Config{
		Indicators: []indicators.Descriptor{
			{Kind: "atr", Params: map[string]any{"period": period}},
		},
		IQRK:       1.5,
		FFillLimit: 1,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *metrics.Registry) {
	t.Helper()
	m := metrics.NewRegistry()
	eng, err := NewEngine(cfg, schema.DefaultRegistry(), m)
	require.NoError(t, err)
	return eng, m
}

func seriesFrame(symbol, tf string, closes ...float64) *Frame {
	rows := make([]BarRow, len(closes))
	for i, c := range closes {
		rows[i] = row(symbol, tf, 1_700_000_000_000+int64(i)*60_000, c)
	}
	return NewFrame(rows)
}

func TestEngineComputeEmitsValidatedRows(t *testing.T) {
	eng, m := newTestEngine(t, atrOnlyConfig(2))

	res, err := eng.Compute(seriesFrame("BTCUSDT", "1m", 10, 11, 12, 13))
	require.NoError(t, err)

	// ATR(2) warms up on the first bar, which therefore fails the
	// finite check and is dropped.
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Rows, 3)

	first := res.Rows[0]
	assert.Equal(t, "BTCUSDT", first.Symbol)
	assert.Equal(t, "1m", first.TF)
	assert.Len(t, first.FeatureHash, 64)
	assert.Equal(t, eng.CodeHash(), first.CodeHash)
	assert.Len(t, first.CodeHash, 16)
	assert.Contains(t, first.Values, "close")
	assert.Contains(t, first.Values, "atr")

	assert.InDelta(t, 0.25, res.InvalidRate["atr"], 1e-12)
	assert.InDelta(t, 0.25, res.Overall, 1e-12)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.FeatureRows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeatureRowsBad))
}

func TestEngineComputesPerSeries(t *testing.T) {
	eng, _ := newTestEngine(t, Config{
		Indicators: []indicators.Descriptor{{Kind: "obv"}},
	})

	frame := NewFrame([]BarRow{
		row("BTCUSDT", "1m", 1000, 10),
		row("ETHUSDT", "1m", 1000, 5),
		row("BTCUSDT", "1m", 2000, 12),
		row("ETHUSDT", "1m", 2000, 4),
	})
	res, err := eng.Compute(frame)
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)

	// OBV runs independently per series: BTC rises, ETH falls.
	btc, ok := res.Latest("BTCUSDT", "1m")
	require.True(t, ok)
	assert.Equal(t, 1.0, btc.Values["obv"])

	eth, ok := res.Latest("ETHUSDT", "1m")
	require.True(t, ok)
	assert.Equal(t, -1.0, eth.Values["obv"])
}

func TestEngineFeatureHashDeterministicAndRounded(t *testing.T) {
	eng, _ := newTestEngine(t, atrOnlyConfig(2))

	frame := seriesFrame("BTCUSDT", "1m", 10, 11, 12)
	res1, err := eng.Compute(frame)
	require.NoError(t, err)
	res2, err := eng.Compute(seriesFrame("BTCUSDT", "1m", 10, 11, 12))
	require.NoError(t, err)
	assert.Equal(t, res1.Rows[0].FeatureHash, res2.Rows[0].FeatureHash)

	// Noise beyond the 10th decimal hashes identically; noise above
	// it does not.
	base := res1.Rows[0]
	jiggled := base
	jiggled.Values = map[string]float64{}
	for k, v := range base.Values {
		jiggled.Values[k] = v + 1e-12
	}
	assert.Equal(t, featureHash(base), featureHash(jiggled))

	moved := base
	moved.Values = map[string]float64{}
	for k, v := range base.Values {
		moved.Values[k] = v
	}
	moved.Values["close"] += 1e-6
	assert.NotEqual(t, featureHash(base), featureHash(moved))
}

func TestEngineCodeHashTracksConfig(t *testing.T) {
	engA, _ := newTestEngine(t, Config{Indicators: []indicators.Descriptor{
		{Kind: "atr", Params: map[string]any{"period": 14}},
		{Kind: "obv"},
	}})
	// Same descriptors in a different order produce the same hash.
	engB, _ := newTestEngine(t, Config{Indicators: []indicators.Descriptor{
		{Kind: "obv"},
		{Kind: "atr", Params: map[string]any{"period": 14}},
	}})
	assert.Equal(t, engA.CodeHash(), engB.CodeHash())

	engC, _ := newTestEngine(t, Config{Indicators: []indicators.Descriptor{
		{Kind: "atr", Params: map[string]any{"period": 21}},
		{Kind: "obv"},
	}})
	assert.NotEqual(t, engA.CodeHash(), engC.CodeHash())
}

func TestEngineRejectsColumnCollisions(t *testing.T) {
	_, err := NewEngine(Config{Indicators: []indicators.Descriptor{
		{Kind: "atr", Name: "x"},
		{Kind: "obv", Name: "x"},
	}}, schema.DefaultRegistry(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already produced")

	_, err = NewEngine(Config{Indicators: []indicators.Descriptor{
		{Kind: "obv", Name: "close"},
	}}, schema.DefaultRegistry(), nil)
	require.Error(t, err)
}

func TestEngineDropsRowsFailingSchema(t *testing.T) {
	eng, m := newTestEngine(t, Config{Indicators: []indicators.Descriptor{{Kind: "obv"}}})

	// An unknown timeframe survives the finite check but fails the
	// registry's tf enum.
	frame := NewFrame([]BarRow{row("BTCUSDT", "7m", 1000, 10)})
	res, err := eng.Compute(frame)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeatureRowsBad))
}

func TestEngineEmptyFrameIsNoOp(t *testing.T) {
	eng, _ := newTestEngine(t, atrOnlyConfig(2))
	res, err := eng.Compute(NewFrame(nil))
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Zero(t, res.Dropped)
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(Config{}, schema.DefaultRegistry(), nil)
	require.Error(t, err)

	_, err = NewEngine(atrOnlyConfig(2), nil, nil)
	require.Error(t, err)

	_, err = NewEngine(Config{Indicators: []indicators.Descriptor{{Kind: "macd"}}}, schema.DefaultRegistry(), nil)
	require.Error(t, err)
}
