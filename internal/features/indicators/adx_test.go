package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trendBars climbs one point per bar, so every bar is pure plus
// directional movement.
func trendBars(n int) []Bar {
	bars := make([]Bar, n)
	for i := range bars {
		base := float64(i)
		bars[i] = candle(i, 9.5+base, 10+base, 9+base, 9.5+base, 1)
	}
	return bars
}

func TestADXWarmupBoundaries(t *testing.T) {
	ind, err := New(Descriptor{Kind: "adx", Params: map[string]any{"period": 3}})
	require.NoError(t, err)

	out := ind.Compute(trendBars(10))

	// DI needs period directional samples, which start on bar 1.
	assert.True(t, math.IsNaN(out["adx_pdi"][2]))
	assert.False(t, math.IsNaN(out["adx_pdi"][3]))

	// ADX needs period DX samples on top of that: first value on bar
	// 2*period - 1.
	assert.True(t, math.IsNaN(out["adx"][4]))
	assert.False(t, math.IsNaN(out["adx"][5]))
}

func TestADXSaturatesInPureTrend(t *testing.T) {
	ind, err := New(Descriptor{Kind: "adx", Params: map[string]any{"period": 3}})
	require.NoError(t, err)

	out := ind.Compute(trendBars(12))

	// Up moves are 1, down moves are -1: -DM is always zero, so -DI
	// is zero, DX is 100 and ADX converges to 100.
	last := len(out["adx"]) - 1
	assert.InDelta(t, 0.0, out["adx_mdi"][last], 1e-9)
	assert.InDelta(t, 100.0, out["adx"][last], 1e-9)

	// TR is max(1, 1.5, 0.5) = 1.5 against +DM 1.
	assert.InDelta(t, 100/1.5, out["adx_pdi"][last], 1e-9)
}

func TestADXRLagsByPeriod(t *testing.T) {
	ind, err := New(Descriptor{Kind: "adx", Params: map[string]any{"period": 3, "adxr": true}})
	require.NoError(t, err)

	out := ind.Compute(trendBars(12))
	adx, adxr := out["adx"], out["adx_adxr"]

	// First ADX lands on bar 5; ADXR needs an ADX from 3 bars before,
	// so it starts on bar 8.
	assert.True(t, math.IsNaN(adxr[7]))
	require.False(t, math.IsNaN(adxr[8]))
	assert.InDelta(t, (adx[8]+adx[5])/2, adxr[8], 1e-12)
	assert.InDelta(t, (adx[11]+adx[8])/2, adxr[11], 1e-12)
}

func TestADXFlatSeriesStaysZero(t *testing.T) {
	ind, err := New(Descriptor{Kind: "adx", Params: map[string]any{"period": 3}})
	require.NoError(t, err)

	bars := make([]Bar, 10)
	for i := range bars {
		bars[i] = candle(i, 10, 11, 9, 10, 1)
	}
	out := ind.Compute(bars)

	// No directional movement at all: both DI lines and ADX are zero.
	assert.InDelta(t, 0.0, out["adx_pdi"][9], 1e-12)
	assert.InDelta(t, 0.0, out["adx_mdi"][9], 1e-12)
	assert.InDelta(t, 0.0, out["adx"][9], 1e-12)
}

func TestADXRejectsBadParams(t *testing.T) {
	_, err := New(Descriptor{Kind: "adx", Params: map[string]any{"period": -1}})
	require.Error(t, err)
	_, err = New(Descriptor{Kind: "adx", Params: map[string]any{"adxr_lag": 0, "adxr": true}})
	require.Error(t, err)
}
