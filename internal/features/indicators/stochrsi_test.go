package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStochRSIBase(t *testing.T) {
	ind, err := New(Descriptor{Kind: "stochrsi", Params: map[string]any{
		"rsi_len": 2, "stoch_len": 2, "k": 1, "d": 1,
	}})
	require.NoError(t, err)

	out := ind.Compute(closeBars(10, 11, 13, 12, 15))
	base := out["stochrsi"]

	// RSI(2): bar 2 has avgGain 1.5 / avgLoss 0 -> 100, bar 3 -> 60,
	// bar 4 -> 100 - 100/8.5.
	// Stoch window of 2 RSI values is first full on bar 3.
	assert.True(t, math.IsNaN(base[2]))
	assert.InDelta(t, 0.0, base[3], 1e-12) // RSI 60 is the window low
	assert.InDelta(t, 1.0, base[4], 1e-12) // RSI 88.24 is the window high

	// With k = d = 1 the smoothed lines equal the base.
	assert.InDelta(t, base[3], out["stochrsi_k"][3], 1e-12)
	assert.InDelta(t, base[3], out["stochrsi_d"][3], 1e-12)
}

func TestStochRSISmoothedKAndD(t *testing.T) {
	ind, err := New(Descriptor{Kind: "stochrsi", Params: map[string]any{
		"rsi_len": 2, "stoch_len": 2, "k": 2, "d": 2,
	}})
	require.NoError(t, err)

	out := ind.Compute(closeBars(10, 11, 13, 12, 15, 14, 17))
	base, k, d := out["stochrsi"], out["stochrsi_k"], out["stochrsi_d"]

	// %K is a 2-bar SMA of the base, so it needs two base values.
	assert.True(t, math.IsNaN(k[3]))
	require.False(t, math.IsNaN(k[4]))
	assert.InDelta(t, (base[3]+base[4])/2, k[4], 1e-12)

	// %D smooths %K and lags one more bar.
	assert.True(t, math.IsNaN(d[4]))
	require.False(t, math.IsNaN(d[5]))
	assert.InDelta(t, (k[4]+k[5])/2, d[5], 1e-12)
}

func TestStochRSIFlatWindowPolicies(t *testing.T) {
	// Monotone rises pin RSI(1) at 100, so the stoch window is flat
	// from the first full window onward.
	bars := closeBars(10, 11, 12, 13, 14)
	params := func(policy string) map[string]any {
		return map[string]any{
			"rsi_len": 1, "stoch_len": 2, "k": 1, "d": 1, "zero_div": policy,
		}
	}

	nan, err := New(Descriptor{Kind: "stochrsi", Params: params("nan")})
	require.NoError(t, err)
	out := nan.Compute(bars)
	assert.True(t, math.IsNaN(out["stochrsi"][4]))

	zero, err := New(Descriptor{Kind: "stochrsi", Params: params("zero")})
	require.NoError(t, err)
	out = zero.Compute(bars)
	assert.InDelta(t, 0.0, out["stochrsi"][4], 1e-12)
}

func TestStochRSIPrevPolicyReusesLastBase(t *testing.T) {
	ind, err := New(Descriptor{Kind: "stochrsi", Params: map[string]any{
		"rsi_len": 1, "stoch_len": 2, "k": 1, "d": 1, "zero_div": "prev",
	}})
	require.NoError(t, err)

	// Down, up, up: the second up makes the RSI window flat at 100
	// and the policy repeats the last resolvable base.
	out := ind.Compute(closeBars(10, 9, 11, 12, 13))
	base := out["stochrsi"]
	require.False(t, math.IsNaN(base[2]))
	assert.InDelta(t, 1.0, base[2], 1e-12) // RSI 100 against window {0, 100}
	assert.InDelta(t, 1.0, base[3], 1e-12)
	assert.InDelta(t, 1.0, base[4], 1e-12)
}

func TestStochRSIFisherTransform(t *testing.T) {
	ind, err := New(Descriptor{Kind: "stochrsi", Params: map[string]any{
		"rsi_len": 2, "stoch_len": 2, "k": 1, "d": 1, "fisher": true,
	}})
	require.NoError(t, err)

	out := ind.Compute(closeBars(10, 11, 13, 12, 15))
	fisher := out["stochrsi_fisher"]

	// base 0 clamps to -0.999, base 1 to +0.999.
	want := 0.5 * math.Log(1.999/0.001)
	assert.InDelta(t, -want, fisher[3], 1e-9)
	assert.InDelta(t, want, fisher[4], 1e-9)
}

func TestStochRSIStaysInUnitRange(t *testing.T) {
	ind, err := New(Descriptor{Kind: "stochrsi", Params: map[string]any{"zero_div": "zero"}})
	require.NoError(t, err)

	out := ind.Compute(walkBars(300))
	for i, v := range out["stochrsi"] {
		if math.IsNaN(v) {
			continue
		}
		assert.GreaterOrEqual(t, v, 0.0, "bar %d", i)
		assert.LessOrEqual(t, v, 1.0, "bar %d", i)
	}
}

func TestStochRSIRejectsBadParams(t *testing.T) {
	_, err := New(Descriptor{Kind: "stochrsi", Params: map[string]any{"rsi_len": 0}})
	require.Error(t, err)
	_, err = New(Descriptor{Kind: "stochrsi", Params: map[string]any{"zero_div": "hold"}})
	require.Error(t, err)
	_, err = New(Descriptor{Kind: "stochrsi", Params: map[string]any{"ma_method": "hull"}})
	require.Error(t, err)
}
