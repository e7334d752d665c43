package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func atrBars() []Bar {
	return []Bar{
		candle(0, 10, 12, 8, 10, 1),  // TR 4 (no previous close)
		candle(1, 10, 13, 9, 12, 1),  // TR max(4,3,1) = 4
		candle(2, 12, 15, 11, 14, 1), // TR max(4,3,1) = 4
		candle(3, 14, 16, 10, 12, 1), // TR max(6,2,4) = 6
		candle(4, 12, 20, 14, 18, 1), // TR max(6,8,2) = 8
	}
}

func TestATRWilder(t *testing.T) {
	ind, err := New(Descriptor{Kind: "atr", Params: map[string]any{"period": 3}})
	require.NoError(t, err)

	out := ind.Compute(atrBars())
	atr := out["atr"]
	require.Len(t, atr, 5)
	assert.True(t, math.IsNaN(atr[0]))
	assert.True(t, math.IsNaN(atr[1]))
	assert.InDelta(t, 4.0, atr[2], 1e-12)
	assert.InDelta(t, 4+2.0/3, atr[3], 1e-12)
	assert.InDelta(t, 52.0/9, atr[4], 1e-12)
}

func TestATRMethodVariants(t *testing.T) {
	bars := atrBars()

	ema, err := New(Descriptor{Kind: "atr", Params: map[string]any{"period": 3, "method": "ema"}})
	require.NoError(t, err)
	assert.InDelta(t, 6.5, ema.Compute(bars)["atr"][4], 1e-12)

	sma, err := New(Descriptor{Kind: "atr", Params: map[string]any{"period": 3, "method": "sma"}})
	require.NoError(t, err)
	assert.InDelta(t, 6.0, sma.Compute(bars)["atr"][4], 1e-12)
}

func TestATRNormalizedAndBands(t *testing.T) {
	ind, err := New(Descriptor{Kind: "atr", Params: map[string]any{
		"period": 3, "natr": true, "bands": true, "band_k": 1.5,
	}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"atr", "atr_natr", "atr_upper", "atr_lower"}, ind.Columns())

	out := ind.Compute(atrBars())
	// Bar 2: ATR 4, close 14.
	assert.InDelta(t, 100*4.0/14, out["atr_natr"][2], 1e-12)
	assert.InDelta(t, 14+1.5*4, out["atr_upper"][2], 1e-12)
	assert.InDelta(t, 14-1.5*4, out["atr_lower"][2], 1e-12)
	assert.True(t, math.IsNaN(out["atr_natr"][1]))
}

func TestATRNatrHL2Reference(t *testing.T) {
	ind, err := New(Descriptor{Kind: "atr", Params: map[string]any{
		"period": 3, "natr": true, "natr_ref": "hl2",
	}})
	require.NoError(t, err)

	out := ind.Compute(atrBars())
	// Bar 2: ATR 4, hl2 = (15+11)/2 = 13.
	assert.InDelta(t, 100*4.0/13, out["atr_natr"][2], 1e-12)
}

func TestATRRejectsBadParams(t *testing.T) {
	_, err := New(Descriptor{Kind: "atr", Params: map[string]any{"period": 0}})
	require.Error(t, err)
	_, err = New(Descriptor{Kind: "atr", Params: map[string]any{"method": "hull"}})
	require.Error(t, err)
	_, err = New(Descriptor{Kind: "atr", Params: map[string]any{"natr_ref": "open"}})
	require.Error(t, err)
}
