package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuartilesInterpolate(t *testing.T) {
	q1, q3, ok := quartiles([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 100})
	require.True(t, ok)
	assert.InDelta(t, 3.25, q1, 1e-12)
	assert.InDelta(t, 7.75, q3, 1e-12)

	// Non-finite values are ignored.
	q1, q3, ok = quartiles([]float64{math.NaN(), 1, 3, math.Inf(1)})
	require.True(t, ok)
	assert.InDelta(t, 1.5, q1, 1e-12)
	assert.InDelta(t, 2.5, q3, 1e-12)

	_, _, ok = quartiles([]float64{math.NaN(), 7})
	assert.False(t, ok)
}

func TestClipIQR(t *testing.T) {
	col := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 100}
	clipped := clipIQR(col, 1.5)
	assert.Equal(t, 1, clipped)
	// Q1 3.25, Q3 7.75, IQR 4.5: the upper fence is 14.5.
	assert.InDelta(t, 14.5, col[9], 1e-12)
	assert.Equal(t, 1.0, col[0]) // in range, untouched
}

func TestClipIQRSkipsDegenerateSpread(t *testing.T) {
	col := []float64{5, 5, 5, 5}
	assert.Equal(t, 0, clipIQR(col, 1.5))
	assert.Equal(t, []float64{5, 5, 5, 5}, col)
}

func TestClipIQRLeavesNaNAlone(t *testing.T) {
	col := []float64{1, math.NaN(), 2, 3, 4, 5, 6, 7, 8, 9, 1000}
	clipIQR(col, 1.5)
	assert.True(t, math.IsNaN(col[1]))
}

func TestForwardFillRespectsLimit(t *testing.T) {
	col := []float64{math.NaN(), 1, math.NaN(), math.NaN(), 2, math.NaN()}
	filled := forwardFill(col, 1)
	assert.Equal(t, 2, filled)
	assert.True(t, math.IsNaN(col[0])) // nothing before it to copy
	assert.Equal(t, 1.0, col[2])
	assert.True(t, math.IsNaN(col[3])) // second cell of the gap stays
	assert.Equal(t, 2.0, col[5])
}

func TestForwardFillLongerLimit(t *testing.T) {
	col := []float64{1, math.NaN(), math.NaN(), math.NaN()}
	filled := forwardFill(col, 2)
	assert.Equal(t, 2, filled)
	assert.Equal(t, 1.0, col[1])
	assert.Equal(t, 1.0, col[2])
	assert.True(t, math.IsNaN(col[3]))
}

func TestForwardFillZeroLimitIsNoOp(t *testing.T) {
	col := []float64{1, math.NaN()}
	assert.Equal(t, 0, forwardFill(col, 0))
	assert.True(t, math.IsNaN(col[1]))
}

func TestInvalidRate(t *testing.T) {
	assert.Equal(t, 0.5, invalidRate([]float64{1, math.NaN(), math.Inf(-1), 4}))
	assert.Equal(t, 0.0, invalidRate([]float64{1, 2}))
	assert.Equal(t, 0.0, invalidRate(nil))
}
