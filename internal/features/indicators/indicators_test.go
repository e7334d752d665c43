package indicators

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// candle builds a bar from explicit OHLCV, timestamps spaced one
// minute apart from a fixed origin.
func candle(i int, o, h, l, c, v float64) Bar {
	return Bar{TS: 1_700_000_000_000 + int64(i)*60_000, Open: o, High: h, Low: l, Close: c, Volume: v}
}

// closeBars builds a series where every price field tracks the close,
// which keeps hand computations short.
func closeBars(closes ...float64) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = candle(i, c, c, c, c, 1)
	}
	return bars
}

// walkBars generates a deterministic pseudo-random series for parity
// checks.
func walkBars(n int) []Bar {
	rng := rand.New(rand.NewSource(42))
	bars := make([]Bar, n)
	price := 100.0
	for i := range bars {
		open := price
		price += rng.Float64()*4 - 2
		hi := math.Max(open, price) + rng.Float64()
		lo := math.Min(open, price) - rng.Float64()
		bars[i] = candle(i, open, hi, lo, price, 1+rng.Float64()*10)
	}
	return bars
}

func TestNewDispatchesByKind(t *testing.T) {
	for _, kind := range Kinds() {
		ind, err := New(Descriptor{Kind: kind})
		require.NoError(t, err, kind)
		assert.Equal(t, kind, ind.Name())
		assert.NotEmpty(t, ind.Columns())
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(Descriptor{Kind: "macd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestNewCustomNamePrefixesColumns(t *testing.T) {
	ind, err := New(Descriptor{Kind: "atr", Name: "atr_fast", Params: map[string]any{"period": 5}})
	require.NoError(t, err)
	assert.Equal(t, "atr_fast", ind.Name())
	assert.Equal(t, []string{"atr_fast"}, ind.Columns())
}

func TestCanonicalLine(t *testing.T) {
	line, err := CanonicalLine(Descriptor{Kind: "atr", Params: map[string]any{"period": 14, "method": "wilder"}})
	require.NoError(t, err)
	assert.Equal(t, `atr@1{"method":"wilder","period":14}`, line)

	line, err = CanonicalLine(Descriptor{Kind: "obv", Name: "obv_usd"})
	require.NoError(t, err)
	assert.Equal(t, `obv_usd@1{}`, line)

	_, err = CanonicalLine(Descriptor{Kind: "nope"})
	require.Error(t, err)
}

func TestSmootherMethods(t *testing.T) {
	samples := []float64{4, 4, 4, 6, 8}

	push := func(method string) []float64 {
		sm, err := newSmoother(method, 3)
		require.NoError(t, err)
		out := make([]float64, 0, len(samples))
		for _, x := range samples {
			v, ok := sm.Push(x)
			if !ok {
				v = math.NaN()
			}
			out = append(out, v)
		}
		return out
	}

	wilder := push("wilder")
	assert.True(t, math.IsNaN(wilder[0]))
	assert.True(t, math.IsNaN(wilder[1]))
	assert.InDelta(t, 4.0, wilder[2], 1e-12)
	assert.InDelta(t, 4+2.0/3, wilder[3], 1e-12)
	assert.InDelta(t, (4+2.0/3)+(8-(4+2.0/3))/3, wilder[4], 1e-12)

	ema := push("ema")
	assert.InDelta(t, 4.0, ema[2], 1e-12)
	assert.InDelta(t, 5.0, ema[3], 1e-12) // alpha 0.5
	assert.InDelta(t, 6.5, ema[4], 1e-12)

	sma := push("sma")
	assert.InDelta(t, 4.0, sma[2], 1e-12)
	assert.InDelta(t, 14.0/3, sma[3], 1e-12)
	assert.InDelta(t, 6.0, sma[4], 1e-12)

	_, err := newSmoother("hull", 3)
	require.Error(t, err)
}

func TestRingWindowOps(t *testing.T) {
	r := newRing(3)
	r.Push(5)
	assert.False(t, r.Full())
	r.Push(1)
	r.Push(9)
	require.True(t, r.Full())
	assert.Equal(t, 9.0, r.At(0))
	assert.Equal(t, 1.0, r.At(1))
	assert.Equal(t, 5.0, r.At(2))
	assert.Equal(t, 1.0, r.Min())
	assert.Equal(t, 9.0, r.Max())
	assert.InDelta(t, 5.0, r.Mean(), 1e-12)

	r.Push(2) // evicts 5
	assert.Equal(t, 2.0, r.At(0))
	assert.Equal(t, 9.0, r.Max())
	assert.Equal(t, 1.0, r.Min())
}

// Every indicator's batch tail must agree with a streaming pass over
// the same bars, so live computation and replay produce identical
// feature rows.
func TestStreamingMatchesBatchTail(t *testing.T) {
	bars := walkBars(200)

	descriptors := []Descriptor{
		{Kind: "atr", Params: map[string]any{"period": 14, "natr": true, "bands": true}},
		{Kind: "atr", Params: map[string]any{"period": 10, "method": "ema"}},
		{Kind: "atr", Params: map[string]any{"period": 10, "method": "sma"}},
		{Kind: "adx", Params: map[string]any{"period": 14, "adxr": true}},
		{Kind: "vwap", Params: map[string]any{"anchor": "day", "bands": true}},
		{Kind: "vwap", Params: map[string]any{"anchor": "week", "source": "hlc3"}},
		{Kind: "vwap", Params: map[string]any{"anchor": "month", "source": "ha", "bands": true, "band_method": "mad"}},
		{Kind: "obv", Params: map[string]any{"tie": "carry", "volume": "notional"}},
		{Kind: "ichimoku", Params: map[string]any{"displaced": true}},
		{Kind: "ichimoku", Params: map[string]any{"displaced": false, "source": "ha"}},
		{Kind: "stochrsi", Params: map[string]any{"fisher": true}},
		{Kind: "stochrsi", Params: map[string]any{"rsi_len": 7, "stoch_len": 9, "zero_div": "zero"}},
	}

	for _, d := range descriptors {
		ind, err := New(d)
		require.NoError(t, err, d.Kind)

		batch := ind.Compute(bars)
		stream := ind.Stream()
		var last map[string]float64
		for _, b := range bars {
			last = stream.Push(b)
		}

		for _, col := range ind.Columns() {
			want := batch[col][len(bars)-1]
			got := last[col]
			if math.IsNaN(want) {
				assert.True(t, math.IsNaN(got), "%s %s: batch NaN, stream %v", d.Kind, col, got)
				continue
			}
			assert.InDelta(t, want, got, 1e-9, "%s %s", d.Kind, col)
		}
	}
}

func TestParamTypeCoercion(t *testing.T) {
	// yaml decodes integers as int, JSON as float64; both must work.
	fromYAML, err := New(Descriptor{Kind: "atr", Params: map[string]any{"period": 5}})
	require.NoError(t, err)
	fromJSON, err := New(Descriptor{Kind: "atr", Params: map[string]any{"period": float64(5)}})
	require.NoError(t, err)

	bars := walkBars(30)
	assert.InDelta(t, fromYAML.Compute(bars)["atr"][29], fromJSON.Compute(bars)["atr"][29], 1e-12)

	_, err = New(Descriptor{Kind: "atr", Params: map[string]any{"period": 5.5}})
	require.Error(t, err)
	_, err = New(Descriptor{Kind: "atr", Params: map[string]any{"period": "five"}})
	require.Error(t, err)
	_, err = New(Descriptor{Kind: "atr", Params: map[string]any{"natr": "yes"}})
	require.Error(t, err)
}
