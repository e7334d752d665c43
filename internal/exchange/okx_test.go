package exchange

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketflow/internal/schema"
)

func TestOKXSubscribe(t *testing.T) {
	o := NewOKX()
	frames, err := o.Subscribe([]Stream{
		{Kind: schema.EventOHLCV, Symbol: "BTCUSDT", TF: "1h"},
		{Kind: schema.EventTick, Symbol: "BTCUSDT"},
		{Kind: schema.EventFunding, Symbol: "BTCUSDT"},
		{Kind: schema.EventOI, Symbol: "ETHUSDT"},
	}, 20)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame struct {
		Op   string              `json:"op"`
		Args []map[string]string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	require.Len(t, frame.Args, 4)
	assert.Equal(t, map[string]string{"channel": "candle1H", "instId": "BTC-USDT"}, frame.Args[0])
	assert.Equal(t, map[string]string{"channel": "trades", "instId": "BTC-USDT"}, frame.Args[1])
	assert.Equal(t, map[string]string{"channel": "funding-rate", "instId": "BTC-USDT-SWAP"}, frame.Args[2])
	assert.Equal(t, map[string]string{"channel": "open-interest", "instId": "ETH-USDT-SWAP"}, frame.Args[3])
}

func TestOKXParseCandle(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"candle1H","instId":"BTC-USDT"},"data":[["1700000000000","42000","42200","41900","42100","15.5","651000","651000000","1"]]}`)
	events, err := NewOKX().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	pe := events[0]
	assert.True(t, pe.Final)
	assert.Equal(t, "BTCUSDT", pe.Event.Symbol)
	assert.Equal(t, schema.TF("1h"), pe.Event.TF)
	assert.NoError(t, schema.ValidateEvent(pe.Event))

	bar, err := pe.Event.Bar()
	require.NoError(t, err)
	// okx orders cells [ts, o, h, l, c, vol]
	assert.Equal(t, schema.OHLCV{Open: 42000, High: 42200, Low: 41900, Close: 42100, Volume: 15.5}, bar)
}

func TestOKXParseCandleUnconfirmed(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1700000000000","1","2","0.5","1.5","3","0","0","0"]]}`)
	events, err := NewOKX().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Final)
}

func TestOKXParseTradesAndSwapChannels(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"1","px":"42000.5","sz":"0.01","side":"sell","ts":"1700000000100"}]}`)
	events, err := NewOKX().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BTCUSDT", events[0].Event.Symbol)

	raw = []byte(`{"arg":{"channel":"funding-rate","instId":"BTC-USDT-SWAP"},"data":[{"fundingRate":"0.0002","fundingTime":"1700000000000","nextFundingTime":"1700028800000"}]}`)
	events, err = NewOKX().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "BTCUSDT", events[0].Event.Symbol)
	assert.Equal(t, schema.EventFunding, events[0].Event.EventType)

	raw = []byte(`{"arg":{"channel":"open-interest","instId":"ETH-USDT-SWAP"},"data":[{"instId":"ETH-USDT-SWAP","oi":"98765.4","ts":"1700000000300"}]}`)
	events, err = NewOKX().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ETHUSDT", events[0].Event.Symbol)
	assert.Equal(t, schema.EventOI, events[0].Event.EventType)
}

func TestOKXParseNonData(t *testing.T) {
	for _, raw := range []string{
		"pong",
		`{"event":"subscribe","arg":{"channel":"candle1H","instId":"BTC-USDT"}}`,
	} {
		events, err := NewOKX().Parse([]byte(raw))
		require.NoError(t, err, raw)
		assert.Empty(t, events, raw)
	}
}
