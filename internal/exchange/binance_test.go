package exchange

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketflow/internal/schema"
)

func TestBinanceSubscribe(t *testing.T) {
	b := NewBinance()
	frames, err := b.Subscribe([]Stream{
		{Kind: schema.EventOHLCV, Symbol: "BTCUSDT", TF: "1h"},
		{Kind: schema.EventOHLCV, Symbol: "BTCUSDT", TF: "1mo"},
		{Kind: schema.EventTick, Symbol: "ETHUSDT"},
		{Kind: schema.EventFunding, Symbol: "BTCUSDT"},
		{Kind: schema.EventOI, Symbol: "BTCUSDT"}, // not a stream on this venue
	}, 20)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var frame struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int      `json:"id"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &frame))
	assert.Equal(t, "SUBSCRIBE", frame.Method)
	assert.Equal(t, []string{"btcusdt@kline_1h", "btcusdt@kline_1M", "ethusdt@trade", "btcusdt@markPrice"}, frame.Params)
}

func TestBinanceSubscribeBatches(t *testing.T) {
	b := NewBinance()
	var streams []Stream
	for i := 0; i < 25; i++ {
		streams = append(streams, Stream{Kind: schema.EventTick, Symbol: "BTCUSDT"})
	}
	frames, err := b.Subscribe(streams, 20)
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestBinanceParseKline(t *testing.T) {
	raw := []byte(`{"e":"kline","E":1700000000123,"s":"BTCUSDT","k":{"t":1700000000000,"i":"1m","o":"42000.1","h":"42100.5","l":"41900.0","c":"42050.2","v":"3.25","x":true}}`)

	b := NewBinance()
	events, err := b.Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	pe := events[0]
	assert.True(t, pe.Final)
	assert.Equal(t, "binance", pe.Event.Source)
	assert.Equal(t, schema.EventOHLCV, pe.Event.EventType)
	assert.Equal(t, "BTCUSDT", pe.Event.Symbol)
	assert.Equal(t, schema.TF("1m"), pe.Event.TF)
	assert.Equal(t, int64(1700000000000), pe.Event.TSEvent)
	assert.NoError(t, schema.ValidateEvent(pe.Event))

	bar, err := pe.Event.Bar()
	require.NoError(t, err)
	assert.Equal(t, schema.OHLCV{Open: 42000.1, High: 42100.5, Low: 41900.0, Close: 42050.2, Volume: 3.25}, bar)
}

func TestBinanceParseOpenKlineNotFinal(t *testing.T) {
	raw := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"i":"1m","o":"1","h":"2","l":"0.5","c":"1.5","v":"1","x":false}}`)
	events, err := NewBinance().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Final)
}

func TestBinanceParseTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1700000000123,"s":"ETHUSDT","t":12345,"p":"2000.5","q":"0.75","T":1700000000100,"m":true}`)
	events, err := NewBinance().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0].Event
	assert.Equal(t, schema.EventTick, evt.EventType)
	assert.Equal(t, schema.TF(""), evt.TF)
	assert.Equal(t, int64(1700000000100), evt.TSEvent)
	assert.NoError(t, schema.ValidateEvent(evt))

	var tick schema.Tick
	require.NoError(t, json.Unmarshal(evt.Payload, &tick))
	assert.Equal(t, schema.Tick{Price: 2000.5, Qty: 0.75, Side: "sell"}, tick)
}

func TestBinanceParseMarkPrice(t *testing.T) {
	raw := []byte(`{"e":"markPriceUpdate","E":1700000000500,"s":"BTCUSDT","p":"42000","r":"0.0001","T":1700028800000}`)
	events, err := NewBinance().Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0].Event
	assert.Equal(t, schema.EventFunding, evt.EventType)

	var f schema.Funding
	require.NoError(t, json.Unmarshal(evt.Payload, &f))
	assert.Equal(t, 0.0001, f.Rate)
	assert.Equal(t, int64(1700028800000), f.NextTS)
}

func TestBinanceParseNonData(t *testing.T) {
	events, err := NewBinance().Parse([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestBinanceParseMalformed(t *testing.T) {
	_, err := NewBinance().Parse([]byte(`{"e":"kline","k":{"o":"not-a-number","h":"1","l":"1","c":"1","v":"1","i":"1m"}}`))
	assert.Error(t, err)
}
