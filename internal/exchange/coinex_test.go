package exchange

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketflow/internal/schema"
)

func TestCoinexSubscribe(t *testing.T) {
	c := NewCoinex()
	frames, err := c.Subscribe([]Stream{
		{Kind: schema.EventOHLCV, Symbol: "BTCUSDT", TF: "1h"},
		{Kind: schema.EventOHLCV, Symbol: "BTCUSDT", TF: "4h"}, // one period per market
		{Kind: schema.EventOHLCV, Symbol: "ETHUSDT", TF: "1h"},
		{Kind: schema.EventTick, Symbol: "BTCUSDT"},
		{Kind: schema.EventTick, Symbol: "ETHUSDT"},
	}, 20)
	require.NoError(t, err)
	require.Len(t, frames, 3) // two kline subs plus one grouped deals sub

	var kline struct {
		Method string `json:"method"`
		Params []any  `json:"params"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &kline))
	assert.Equal(t, "kline.subscribe", kline.Method)
	assert.Equal(t, "BTCUSDT", kline.Params[0])
	assert.Equal(t, float64(3600), kline.Params[1])

	var deals struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
	}
	require.NoError(t, json.Unmarshal(frames[2], &deals))
	assert.Equal(t, "deals.subscribe", deals.Method)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, deals.Params)
}

func TestCoinexParseKline(t *testing.T) {
	c := NewCoinex()
	_, err := c.Subscribe([]Stream{{Kind: schema.EventOHLCV, Symbol: "BTCUSDT", TF: "1h"}}, 20)
	require.NoError(t, err)

	// cells ordered [ts_sec, open, close, high, low, volume, amount, market]
	raw := []byte(`{"method":"kline.update","params":[[1700000000,"42000","42100","42200","41900","20.25","850000","BTCUSDT"]],"id":null}`)
	events, err := c.Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	pe := events[0]
	assert.False(t, pe.Final)
	assert.Equal(t, schema.TF("1h"), pe.Event.TF)
	assert.Equal(t, int64(1700000000000), pe.Event.TSEvent) // seconds scaled to ms
	assert.NoError(t, schema.ValidateEvent(pe.Event))

	bar, err := pe.Event.Bar()
	require.NoError(t, err)
	assert.Equal(t, schema.OHLCV{Open: 42000, High: 42200, Low: 41900, Close: 42100, Volume: 20.25}, bar)
}

func TestCoinexParseKlineUnsubscribedMarket(t *testing.T) {
	c := NewCoinex()
	raw := []byte(`{"method":"kline.update","params":[[1700000000,"1","1","1","1","0","0","BTCUSDT"]],"id":null}`)
	_, err := c.Parse(raw)
	assert.Error(t, err)
}

func TestCoinexParseDeals(t *testing.T) {
	c := NewCoinex()
	raw := []byte(`{"method":"deals.update","params":["BTCUSDT",[{"id":99,"time":1700000000.123,"price":"42000.5","amount":"0.01","type":"sell"}]],"id":null}`)
	events, err := c.Parse(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)

	evt := events[0].Event
	assert.Equal(t, int64(1700000000123), evt.TSEvent)

	var tick schema.Tick
	require.NoError(t, json.Unmarshal(evt.Payload, &tick))
	assert.Equal(t, schema.Tick{Price: 42000.5, Qty: 0.01, Side: "sell"}, tick)
}

func TestCoinexParseNonData(t *testing.T) {
	events, err := NewCoinex().Parse([]byte(`{"error":null,"result":{"status":"success"},"id":1}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}
