package schema

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		name      string
		symbol    string
		eventType string
		tsEvent   int64
		want      string
	}{
		{
			name:      "btc_kline",
			symbol:    "BTCUSDT",
			eventType: EventOHLCV,
			tsEvent:   1_700_000_000_000,
			want:      "cc02efb4446ec81f994d9850f2b2b25f404be798db338fbb11034ac89c14712e",
		},
		{
			name:      "eth_tick",
			symbol:    "ETHUSDT",
			eventType: EventTick,
			tsEvent:   1_700_000_000_123,
			want:      "e5d435f23a3bef4bac1e8115a617784c0c76eb3fce3c49c9f14bcb1a3b45e3a1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CorrelationID(tt.symbol, tt.eventType, tt.tsEvent)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPublishKey(t *testing.T) {
	key := PublishKey("BTCUSDT", "1h")
	require.Len(t, key, 32)
	assert.Equal(t, "e9164d31398a94b6ebfcc26ea1dcd84c2a3208762b84515aca63d6cf0543a3f8", hex.EncodeToString(key))
}

func TestOHLCVValidate(t *testing.T) {
	tests := []struct {
		name    string
		bar     OHLCV
		wantErr bool
	}{
		{name: "valid", bar: OHLCV{Open: 100, High: 105, Low: 99, Close: 103, Volume: 12.5}},
		{name: "zero_volume_ok", bar: OHLCV{Open: 1, High: 1, Low: 1, Close: 1, Volume: 0}},
		{name: "low_above_high", bar: OHLCV{Open: 1, High: 1, Low: 2, Close: 1, Volume: 0}, wantErr: true},
		{name: "high_below_close", bar: OHLCV{Open: 10, High: 9.5, Low: 9, Close: 9.8, Volume: 1}, wantErr: true},
		{name: "low_above_open", bar: OHLCV{Open: 9, High: 11, Low: 9.5, Close: 10, Volume: 1}, wantErr: true},
		{name: "negative_volume", bar: OHLCV{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bar.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	bar := OHLCV{Open: 42000, High: 42100, Low: 41900, Close: 42050, Volume: 3.2}
	evt, err := NewEvent("binance", EventOHLCV, "BTCUSDT", "1m", 1_700_000_000_000, 1_700_000_000_250, bar)
	require.NoError(t, err)

	assert.Equal(t, EventVersion, evt.V)
	assert.Equal(t, CorrelationID("BTCUSDT", EventOHLCV, 1_700_000_000_000), evt.CorrelationID)

	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	var back NormalizedEvent
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, evt.Symbol, back.Symbol)
	assert.Equal(t, evt.TF, back.TF)

	got, err := back.Bar()
	require.NoError(t, err)
	assert.Equal(t, bar, got)
}

func TestTFMarshalsNullWhenEmpty(t *testing.T) {
	evt, err := NewEvent("bybit", EventTick, "ETHUSDT", "", 1_700_000_000_123, 1_700_000_000_200, Tick{Price: 2000, Qty: 0.5, Side: "buy"})
	require.NoError(t, err)

	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"tf":null`)

	var back NormalizedEvent
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, TF(""), back.TF)
}

func TestISOUTC(t *testing.T) {
	assert.Equal(t, "2024-01-01T12:00:00Z", ISOUTC(1_704_110_400_000))
	assert.Equal(t, "1970-01-01T00:00:00Z", ISOUTC(0))
}
