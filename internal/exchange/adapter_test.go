package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKnownVenues(t *testing.T) {
	for _, venue := range Venues() {
		t.Run(venue, func(t *testing.T) {
			a, err := New(venue)
			require.NoError(t, err)
			assert.Equal(t, venue, a.Venue())
		})
	}
}

func TestNewUnknownVenue(t *testing.T) {
	_, err := New("hyperliquid")
	assert.Error(t, err)
}

func TestDashPair(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "BTCUSDT", want: "BTC-USDT"},
		{in: "ETHBTC", want: "ETH-BTC"},
		{in: "SOLUSDC", want: "SOL-USDC"},
		{in: "WEIRD", want: "WEIRD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dashPair(tt.in), tt.in)
		assert.Equal(t, tt.in, undashPair(dashPair(tt.in)), tt.in)
	}
}

func TestChunkStreamsAndTopics(t *testing.T) {
	topics := make([]string, 45)
	for i := range topics {
		topics[i] = "t"
	}
	chunks := chunkTopics(topics, 20)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 20)
	assert.Len(t, chunks[2], 5)

	streams := make([]Stream, 3)
	sc := chunkStreams(streams, 0) // zero batch falls back to 20
	require.Len(t, sc, 1)
	assert.Len(t, sc[0], 3)
}

func TestCell(t *testing.T) {
	row := []any{"1.5", 2.5, true}

	v, err := cell(row, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = cell(row, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = cell(row, 2)
	assert.Error(t, err)

	_, err = cell(row, 9)
	assert.Error(t, err)
}
