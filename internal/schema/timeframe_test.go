package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandleOpen(t *testing.T) {
	tests := []struct {
		name string
		ts   string
		tf   string
		want string
	}{
		{name: "hour_floor", ts: "2024-01-01T12:34:56Z", tf: "1h", want: "2024-01-01T12:00:00Z"},
		{name: "minute_floor", ts: "2024-01-01T12:34:56Z", tf: "1m", want: "2024-01-01T12:34:00Z"},
		{name: "four_hour_floor", ts: "2024-01-01T13:00:00Z", tf: "4h", want: "2024-01-01T12:00:00Z"},
		{name: "day_floor", ts: "2024-03-15T23:59:59Z", tf: "1d", want: "2024-03-15T00:00:00Z"},
		{name: "week_monday_anchor", ts: "2024-01-03T10:00:00Z", tf: "1w", want: "2024-01-01T00:00:00Z"},
		{name: "week_sunday_end", ts: "2024-01-07T23:59:59Z", tf: "1w", want: "2024-01-01T00:00:00Z"},
		{name: "week_monday_start", ts: "2024-01-08T00:00:00Z", tf: "1w", want: "2024-01-08T00:00:00Z"},
		{name: "month_mid", ts: "2024-02-15T08:30:00Z", tf: "1mo", want: "2024-02-01T00:00:00Z"},
		{name: "month_first_instant", ts: "2024-02-01T00:00:00Z", tf: "1mo", want: "2024-02-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := time.Parse(time.RFC3339, tt.ts)
			require.NoError(t, err)
			want, err := time.Parse(time.RFC3339, tt.want)
			require.NoError(t, err)

			got, err := CandleOpen(ts.UnixMilli(), tt.tf)
			require.NoError(t, err)
			assert.Equal(t, want.UnixMilli(), got)
		})
	}
}

func TestCandleOpenUnknownTF(t *testing.T) {
	_, err := CandleOpen(1_700_000_000_000, "3h")
	assert.Error(t, err)
}

func TestCandleOpenBounds(t *testing.T) {
	// open <= ts < open + span for every fixed-span frame
	ts := time.Date(2024, 5, 17, 13, 37, 21, 0, time.UTC).UnixMilli()
	for _, tf := range Timeframes {
		if tf == "1mo" {
			continue
		}
		open, err := CandleOpen(ts, tf)
		require.NoError(t, err)
		span, ok := Span(tf)
		require.True(t, ok, tf)
		assert.LessOrEqual(t, open, ts, tf)
		assert.Greater(t, open+span.Milliseconds(), ts, tf)
	}
}

func TestNextCandleOpen(t *testing.T) {
	feb := time.Date(2024, 2, 10, 5, 0, 0, 0, time.UTC).UnixMilli()
	next, err := NextCandleOpen(feb, "1mo")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), next)

	hour := time.Date(2024, 2, 10, 5, 30, 0, 0, time.UTC).UnixMilli()
	next, err = NextCandleOpen(hour, "1h")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 6, 0, 0, 0, time.UTC).UnixMilli(), next)
}

func TestValidTimeframe(t *testing.T) {
	for _, tf := range Timeframes {
		assert.True(t, ValidTimeframe(tf), tf)
	}
	assert.False(t, ValidTimeframe("3m"))
	assert.False(t, ValidTimeframe(""))
}
