// Package schema defines the normalized market event model, the wire
// schemas registered for validation, and the shared timeframe math used
// by partitioning and feature windows.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// EventVersion is the current normalized event schema version.
const EventVersion = 2

// Event types carried on the events topic.
const (
	EventOHLCV   = "ohlcv"
	EventTick    = "tick"
	EventFunding = "funding"
	EventOI      = "oi"
)

// EventTypes lists every recognized event type.
var EventTypes = []string{EventOHLCV, EventTick, EventFunding, EventOI}

// TF is a timeframe label that serializes the empty value as JSON null,
// matching the wire contract for non-kline events.
type TF string

func (t TF) MarshalJSON() ([]byte, error) {
	if t == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(t))
}

func (t *TF) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("tf: %w", err)
	}
	*t = TF(s)
	return nil
}

// NormalizedEvent is the venue-agnostic event every adapter emits and the
// only shape published to the primary events topic.
type NormalizedEvent struct {
	V             int             `json:"v"`
	Source        string          `json:"source"`
	EventType     string          `json:"event_type"`
	Symbol        string          `json:"symbol"`
	TF            TF              `json:"tf"`
	TSEvent       int64           `json:"ts_event"`
	IngestTS      int64           `json:"ingest_ts"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// OHLCV is the kline payload. For finalized candles TSEvent is the candle
// open time, so one closed candle maps to exactly one correlation id.
type OHLCV struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// Validate checks the OHLCV ordering invariant and non-negativity.
func (b OHLCV) Validate() error {
	vals := [...]float64{b.Open, b.High, b.Low, b.Close, b.Volume}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("ohlcv: non-finite value")
		}
		if v < 0 {
			return fmt.Errorf("ohlcv: negative value %v", v)
		}
	}
	lo, hi := math.Min(b.Open, b.Close), math.Max(b.Open, b.Close)
	if b.Low > lo {
		return fmt.Errorf("ohlcv: low %v above min(open,close) %v", b.Low, lo)
	}
	if b.High < hi {
		return fmt.Errorf("ohlcv: high %v below max(open,close) %v", b.High, hi)
	}
	if b.Low > b.High {
		return fmt.Errorf("ohlcv: low %v above high %v", b.Low, b.High)
	}
	return nil
}

// Tick is the trade payload.
type Tick struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
	Side  string  `json:"side,omitempty"`
}

// Funding is the funding-rate payload for perpetual streams.
type Funding struct {
	Rate   float64 `json:"rate"`
	NextTS int64   `json:"next_ts,omitempty"`
}

// OpenInterest is the open-interest payload.
type OpenInterest struct {
	Value float64 `json:"oi"`
}

// CorrelationID derives the dedup digest for an event. Timestamps are
// rendered as decimal milliseconds.
func CorrelationID(symbol, eventType string, tsEvent int64) string {
	sum := sha256.Sum256([]byte(symbol + "|" + eventType + "|" + strconv.FormatInt(tsEvent, 10)))
	return hex.EncodeToString(sum[:])
}

// NewEvent assembles a normalized event with the correlation id filled in.
// The payload must already be the type matching eventType.
func NewEvent(source, eventType, symbol string, tf TF, tsEvent, ingestTS int64, payload any) (*NormalizedEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &NormalizedEvent{
		V:             EventVersion,
		Source:        source,
		EventType:     eventType,
		Symbol:        symbol,
		TF:            tf,
		TSEvent:       tsEvent,
		IngestTS:      ingestTS,
		CorrelationID: CorrelationID(symbol, eventType, tsEvent),
		Payload:       raw,
	}, nil
}

// Bar decodes the OHLCV payload. It is an error on non-kline events.
func (e *NormalizedEvent) Bar() (OHLCV, error) {
	var b OHLCV
	if e.EventType != EventOHLCV {
		return b, fmt.Errorf("event %s is not ohlcv", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, &b); err != nil {
		return b, fmt.Errorf("decode ohlcv payload: %w", err)
	}
	return b, nil
}

// EventTime returns ts_event as a UTC time.
func (e *NormalizedEvent) EventTime() time.Time {
	return time.UnixMilli(e.TSEvent).UTC()
}

// PublishKey derives the broker partition key for a (symbol, tf) path:
// the raw 32-byte SHA-256 of "symbol|tf".
func PublishKey(symbol string, tf TF) []byte {
	sum := sha256.Sum256([]byte(symbol + "|" + string(tf)))
	return sum[:]
}

// ISOUTC renders epoch milliseconds as an ISO-8601 UTC timestamp with
// second precision, the form embedded in signal and feature hashes.
func ISOUTC(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
