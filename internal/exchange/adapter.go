// Package exchange translates venue websocket dialects into normalized
// events. Adapters are stateless: subscription frames and parsing are
// pure functions of their inputs, so one adapter instance can back any
// number of consumer sessions.
package exchange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sawpanic/marketflow/internal/schema"
)

// Stream identifies one venue subscription.
type Stream struct {
	Kind   string // schema.EventOHLCV, EventTick, EventFunding, EventOI
	Symbol string // canonical instrument, e.g. BTCUSDT
	TF     string // klines only
}

func (s Stream) String() string {
	if s.TF != "" {
		return fmt.Sprintf("%s/%s@%s", s.Kind, s.Symbol, s.TF)
	}
	return fmt.Sprintf("%s/%s", s.Kind, s.Symbol)
}

// ParsedEvent pairs a normalized event with venue finality. Final is
// false only for in-progress candle snapshots on venues that push
// partial klines; consumers coalesce those until the candle rolls over.
type ParsedEvent struct {
	Event *schema.NormalizedEvent
	Final bool
}

// Adapter is implemented once per venue.
type Adapter interface {
	// Venue returns the short venue identifier used as event source.
	Venue() string

	// WSURL resolves the websocket endpoint. Venues with connection
	// tokens may perform a REST handshake here; it is called once per
	// connection attempt.
	WSURL() (string, error)

	// Subscribe renders the requested streams into ready-to-send frames,
	// packing at most batch topics per frame where the venue dialect
	// allows multi-topic subscriptions. Unsupported stream kinds and
	// timeframes are skipped with a warning.
	Subscribe(streams []Stream, batch int) ([][]byte, error)

	// Parse translates one raw frame into zero or more events. A nil or
	// empty result with nil error means the frame carried no data
	// (acks, pongs, heartbeats).
	Parse(raw []byte) ([]ParsedEvent, error)

	// Ping returns the venue's application-level heartbeat frame, or nil
	// when the protocol-level ping control frame suffices.
	Ping() []byte
}

// BinaryDecoder is implemented by venues that compress frames; the
// consumer decodes binary payloads through it before parsing.
type BinaryDecoder interface {
	DecodeBinary(frame []byte) ([]byte, error)
}

// Replier is implemented by venues whose heartbeats arrive as data
// frames. A non-nil result is written back verbatim and the frame is
// not parsed further.
type Replier interface {
	Reply(raw []byte) []byte
}

// New returns the adapter for a venue identifier.
func New(venue string) (Adapter, error) {
	switch venue {
	case "binance":
		return NewBinance(), nil
	case "bybit":
		return NewBybit(), nil
	case "bingx":
		return NewBingX(), nil
	case "bitget":
		return NewBitget(), nil
	case "coinex":
		return NewCoinex(), nil
	case "kucoin":
		return NewKucoin(), nil
	case "okx":
		return NewOKX(), nil
	}
	return nil, fmt.Errorf("unknown venue %q", venue)
}

// Venues lists every supported venue identifier.
func Venues() []string {
	return []string{"binance", "bybit", "bingx", "bitget", "coinex", "kucoin", "okx"}
}

// quoteAssets are the quote currencies recognized when splitting a
// canonical pair into a dashed venue instrument.
var quoteAssets = []string{"USDT", "USDC", "TUSD", "BUSD", "USD", "BTC", "ETH", "EUR"}

// dashPair renders BTCUSDT as BTC-USDT for venues with dashed
// instruments. Unrecognized quotes pass through unchanged.
func dashPair(symbol string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)] + "-" + q
		}
	}
	return symbol
}

// undashPair reverses dashPair.
func undashPair(inst string) string {
	return strings.ReplaceAll(inst, "-", "")
}

func atof(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return f, nil
}

func atoi(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", s, err)
	}
	return n, nil
}

// cell reads one position of a venue array row as float64, accepting
// both string and numeric JSON cells.
func cell(row []any, idx int) (float64, error) {
	if idx >= len(row) {
		return 0, fmt.Errorf("row too short: want index %d, len %d", idx, len(row))
	}
	switch v := row[idx].(type) {
	case string:
		return atof(v)
	case float64:
		return v, nil
	}
	return 0, fmt.Errorf("row[%d]: unsupported cell type %T", idx, row[idx])
}

// chunkStreams splits streams into groups of at most batch entries.
func chunkStreams(streams []Stream, batch int) [][]Stream {
	if batch <= 0 {
		batch = 20
	}
	var out [][]Stream
	for len(streams) > 0 {
		n := batch
		if n > len(streams) {
			n = len(streams)
		}
		out = append(out, streams[:n])
		streams = streams[n:]
	}
	return out
}
