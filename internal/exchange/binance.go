package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/schema"
)

const binanceWS = "wss://fstream.binance.com/ws"

var binanceTF = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "2h": "2h", "4h": "4h", "6h": "6h", "8h": "8h", "12h": "12h",
	"1d": "1d", "1w": "1w", "1mo": "1M",
}

// Binance speaks the USD-M futures stream dialect: lowercase
// <symbol>@<stream> topics and a JSON SUBSCRIBE method.
type Binance struct{}

func NewBinance() *Binance { return &Binance{} }

func (b *Binance) Venue() string { return "binance" }

func (b *Binance) WSURL() (string, error) { return binanceWS, nil }

func (b *Binance) Ping() []byte { return nil }

func (b *Binance) Subscribe(streams []Stream, batch int) ([][]byte, error) {
	var topics []string
	for _, s := range streams {
		sym := strings.ToLower(s.Symbol)
		switch s.Kind {
		case schema.EventOHLCV:
			tf, ok := binanceTF[s.TF]
			if !ok {
				log.Warn().Str("venue", "binance").Str("tf", s.TF).Msg("unsupported timeframe, skipping stream")
				continue
			}
			topics = append(topics, sym+"@kline_"+tf)
		case schema.EventTick:
			topics = append(topics, sym+"@trade")
		case schema.EventFunding:
			topics = append(topics, sym+"@markPrice")
		default:
			log.Warn().Str("venue", "binance").Str("kind", s.Kind).Msg("unsupported stream kind, skipping")
		}
	}
	var frames [][]byte
	for i, chunk := range chunkTopics(topics, batch) {
		frame, err := json.Marshal(map[string]any{
			"method": "SUBSCRIBE",
			"params": chunk,
			"id":     i + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("binance subscribe frame: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

type binanceKline struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

type binanceTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	IsMaker   bool   `json:"m"`
}

type binanceMarkPrice struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

func (b *Binance) Parse(raw []byte) ([]ParsedEvent, error) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("binance frame: %w", err)
	}
	now := time.Now().UnixMilli()
	switch head.EventType {
	case "kline":
		var msg binanceKline
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("binance kline: %w", err)
		}
		bar, err := parseBarStrings(msg.Kline.Open, msg.Kline.High, msg.Kline.Low, msg.Kline.Close, msg.Kline.Volume)
		if err != nil {
			return nil, fmt.Errorf("binance kline: %w", err)
		}
		tf, ok := reverseTF(binanceTF, msg.Kline.Interval)
		if !ok {
			return nil, fmt.Errorf("binance kline: unknown interval %q", msg.Kline.Interval)
		}
		evt, err := schema.NewEvent("binance", schema.EventOHLCV, msg.Symbol, schema.TF(tf), msg.Kline.StartTime, now, bar)
		if err != nil {
			return nil, err
		}
		return []ParsedEvent{{Event: evt, Final: msg.Kline.IsClosed}}, nil

	case "trade":
		var msg binanceTrade
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("binance trade: %w", err)
		}
		price, err := atof(msg.Price)
		if err != nil {
			return nil, fmt.Errorf("binance trade: %w", err)
		}
		qty, err := atof(msg.Quantity)
		if err != nil {
			return nil, fmt.Errorf("binance trade: %w", err)
		}
		side := "buy"
		if msg.IsMaker {
			side = "sell"
		}
		evt, err := schema.NewEvent("binance", schema.EventTick, msg.Symbol, "", msg.TradeTime, now,
			schema.Tick{Price: price, Qty: qty, Side: side})
		if err != nil {
			return nil, err
		}
		return []ParsedEvent{{Event: evt, Final: true}}, nil

	case "markPriceUpdate":
		var msg binanceMarkPrice
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("binance mark price: %w", err)
		}
		rate, err := atof(msg.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("binance mark price: %w", err)
		}
		evt, err := schema.NewEvent("binance", schema.EventFunding, msg.Symbol, "", msg.EventTime, now,
			schema.Funding{Rate: rate, NextTS: msg.NextFunding})
		if err != nil {
			return nil, err
		}
		return []ParsedEvent{{Event: evt, Final: true}}, nil
	}
	// subscribe acks and unknown event types carry no data
	return nil, nil
}

// parseBarStrings builds an OHLCV payload from venue string fields.
func parseBarStrings(o, h, l, c, v string) (schema.OHLCV, error) {
	var bar schema.OHLCV
	var err error
	if bar.Open, err = atof(o); err != nil {
		return bar, err
	}
	if bar.High, err = atof(h); err != nil {
		return bar, err
	}
	if bar.Low, err = atof(l); err != nil {
		return bar, err
	}
	if bar.Close, err = atof(c); err != nil {
		return bar, err
	}
	if bar.Volume, err = atof(v); err != nil {
		return bar, err
	}
	return bar, nil
}

// reverseTF maps a venue interval back to the canonical label.
func reverseTF(table map[string]string, venueTF string) (string, bool) {
	for canon, v := range table {
		if v == venueTF {
			return canon, true
		}
	}
	return "", false
}

// chunkTopics splits topic strings into groups of at most batch entries.
func chunkTopics(topics []string, batch int) [][]string {
	if batch <= 0 {
		batch = 20
	}
	var out [][]string
	for len(topics) > 0 {
		n := batch
		if n > len(topics) {
			n = len(topics)
		}
		out = append(out, topics[:n])
		topics = topics[n:]
	}
	return out
}
