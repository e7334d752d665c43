package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/schema"
)

const bybitWS = "wss://stream.bybit.com/v5/public/linear"

// 8h has no v5 kline interval; it is skipped at subscribe time.
var bybitTF = map[string]string{
	"1m": "1", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1mo": "M",
}

// Bybit speaks the v5 public linear dialect: op/args subscriptions and
// topic-routed data frames.
type Bybit struct{}

func NewBybit() *Bybit { return &Bybit{} }

func (b *Bybit) Venue() string { return "bybit" }

func (b *Bybit) WSURL() (string, error) { return bybitWS, nil }

func (b *Bybit) Ping() []byte { return []byte(`{"op":"ping"}`) }

func (b *Bybit) Subscribe(streams []Stream, batch int) ([][]byte, error) {
	var topics []string
	for _, s := range streams {
		switch s.Kind {
		case schema.EventOHLCV:
			tf, ok := bybitTF[s.TF]
			if !ok {
				log.Warn().Str("venue", "bybit").Str("tf", s.TF).Msg("unsupported timeframe, skipping stream")
				continue
			}
			topics = append(topics, "kline."+tf+"."+s.Symbol)
		case schema.EventTick:
			topics = append(topics, "publicTrade."+s.Symbol)
		case schema.EventFunding, schema.EventOI:
			topic := "tickers." + s.Symbol
			if !containsTopic(topics, topic) {
				topics = append(topics, topic)
			}
		default:
			log.Warn().Str("venue", "bybit").Str("kind", s.Kind).Msg("unsupported stream kind, skipping")
		}
	}
	var frames [][]byte
	for _, chunk := range chunkTopics(topics, batch) {
		frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": chunk})
		if err != nil {
			return nil, fmt.Errorf("bybit subscribe frame: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

type bybitEnvelope struct {
	Topic string          `json:"topic"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitKline struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

type bybitTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Qty    string `json:"v"`
	Price  string `json:"p"`
}

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	FundingRate  string `json:"fundingRate"`
	NextFunding  string `json:"nextFundingTime"`
	OpenInterest string `json:"openInterest"`
}

func (b *Bybit) Parse(raw []byte) ([]ParsedEvent, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bybit frame: %w", err)
	}
	if env.Topic == "" {
		// pong and op acks
		return nil, nil
	}
	parts := strings.Split(env.Topic, ".")
	now := time.Now().UnixMilli()
	switch parts[0] {
	case "kline":
		if len(parts) != 3 {
			return nil, fmt.Errorf("bybit kline: malformed topic %q", env.Topic)
		}
		tf, ok := reverseTF(bybitTF, parts[1])
		if !ok {
			return nil, fmt.Errorf("bybit kline: unknown interval %q", parts[1])
		}
		var rows []bybitKline
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("bybit kline: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			bar, err := parseBarStrings(row.Open, row.High, row.Low, row.Close, row.Volume)
			if err != nil {
				return nil, fmt.Errorf("bybit kline: %w", err)
			}
			evt, err := schema.NewEvent("bybit", schema.EventOHLCV, parts[2], schema.TF(tf), row.Start, now, bar)
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: row.Confirm})
		}
		return out, nil

	case "publicTrade":
		var rows []bybitTrade
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("bybit trade: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			price, err := atof(row.Price)
			if err != nil {
				return nil, fmt.Errorf("bybit trade: %w", err)
			}
			qty, err := atof(row.Qty)
			if err != nil {
				return nil, fmt.Errorf("bybit trade: %w", err)
			}
			evt, err := schema.NewEvent("bybit", schema.EventTick, row.Symbol, "", row.Time, now,
				schema.Tick{Price: price, Qty: qty, Side: strings.ToLower(row.Side)})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		return out, nil

	case "tickers":
		var tick bybitTicker
		if err := json.Unmarshal(env.Data, &tick); err != nil {
			return nil, fmt.Errorf("bybit ticker: %w", err)
		}
		var out []ParsedEvent
		// delta frames omit unchanged fields; emit only what is present
		if tick.FundingRate != "" {
			rate, err := atof(tick.FundingRate)
			if err != nil {
				return nil, fmt.Errorf("bybit ticker: %w", err)
			}
			var next int64
			if tick.NextFunding != "" {
				if next, err = atoi(tick.NextFunding); err != nil {
					return nil, fmt.Errorf("bybit ticker: %w", err)
				}
			}
			evt, err := schema.NewEvent("bybit", schema.EventFunding, tick.Symbol, "", env.TS, now,
				schema.Funding{Rate: rate, NextTS: next})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		if tick.OpenInterest != "" {
			oi, err := atof(tick.OpenInterest)
			if err != nil {
				return nil, fmt.Errorf("bybit ticker: %w", err)
			}
			evt, err := schema.NewEvent("bybit", schema.EventOI, tick.Symbol, "", env.TS, now,
				schema.OpenInterest{Value: oi})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		return out, nil
	}
	return nil, nil
}

func containsTopic(topics []string, t string) bool {
	for _, v := range topics {
		if v == t {
			return true
		}
	}
	return false
}
