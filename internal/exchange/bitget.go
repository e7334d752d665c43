package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/schema"
)

const (
	bitgetWS       = "wss://ws.bitget.com/v2/ws/public"
	bitgetInstType = "USDT-FUTURES"
)

// 2h and 8h have no bitget candle channel; they are skipped at
// subscribe time.
var bitgetTF = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "4h": "4H", "6h": "6H", "12h": "12H",
	"1d": "1D", "1w": "1W", "1mo": "1M",
}

// Bitget speaks the v2 public futures dialect: instType-qualified
// argument objects, array candles without a finality flag, and literal
// ping/pong heartbeats.
type Bitget struct{}

func NewBitget() *Bitget { return &Bitget{} }

func (b *Bitget) Venue() string { return "bitget" }

func (b *Bitget) WSURL() (string, error) { return bitgetWS, nil }

func (b *Bitget) Ping() []byte { return []byte("ping") }

func (b *Bitget) Subscribe(streams []Stream, batch int) ([][]byte, error) {
	var args []map[string]string
	seen := map[string]bool{}
	add := func(channel, instID string) {
		key := channel + "|" + instID
		if seen[key] {
			return
		}
		seen[key] = true
		args = append(args, map[string]string{
			"instType": bitgetInstType,
			"channel":  channel,
			"instId":   instID,
		})
	}
	for _, s := range streams {
		switch s.Kind {
		case schema.EventOHLCV:
			tf, ok := bitgetTF[s.TF]
			if !ok {
				log.Warn().Str("venue", "bitget").Str("tf", s.TF).Msg("unsupported timeframe, skipping stream")
				continue
			}
			add("candle"+tf, s.Symbol)
		case schema.EventTick:
			add("trade", s.Symbol)
		case schema.EventFunding, schema.EventOI:
			add("ticker", s.Symbol)
		default:
			log.Warn().Str("venue", "bitget").Str("kind", s.Kind).Msg("unsupported stream kind, skipping")
		}
	}
	var frames [][]byte
	for len(args) > 0 {
		n := batch
		if n <= 0 {
			n = 20
		}
		if n > len(args) {
			n = len(args)
		}
		frame, err := json.Marshal(map[string]any{"op": "subscribe", "args": args[:n]})
		if err != nil {
			return nil, fmt.Errorf("bitget subscribe frame: %w", err)
		}
		frames = append(frames, frame)
		args = args[n:]
	}
	return frames, nil
}

type bitgetEnvelope struct {
	Action string `json:"action"`
	Arg    struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
	TS   int64           `json:"ts"`
}

func (b *Bitget) Parse(raw []byte) ([]ParsedEvent, error) {
	if bytes.Equal(raw, []byte("pong")) {
		return nil, nil
	}
	var env bitgetEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bitget frame: %w", err)
	}
	if env.Arg.Channel == "" || len(env.Data) == 0 {
		return nil, nil
	}
	now := time.Now().UnixMilli()
	symbol := env.Arg.InstID

	if strings.HasPrefix(env.Arg.Channel, "candle") {
		tf, ok := reverseTF(bitgetTF, strings.TrimPrefix(env.Arg.Channel, "candle"))
		if !ok {
			return nil, fmt.Errorf("bitget candle: unknown channel %q", env.Arg.Channel)
		}
		var rows [][]any
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("bitget candle: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			// [ts, open, high, low, close, baseVol, ...]
			if len(row) < 6 {
				return nil, fmt.Errorf("bitget candle: row too short (%d cells)", len(row))
			}
			ts, err := cell(row, 0)
			if err != nil {
				return nil, fmt.Errorf("bitget candle: %w", err)
			}
			var bar schema.OHLCV
			if bar.Open, err = cell(row, 1); err != nil {
				return nil, fmt.Errorf("bitget candle: %w", err)
			}
			if bar.High, err = cell(row, 2); err != nil {
				return nil, fmt.Errorf("bitget candle: %w", err)
			}
			if bar.Low, err = cell(row, 3); err != nil {
				return nil, fmt.Errorf("bitget candle: %w", err)
			}
			if bar.Close, err = cell(row, 4); err != nil {
				return nil, fmt.Errorf("bitget candle: %w", err)
			}
			if bar.Volume, err = cell(row, 5); err != nil {
				return nil, fmt.Errorf("bitget candle: %w", err)
			}
			evt, err := schema.NewEvent("bitget", schema.EventOHLCV, symbol, schema.TF(tf), int64(ts), now, bar)
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: false})
		}
		return out, nil
	}

	switch env.Arg.Channel {
	case "trade":
		var rows []struct {
			TS    string `json:"ts"`
			Price string `json:"price"`
			Size  string `json:"size"`
			Side  string `json:"side"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("bitget trade: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			ts, err := atoi(row.TS)
			if err != nil {
				return nil, fmt.Errorf("bitget trade: %w", err)
			}
			price, err := atof(row.Price)
			if err != nil {
				return nil, fmt.Errorf("bitget trade: %w", err)
			}
			qty, err := atof(row.Size)
			if err != nil {
				return nil, fmt.Errorf("bitget trade: %w", err)
			}
			evt, err := schema.NewEvent("bitget", schema.EventTick, symbol, "", ts, now,
				schema.Tick{Price: price, Qty: qty, Side: row.Side})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		return out, nil

	case "ticker":
		var rows []struct {
			FundingRate string `json:"fundingRate"`
			NextFunding string `json:"nextFundingTime"`
			Holding     string `json:"holdingAmount"`
			TS          string `json:"ts"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("bitget ticker: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			ts := env.TS
			if row.TS != "" {
				if v, err := atoi(row.TS); err == nil {
					ts = v
				}
			}
			if row.FundingRate != "" {
				rate, err := atof(row.FundingRate)
				if err != nil {
					return nil, fmt.Errorf("bitget ticker: %w", err)
				}
				var next int64
				if row.NextFunding != "" {
					if next, err = atoi(row.NextFunding); err != nil {
						return nil, fmt.Errorf("bitget ticker: %w", err)
					}
				}
				evt, err := schema.NewEvent("bitget", schema.EventFunding, symbol, "", ts, now,
					schema.Funding{Rate: rate, NextTS: next})
				if err != nil {
					return nil, err
				}
				out = append(out, ParsedEvent{Event: evt, Final: true})
			}
			if row.Holding != "" {
				oi, err := atof(row.Holding)
				if err != nil {
					return nil, fmt.Errorf("bitget ticker: %w", err)
				}
				evt, err := schema.NewEvent("bitget", schema.EventOI, symbol, "", ts, now,
					schema.OpenInterest{Value: oi})
				if err != nil {
					return nil, err
				}
				out = append(out, ParsedEvent{Event: evt, Final: true})
			}
		}
		return out, nil
	}
	return nil, nil
}
