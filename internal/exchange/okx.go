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

const okxWS = "wss://ws.okx.com:8443/ws/v5/public"

// 8h has no OKX bar; it is skipped at subscribe time.
var okxTF = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1H", "2h": "2H", "4h": "4H", "6h": "6H", "12h": "12H",
	"1d": "1D", "1w": "1W", "1mo": "1M",
}

// OKX speaks the v5 public dialect: channel/instId argument objects,
// dashed spot instruments and -SWAP perpetuals for funding and open
// interest.
type OKX struct{}

func NewOKX() *OKX { return &OKX{} }

func (o *OKX) Venue() string { return "okx" }

func (o *OKX) WSURL() (string, error) { return okxWS, nil }

func (o *OKX) Ping() []byte { return []byte("ping") }

func (o *OKX) Subscribe(streams []Stream, batch int) ([][]byte, error) {
	var args []map[string]string
	for _, s := range streams {
		inst := dashPair(s.Symbol)
		switch s.Kind {
		case schema.EventOHLCV:
			tf, ok := okxTF[s.TF]
			if !ok {
				log.Warn().Str("venue", "okx").Str("tf", s.TF).Msg("unsupported timeframe, skipping stream")
				continue
			}
			args = append(args, map[string]string{"channel": "candle" + tf, "instId": inst})
		case schema.EventTick:
			args = append(args, map[string]string{"channel": "trades", "instId": inst})
		case schema.EventFunding:
			args = append(args, map[string]string{"channel": "funding-rate", "instId": inst + "-SWAP"})
		case schema.EventOI:
			args = append(args, map[string]string{"channel": "open-interest", "instId": inst + "-SWAP"})
		default:
			log.Warn().Str("venue", "okx").Str("kind", s.Kind).Msg("unsupported stream kind, skipping")
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
			return nil, fmt.Errorf("okx subscribe frame: %w", err)
		}
		frames = append(frames, frame)
		args = args[n:]
	}
	return frames, nil
}

type okxEnvelope struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKX) Parse(raw []byte) ([]ParsedEvent, error) {
	if bytes.Equal(raw, []byte("pong")) {
		return nil, nil
	}
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("okx frame: %w", err)
	}
	if env.Arg.Channel == "" || len(env.Data) == 0 {
		// subscribe acks and error notices
		return nil, nil
	}
	symbol := undashPair(strings.TrimSuffix(env.Arg.InstID, "-SWAP"))
	now := time.Now().UnixMilli()

	if strings.HasPrefix(env.Arg.Channel, "candle") {
		tf, ok := reverseTF(okxTF, strings.TrimPrefix(env.Arg.Channel, "candle"))
		if !ok {
			return nil, fmt.Errorf("okx candle: unknown bar %q", env.Arg.Channel)
		}
		var rows [][]any
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("okx candle: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
			if len(row) < 6 {
				return nil, fmt.Errorf("okx candle: row too short (%d cells)", len(row))
			}
			ts, err := cell(row, 0)
			if err != nil {
				return nil, fmt.Errorf("okx candle: %w", err)
			}
			var bar schema.OHLCV
			if bar.Open, err = cell(row, 1); err != nil {
				return nil, fmt.Errorf("okx candle: %w", err)
			}
			if bar.High, err = cell(row, 2); err != nil {
				return nil, fmt.Errorf("okx candle: %w", err)
			}
			if bar.Low, err = cell(row, 3); err != nil {
				return nil, fmt.Errorf("okx candle: %w", err)
			}
			if bar.Close, err = cell(row, 4); err != nil {
				return nil, fmt.Errorf("okx candle: %w", err)
			}
			if bar.Volume, err = cell(row, 5); err != nil {
				return nil, fmt.Errorf("okx candle: %w", err)
			}
			final := false
			if len(row) > 8 {
				if confirm, ok := row[8].(string); ok {
					final = confirm == "1"
				}
			}
			evt, err := schema.NewEvent("okx", schema.EventOHLCV, symbol, schema.TF(tf), int64(ts), now, bar)
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: final})
		}
		return out, nil
	}

	switch env.Arg.Channel {
	case "trades":
		var rows []struct {
			Price string `json:"px"`
			Size  string `json:"sz"`
			Side  string `json:"side"`
			TS    string `json:"ts"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("okx trades: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			price, err := atof(row.Price)
			if err != nil {
				return nil, fmt.Errorf("okx trades: %w", err)
			}
			qty, err := atof(row.Size)
			if err != nil {
				return nil, fmt.Errorf("okx trades: %w", err)
			}
			ts, err := atoi(row.TS)
			if err != nil {
				return nil, fmt.Errorf("okx trades: %w", err)
			}
			evt, err := schema.NewEvent("okx", schema.EventTick, symbol, "", ts, now,
				schema.Tick{Price: price, Qty: qty, Side: row.Side})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		return out, nil

	case "funding-rate":
		var rows []struct {
			Rate        string `json:"fundingRate"`
			FundingTime string `json:"fundingTime"`
			NextFunding string `json:"nextFundingTime"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("okx funding: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			rate, err := atof(row.Rate)
			if err != nil {
				return nil, fmt.Errorf("okx funding: %w", err)
			}
			ts, err := atoi(row.FundingTime)
			if err != nil {
				return nil, fmt.Errorf("okx funding: %w", err)
			}
			var next int64
			if row.NextFunding != "" {
				if next, err = atoi(row.NextFunding); err != nil {
					return nil, fmt.Errorf("okx funding: %w", err)
				}
			}
			evt, err := schema.NewEvent("okx", schema.EventFunding, symbol, "", ts, now,
				schema.Funding{Rate: rate, NextTS: next})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		return out, nil

	case "open-interest":
		var rows []struct {
			OI string `json:"oi"`
			TS string `json:"ts"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("okx open interest: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			oi, err := atof(row.OI)
			if err != nil {
				return nil, fmt.Errorf("okx open interest: %w", err)
			}
			ts, err := atoi(row.TS)
			if err != nil {
				return nil, fmt.Errorf("okx open interest: %w", err)
			}
			evt, err := schema.NewEvent("okx", schema.EventOI, symbol, "", ts, now,
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
