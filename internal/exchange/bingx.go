package exchange

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/schema"
)

const bingxWS = "wss://open-api-swap.bingx.com/swap-market"

var bingxTF = map[string]string{
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "2h": "2h", "4h": "4h", "6h": "6h", "8h": "8h", "12h": "12h",
	"1d": "1d", "1w": "1w", "1mo": "1M",
}

// BingX speaks the swap-market dialect: one dataType per subscription
// frame, gzip-compressed pushes, and a literal Ping/Pong heartbeat.
type BingX struct{}

func NewBingX() *BingX { return &BingX{} }

func (b *BingX) Venue() string { return "bingx" }

func (b *BingX) WSURL() (string, error) { return bingxWS, nil }

func (b *BingX) Ping() []byte { return nil }

func (b *BingX) DecodeBinary(frame []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("bingx gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("bingx gzip: %w", err)
	}
	return out, nil
}

func (b *BingX) Reply(raw []byte) []byte {
	if bytes.Equal(raw, []byte("Ping")) {
		return []byte("Pong")
	}
	return nil
}

func (b *BingX) Subscribe(streams []Stream, batch int) ([][]byte, error) {
	// the dialect takes exactly one dataType per frame
	var frames [][]byte
	for _, s := range streams {
		inst := dashPair(s.Symbol)
		var dataType string
		switch s.Kind {
		case schema.EventOHLCV:
			tf, ok := bingxTF[s.TF]
			if !ok {
				log.Warn().Str("venue", "bingx").Str("tf", s.TF).Msg("unsupported timeframe, skipping stream")
				continue
			}
			dataType = inst + "@kline_" + tf
		case schema.EventTick:
			dataType = inst + "@trade"
		default:
			log.Warn().Str("venue", "bingx").Str("kind", s.Kind).Msg("unsupported stream kind, skipping")
			continue
		}
		frame, err := json.Marshal(map[string]string{
			"id":       uuid.NewString(),
			"reqType":  "sub",
			"dataType": dataType,
		})
		if err != nil {
			return nil, fmt.Errorf("bingx subscribe frame: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

type bingxEnvelope struct {
	Code     int             `json:"code"`
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

func (b *BingX) Parse(raw []byte) ([]ParsedEvent, error) {
	var env bingxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bingx frame: %w", err)
	}
	if env.DataType == "" || len(env.Data) == 0 {
		return nil, nil
	}
	at := strings.Index(env.DataType, "@")
	if at < 0 {
		return nil, fmt.Errorf("bingx frame: malformed dataType %q", env.DataType)
	}
	symbol := undashPair(env.DataType[:at])
	channel := env.DataType[at+1:]
	now := time.Now().UnixMilli()

	if strings.HasPrefix(channel, "kline_") {
		tf, ok := reverseTF(bingxTF, strings.TrimPrefix(channel, "kline_"))
		if !ok {
			return nil, fmt.Errorf("bingx kline: unknown interval %q", channel)
		}
		var rows []struct {
			Open   string `json:"o"`
			High   string `json:"h"`
			Low    string `json:"l"`
			Close  string `json:"c"`
			Volume string `json:"v"`
			Time   int64  `json:"T"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("bingx kline: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			bar, err := parseBarStrings(row.Open, row.High, row.Low, row.Close, row.Volume)
			if err != nil {
				return nil, fmt.Errorf("bingx kline: %w", err)
			}
			evt, err := schema.NewEvent("bingx", schema.EventOHLCV, symbol, schema.TF(tf), row.Time, now, bar)
			if err != nil {
				return nil, err
			}
			// no finality flag in this dialect; consumers coalesce
			out = append(out, ParsedEvent{Event: evt, Final: false})
		}
		return out, nil
	}

	if channel == "trade" {
		var rows []struct {
			Price   string `json:"p"`
			Qty     string `json:"q"`
			Time    int64  `json:"T"`
			IsMaker bool   `json:"m"`
		}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("bingx trade: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			price, err := atof(row.Price)
			if err != nil {
				return nil, fmt.Errorf("bingx trade: %w", err)
			}
			qty, err := atof(row.Qty)
			if err != nil {
				return nil, fmt.Errorf("bingx trade: %w", err)
			}
			side := "buy"
			if row.IsMaker {
				side = "sell"
			}
			evt, err := schema.NewEvent("bingx", schema.EventTick, symbol, "", row.Time, now,
				schema.Tick{Price: price, Qty: qty, Side: side})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		return out, nil
	}
	return nil, nil
}
