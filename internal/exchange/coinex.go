package exchange

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/schema"
)

const coinexWS = "wss://socket.coinex.com/"

// Kline periods are venue seconds. 8h and 1mo have no period; they are
// skipped at subscribe time.
var coinexTF = map[string]int{
	"1m": 60, "5m": 300, "15m": 900, "30m": 1800,
	"1h": 3600, "2h": 7200, "4h": 14400, "6h": 21600, "12h": 43200,
	"1d": 86400, "1w": 604800,
}

// Coinex speaks the v1 socket dialect: JSON-RPC style method frames and
// second-resolution kline rows ordered [ts, open, close, high, low,
// volume, amount, market]. Pushes omit the kline period, so the adapter
// remembers the period it subscribed per market.
type Coinex struct {
	mu      sync.Mutex
	periods map[string]string // market -> canonical tf
}

func NewCoinex() *Coinex { return &Coinex{periods: make(map[string]string)} }

func (c *Coinex) Venue() string { return "coinex" }

func (c *Coinex) WSURL() (string, error) { return coinexWS, nil }

func (c *Coinex) Ping() []byte { return []byte(`{"method":"server.ping","params":[],"id":999}`) }

func (c *Coinex) Subscribe(streams []Stream, batch int) ([][]byte, error) {
	var frames [][]byte
	var deals []string
	id := 1
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range streams {
		switch s.Kind {
		case schema.EventOHLCV:
			sec, ok := coinexTF[s.TF]
			if !ok {
				log.Warn().Str("venue", "coinex").Str("tf", s.TF).Msg("unsupported timeframe, skipping stream")
				continue
			}
			if prev, dup := c.periods[s.Symbol]; dup {
				// the dialect allows one kline period per market
				log.Warn().Str("venue", "coinex").Str("symbol", s.Symbol).
					Str("kept", prev).Str("skipped", s.TF).Msg("one kline period per market, skipping stream")
				continue
			}
			c.periods[s.Symbol] = s.TF
			frame, err := json.Marshal(map[string]any{
				"method": "kline.subscribe",
				"params": []any{s.Symbol, sec},
				"id":     id,
			})
			if err != nil {
				return nil, fmt.Errorf("coinex subscribe frame: %w", err)
			}
			frames = append(frames, frame)
			id++
		case schema.EventTick:
			deals = append(deals, s.Symbol)
		default:
			log.Warn().Str("venue", "coinex").Str("kind", s.Kind).Msg("unsupported stream kind, skipping")
		}
	}
	for _, chunk := range chunkTopics(deals, batch) {
		params := make([]any, len(chunk))
		for i, m := range chunk {
			params[i] = m
		}
		frame, err := json.Marshal(map[string]any{
			"method": "deals.subscribe",
			"params": params,
			"id":     id,
		})
		if err != nil {
			return nil, fmt.Errorf("coinex subscribe frame: %w", err)
		}
		frames = append(frames, frame)
		id++
	}
	return frames, nil
}

func (c *Coinex) klineTF(market string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tf, ok := c.periods[market]
	return tf, ok
}

type coinexEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (c *Coinex) Parse(raw []byte) ([]ParsedEvent, error) {
	var env coinexEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("coinex frame: %w", err)
	}
	now := time.Now().UnixMilli()
	switch env.Method {
	case "kline.update":
		var rows [][]any
		if err := json.Unmarshal(env.Params, &rows); err != nil {
			return nil, fmt.Errorf("coinex kline: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			// [ts_sec, open, close, high, low, volume, amount, market]
			if len(row) < 8 {
				return nil, fmt.Errorf("coinex kline: row too short (%d cells)", len(row))
			}
			market, ok := row[7].(string)
			if !ok {
				return nil, fmt.Errorf("coinex kline: market cell is %T", row[7])
			}
			tf, ok := c.klineTF(market)
			if !ok {
				return nil, fmt.Errorf("coinex kline: push for unsubscribed market %q", market)
			}
			ts, err := cell(row, 0)
			if err != nil {
				return nil, fmt.Errorf("coinex kline: %w", err)
			}
			var bar schema.OHLCV
			if bar.Open, err = cell(row, 1); err != nil {
				return nil, fmt.Errorf("coinex kline: %w", err)
			}
			if bar.Close, err = cell(row, 2); err != nil {
				return nil, fmt.Errorf("coinex kline: %w", err)
			}
			if bar.High, err = cell(row, 3); err != nil {
				return nil, fmt.Errorf("coinex kline: %w", err)
			}
			if bar.Low, err = cell(row, 4); err != nil {
				return nil, fmt.Errorf("coinex kline: %w", err)
			}
			if bar.Volume, err = cell(row, 5); err != nil {
				return nil, fmt.Errorf("coinex kline: %w", err)
			}
			evt, err := schema.NewEvent("coinex", schema.EventOHLCV, market, schema.TF(tf), int64(ts)*1000, now, bar)
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: false})
		}
		return out, nil

	case "deals.update":
		var params []json.RawMessage
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, fmt.Errorf("coinex deals: %w", err)
		}
		if len(params) < 2 {
			return nil, fmt.Errorf("coinex deals: want [market, deals], got %d params", len(params))
		}
		var market string
		if err := json.Unmarshal(params[0], &market); err != nil {
			return nil, fmt.Errorf("coinex deals: %w", err)
		}
		var rows []struct {
			Time   float64 `json:"time"`
			Price  string  `json:"price"`
			Amount string  `json:"amount"`
			Type   string  `json:"type"`
		}
		if err := json.Unmarshal(params[1], &rows); err != nil {
			return nil, fmt.Errorf("coinex deals: %w", err)
		}
		var out []ParsedEvent
		for _, row := range rows {
			price, err := atof(row.Price)
			if err != nil {
				return nil, fmt.Errorf("coinex deals: %w", err)
			}
			qty, err := atof(row.Amount)
			if err != nil {
				return nil, fmt.Errorf("coinex deals: %w", err)
			}
			ts := int64(math.Round(row.Time * 1000))
			evt, err := schema.NewEvent("coinex", schema.EventTick, market, "", ts, now,
				schema.Tick{Price: price, Qty: qty, Side: row.Type})
			if err != nil {
				return nil, err
			}
			out = append(out, ParsedEvent{Event: evt, Final: true})
		}
		return out, nil
	}
	// server.ping results and subscribe acks
	return nil, nil
}
