package exchange

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/schema"
)

const kucoinBulletURL = "https://api.kucoin.com/api/v1/bullet-public"

// 1mo has no kucoin candle type; it is skipped at subscribe time.
var kucoinTF = map[string]string{
	"1m": "1min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "1hour", "2h": "2hour", "4h": "4hour", "6h": "6hour", "8h": "8hour", "12h": "12hour",
	"1d": "1day", "1w": "1week",
}

// Kucoin speaks the spot public dialect: a bullet-public REST handshake
// for the connection token, topic subscriptions with dashed symbols,
// and candle rows ordered [ts, open, close, high, low, volume,
// turnover] in venue seconds.
type Kucoin struct {
	httpClient *http.Client
}

func NewKucoin() *Kucoin {
	return &Kucoin{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (k *Kucoin) Venue() string { return "kucoin" }

// WSURL performs the bullet-public handshake and returns the tokenized
// endpoint. Called per connection attempt so reconnects refresh the
// token.
func (k *Kucoin) WSURL() (string, error) {
	resp, err := k.httpClient.Post(kucoinBulletURL, "application/json", nil)
	if err != nil {
		return "", fmt.Errorf("kucoin bullet-public: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kucoin bullet-public: status %d", resp.StatusCode)
	}
	var body struct {
		Data struct {
			Token           string `json:"token"`
			InstanceServers []struct {
				Endpoint string `json:"endpoint"`
			} `json:"instanceServers"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("kucoin bullet-public: %w", err)
	}
	if body.Data.Token == "" || len(body.Data.InstanceServers) == 0 {
		return "", fmt.Errorf("kucoin bullet-public: empty token or server list")
	}
	return body.Data.InstanceServers[0].Endpoint + "?token=" + body.Data.Token, nil
}

func (k *Kucoin) Ping() []byte {
	return []byte(fmt.Sprintf(`{"id":"%d","type":"ping"}`, time.Now().UnixMilli()))
}

func (k *Kucoin) Subscribe(streams []Stream, batch int) ([][]byte, error) {
	var candleTopics []string
	var matchSymbols []string
	for _, s := range streams {
		inst := dashPair(s.Symbol)
		switch s.Kind {
		case schema.EventOHLCV:
			tf, ok := kucoinTF[s.TF]
			if !ok {
				log.Warn().Str("venue", "kucoin").Str("tf", s.TF).Msg("unsupported timeframe, skipping stream")
				continue
			}
			candleTopics = append(candleTopics, inst+"_"+tf)
		case schema.EventTick:
			matchSymbols = append(matchSymbols, inst)
		default:
			log.Warn().Str("venue", "kucoin").Str("kind", s.Kind).Msg("unsupported stream kind, skipping")
		}
	}
	var frames [][]byte
	id := time.Now().UnixMilli()
	appendTopic := func(topic string) error {
		frame, err := json.Marshal(map[string]any{
			"id":             strconv.FormatInt(id, 10),
			"type":           "subscribe",
			"topic":          topic,
			"privateChannel": false,
			"response":       true,
		})
		if err != nil {
			return fmt.Errorf("kucoin subscribe frame: %w", err)
		}
		frames = append(frames, frame)
		id++
		return nil
	}
	for _, chunk := range chunkTopics(candleTopics, batch) {
		if err := appendTopic("/market/candles:" + strings.Join(chunk, ",")); err != nil {
			return nil, err
		}
	}
	for _, chunk := range chunkTopics(matchSymbols, batch) {
		if err := appendTopic("/market/match:" + strings.Join(chunk, ",")); err != nil {
			return nil, err
		}
	}
	return frames, nil
}

type kucoinEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

func (k *Kucoin) Parse(raw []byte) ([]ParsedEvent, error) {
	var env kucoinEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("kucoin frame: %w", err)
	}
	if env.Type != "message" {
		// welcome, ack, pong
		return nil, nil
	}
	now := time.Now().UnixMilli()

	switch {
	case strings.HasPrefix(env.Topic, "/market/candles:"):
		var data struct {
			Symbol  string   `json:"symbol"`
			Candles []string `json:"candles"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		// [ts_sec, open, close, high, low, volume, turnover]
		if len(data.Candles) < 6 {
			return nil, fmt.Errorf("kucoin candles: row too short (%d cells)", len(data.Candles))
		}
		tf, err := kucoinTopicTF(env.Topic, data.Symbol)
		if err != nil {
			return nil, err
		}
		tsSec, err := atoi(data.Candles[0])
		if err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		var bar schema.OHLCV
		if bar.Open, err = atof(data.Candles[1]); err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		if bar.Close, err = atof(data.Candles[2]); err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		if bar.High, err = atof(data.Candles[3]); err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		if bar.Low, err = atof(data.Candles[4]); err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		if bar.Volume, err = atof(data.Candles[5]); err != nil {
			return nil, fmt.Errorf("kucoin candles: %w", err)
		}
		evt, err := schema.NewEvent("kucoin", schema.EventOHLCV, undashPair(data.Symbol), schema.TF(tf), tsSec*1000, now, bar)
		if err != nil {
			return nil, err
		}
		return []ParsedEvent{{Event: evt, Final: false}}, nil

	case strings.HasPrefix(env.Topic, "/market/match:"):
		var data struct {
			Symbol string `json:"symbol"`
			Side   string `json:"side"`
			Size   string `json:"size"`
			Price  string `json:"price"`
			Time   string `json:"time"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("kucoin match: %w", err)
		}
		price, err := atof(data.Price)
		if err != nil {
			return nil, fmt.Errorf("kucoin match: %w", err)
		}
		qty, err := atof(data.Size)
		if err != nil {
			return nil, fmt.Errorf("kucoin match: %w", err)
		}
		ns, err := atoi(data.Time)
		if err != nil {
			return nil, fmt.Errorf("kucoin match: %w", err)
		}
		evt, err := schema.NewEvent("kucoin", schema.EventTick, undashPair(data.Symbol), "", ns/1_000_000, now,
			schema.Tick{Price: price, Qty: qty, Side: data.Side})
		if err != nil {
			return nil, err
		}
		return []ParsedEvent{{Event: evt, Final: true}}, nil
	}
	return nil, nil
}

// kucoinTopicTF extracts the canonical timeframe for one symbol from a
// possibly comma-joined candles topic.
func kucoinTopicTF(topic, symbol string) (string, error) {
	spec := strings.TrimPrefix(topic, "/market/candles:")
	for _, entry := range strings.Split(spec, ",") {
		if !strings.HasPrefix(entry, symbol+"_") {
			continue
		}
		tf, ok := reverseTF(kucoinTF, strings.TrimPrefix(entry, symbol+"_"))
		if !ok {
			return "", fmt.Errorf("kucoin candles: unknown type in topic %q", entry)
		}
		return tf, nil
	}
	return "", fmt.Errorf("kucoin candles: symbol %q not in topic %q", symbol, topic)
}
