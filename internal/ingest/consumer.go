package ingest

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marketflow/internal/exchange"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
)

// ConsumerConfig tunes one venue session.
type ConsumerConfig struct {
	Venue            string        `yaml:"venue"`
	SubscribeBatch   int           `yaml:"subscribe_batch"`
	SubscribePerSec  float64       `yaml:"subscribe_per_sec"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	MaxRetries       int           `yaml:"max_retries"`
	QueueSize        int           `yaml:"queue_size"`
	CertPinSHA256    string        `yaml:"cert_pin_sha256"`
}

// DefaultConsumerConfig returns the production defaults for venue.
// MaxRetries 0 means reconnect forever.
func DefaultConsumerConfig(venue string) ConsumerConfig {
	return ConsumerConfig{
		Venue:            venue,
		SubscribeBatch:   20,
		SubscribePerSec:  4,
		PingInterval:     20 * time.Second,
		ReadTimeout:      75 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       60 * time.Second,
		BackoffFactor:    2,
		QueueSize:        10_000,
	}
}

const backoffJitter = 500 * time.Millisecond

// WsConsumer owns one venue WebSocket session: it dials, subscribes in
// paced batches, keeps the connection alive, and turns raw frames into
// normalized events on a bounded channel. When the channel is full the
// oldest buffered event is dropped so live data keeps flowing.
type WsConsumer struct {
	cfg     ConsumerConfig
	adapter exchange.Adapter
	streams []exchange.Stream
	m       *metrics.Registry
	events  chan *schema.NormalizedEvent
	limiter *rate.Limiter
	coal    *klineCoalescer
	rng     *rand.Rand

	writeMu sync.Mutex
}

// NewWsConsumer builds a consumer for the given adapter and stream set.
func NewWsConsumer(cfg ConsumerConfig, adapter exchange.Adapter, streams []exchange.Stream, m *metrics.Registry) (*WsConsumer, error) {
	if adapter == nil {
		return nil, fmt.Errorf("ws consumer: nil adapter")
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("ws consumer: no streams for %s", adapter.Venue())
	}
	if cfg.Venue == "" {
		cfg.Venue = adapter.Venue()
	}
	if cfg.SubscribeBatch <= 0 {
		cfg.SubscribeBatch = 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 75 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10_000
	}
	limit := rate.Inf
	if cfg.SubscribePerSec > 0 {
		limit = rate.Limit(cfg.SubscribePerSec)
	}
	return &WsConsumer{
		cfg:     cfg,
		adapter: adapter,
		streams: streams,
		m:       m,
		events:  make(chan *schema.NormalizedEvent, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		coal:    newKlineCoalescer(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Events returns the delivery channel. It is closed when Run returns.
func (c *WsConsumer) Events() <-chan *schema.NormalizedEvent { return c.events }

// Run connects and reconnects until ctx is cancelled or the retry
// budget is exhausted. Buffered candle snapshots are flushed before the
// event channel closes.
func (c *WsConsumer) Run(ctx context.Context) error {
	defer close(c.events)
	failures := 0
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.flushCoalesced()
			return nil
		}
		c.m.WSReconnects.WithLabelValues(c.cfg.Venue).Inc()
		if connected {
			failures = 0
		}
		failures++
		if c.cfg.MaxRetries > 0 && failures >= c.cfg.MaxRetries {
			c.flushCoalesced()
			return fmt.Errorf("%s: connection lost after %d attempts: %w", c.cfg.Venue, failures, err)
		}
		delay := c.backoff(failures - 1)
		log.Warn().
			Err(err).
			Str("venue", c.cfg.Venue).
			Int("failures", failures).
			Dur("backoff", delay).
			Msg("WebSocket session ended, reconnecting")
		select {
		case <-ctx.Done():
			c.flushCoalesced()
			return nil
		case <-time.After(delay):
		}
	}
}

// backoff computes the n-th retry delay: geometric growth by
// BackoffFactor capped at MaxBackoff, plus up to 500ms of jitter so a
// fleet of consumers does not reconnect in lockstep.
func (c *WsConsumer) backoff(n int) time.Duration {
	if n > 30 {
		n = 30
	}
	d := float64(c.cfg.InitialBackoff)
	max := float64(c.cfg.MaxBackoff)
	for i := 0; i < n && d < max; i++ {
		d *= c.cfg.BackoffFactor
	}
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(d) + time.Duration(c.rng.Int63n(int64(backoffJitter)))
}

// session runs one connection lifetime. The bool reports whether the
// dial and subscribe handshake succeeded.
func (c *WsConsumer) session(ctx context.Context) (bool, error) {
	wsURL, err := c.adapter.WSURL()
	if err != nil {
		return false, fmt.Errorf("%s: resolve endpoint: %w", c.cfg.Venue, err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("%s: dial: %w", c.cfg.Venue, err)
	}
	defer conn.Close()

	if c.cfg.CertPinSHA256 != "" {
		if err := c.verifyPin(conn); err != nil {
			c.m.PinMismatches.WithLabelValues(c.cfg.Venue).Inc()
			return false, err
		}
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	if err := c.subscribe(ctx, conn); err != nil {
		return false, err
	}

	log.Info().Str("venue", c.cfg.Venue).Int("streams", len(c.streams)).Msg("WebSocket session established")
	c.m.OpenSessions.WithLabelValues(c.cfg.Venue).Inc()
	defer c.m.OpenSessions.WithLabelValues(c.cfg.Venue).Dec()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(sessCtx, conn)

	// Close the socket when ctx ends so the blocked read returns.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	return true, c.readLoop(conn)
}

// verifyPin compares the SHA-256 of the leaf certificate against the
// configured pin.
func (c *WsConsumer) verifyPin(conn *websocket.Conn) error {
	tlsConn, ok := conn.UnderlyingConn().(*tls.Conn)
	if !ok {
		return fmt.Errorf("%s: certificate pin set but connection is not TLS", c.cfg.Venue)
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%s: no peer certificate to pin", c.cfg.Venue)
	}
	sum := sha256.Sum256(state.PeerCertificates[0].Raw)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, c.cfg.CertPinSHA256) {
		return fmt.Errorf("%s: certificate pin mismatch: got %s", c.cfg.Venue, got)
	}
	return nil
}

// subscribe sends the adapter's subscription frames, paced by the rate
// limiter so chatty venues do not throttle us during recovery storms.
func (c *WsConsumer) subscribe(ctx context.Context, conn *websocket.Conn) error {
	frames, err := c.adapter.Subscribe(c.streams, c.cfg.SubscribeBatch)
	if err != nil {
		return fmt.Errorf("%s: build subscriptions: %w", c.cfg.Venue, err)
	}
	for _, frame := range frames {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.writeFrame(conn, frame); err != nil {
			return fmt.Errorf("%s: subscribe: %w", c.cfg.Venue, err)
		}
	}
	return nil
}

func (c *WsConsumer) readLoop(conn *websocket.Conn) error {
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%s: read: %w", c.cfg.Venue, err)
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if msgType == websocket.BinaryMessage {
			dec, ok := c.adapter.(exchange.BinaryDecoder)
			if !ok {
				continue
			}
			raw, err = dec.DecodeBinary(raw)
			if err != nil {
				c.m.WSParseErrors.WithLabelValues(c.cfg.Venue).Inc()
				log.Debug().Err(err).Str("venue", c.cfg.Venue).Msg("Binary frame decode failed")
				continue
			}
		}

		if rep, ok := c.adapter.(exchange.Replier); ok {
			if reply := rep.Reply(raw); reply != nil {
				if err := c.writeFrame(conn, reply); err != nil {
					return fmt.Errorf("%s: keepalive reply: %w", c.cfg.Venue, err)
				}
				continue
			}
		}

		parsed, err := c.adapter.Parse(raw)
		if err != nil {
			c.m.WSParseErrors.WithLabelValues(c.cfg.Venue).Inc()
			log.Debug().Err(err).Str("venue", c.cfg.Venue).Msg("Frame parse failed")
			continue
		}
		for _, pe := range parsed {
			for _, ev := range c.coal.Push(pe) {
				c.deliver(ev)
			}
		}
	}
}

// pingLoop keeps the session alive. Venues with an application-level
// ping get that payload as a text frame; the rest get a protocol ping.
func (c *WsConsumer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if payload := c.adapter.Ping(); payload != nil {
				err = c.writeFrame(conn, payload)
			} else {
				err = c.writeControl(conn, websocket.PingMessage)
			}
			if err != nil {
				log.Warn().Err(err).Str("venue", c.cfg.Venue).Msg("Ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *WsConsumer) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *WsConsumer) writeControl(conn *websocket.Conn, msgType int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(msgType, nil)
}

// deliver pushes ev onto the bounded channel, evicting the oldest
// buffered event when full.
func (c *WsConsumer) deliver(ev *schema.NormalizedEvent) {
	c.m.EventsIngested.WithLabelValues(ev.Source, ev.EventType).Inc()
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
			c.m.WSQueueDrops.WithLabelValues(c.cfg.Venue).Inc()
		default:
		}
	}
}

func (c *WsConsumer) flushCoalesced() {
	for _, ev := range c.coal.Flush() {
		c.deliver(ev)
	}
}
