package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sawpanic/marketflow/internal/metrics"
)

var (
	ErrClosed      = errors.New("stream: producer closed")
	ErrBreakerOpen = errors.New("stream: produce breaker open")
)

// ProducerConfig mirrors the broker block of the config file.
type ProducerConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"client_id"`
	Compression   string        `yaml:"compression"`
	Linger        time.Duration `yaml:"linger"`
	BatchMaxBytes int32         `yaml:"batch_max_bytes"`
	MaxBuffered   int           `yaml:"max_buffered"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
}

// DefaultProducerConfig returns the settings used when the broker block
// is absent.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		ClientID:      "marketflow",
		Compression:   "lz4",
		Linger:        5 * time.Millisecond,
		BatchMaxBytes: 1 << 20,
		MaxBuffered:   200_000,
		FlushTimeout:  10 * time.Second,
	}
}

// Producer publishes records with idempotent at-least-once semantics.
// Delivery results feed a breaker so a dead broker short-circuits
// enqueues instead of filling the local buffer.
type Producer struct {
	client  *kgo.Client
	breaker *gobreaker.TwoStepCircuitBreaker
	m       *metrics.Registry
	cfg     ProducerConfig
	closed  atomic.Bool
}

// NewProducer connects a franz-go client with acks=all and idempotent
// produce enabled.
func NewProducer(cfg ProducerConfig, m *metrics.Registry) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("stream: no brokers configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
		kgo.ProducerBatchCompression(compressionCodec(cfg.Compression)),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("stream: new client: %w", err)
	}
	return &Producer{
		client:  client,
		breaker: newProduceBreaker(),
		m:       m,
		cfg:     cfg,
	}, nil
}

func newProduceBreaker() *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "broker-produce",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= 3 {
				return true
			}
			return c.Requests >= 20 && float64(c.TotalFailures)/float64(c.Requests) > 0.05
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("produce breaker state change")
		},
	})
}

func compressionCodec(name string) kgo.CompressionCodec {
	switch name {
	case "gzip":
		return kgo.GzipCompression()
	case "snappy":
		return kgo.SnappyCompression()
	case "zstd":
		return kgo.ZstdCompression()
	case "none":
		return kgo.NoCompression()
	default:
		return kgo.Lz4Compression()
	}
}

// Publish enqueues one record. The returned error covers enqueue-time
// failures only (closed producer, open breaker); delivery failures are
// reported asynchronously, counted, and routed to the dead letter
// sibling by this producer.
func (p *Producer) Publish(ctx context.Context, msg *Message) error {
	if p.closed.Load() {
		return ErrClosed
	}
	done, err := p.breaker.Allow()
	if err != nil {
		p.m.PublishFail.WithLabelValues(msg.Topic).Inc()
		return fmt.Errorf("%w: %s", ErrBreakerOpen, err)
	}
	topic := msg.Topic
	headers := msg.Headers
	value := msg.Value
	p.client.Produce(ctx, toRecord(msg), func(_ *kgo.Record, err error) {
		done(err == nil)
		if err != nil {
			p.m.PublishFail.WithLabelValues(topic).Inc()
			log.Error().Err(err).Str("topic", topic).Msg("produce failed, routing to dead letter")
			p.PublishDLT(context.Background(), topic, value, ReasonProduceFailed, headers)
			return
		}
		p.m.PublishOK.WithLabelValues(topic).Inc()
	})
	return nil
}

// PublishDLT writes raw bytes to the dead-letter sibling of topic with
// the dlt_reason header. It never blocks the primary path: delivery
// failure is logged and counted only.
func (p *Producer) PublishDLT(ctx context.Context, topic string, raw []byte, reason string, headers map[string]string) {
	p.m.DLTRoutes.WithLabelValues(reason).Inc()
	if p.closed.Load() {
		log.Error().Str("topic", topic).Str("reason", reason).Msg("dead letter dropped, producer closed")
		return
	}
	hdrs := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		hdrs[k] = v
	}
	hdrs[HeaderDLTReason] = reason
	rec := toRecord(&Message{
		Topic:     DLTTopic(topic),
		Value:     raw,
		Headers:   hdrs,
		Timestamp: time.Now(),
	})
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			log.Error().Err(err).Str("topic", rec.Topic).Msg("dead letter delivery failed")
		}
	})
}

// QueueDepth reports the local buffered record count, or -1 when the
// client is gone. The ingestion manager reads it as its backpressure
// signal.
func (p *Producer) QueueDepth() int {
	if p.client == nil || p.closed.Load() {
		return -1
	}
	return int(p.client.BufferedProduceRecords())
}

// Flush drains the local buffer within the configured timeout.
func (p *Producer) Flush(ctx context.Context) error {
	timeout := p.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.client.Flush(fctx); err != nil {
		return fmt.Errorf("stream: flush: %w", err)
	}
	return nil
}

// Close flushes and releases the client. Idempotent.
func (p *Producer) Close() {
	if p.closed.Swap(true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("flush on close failed")
	}
	p.client.Close()
}
