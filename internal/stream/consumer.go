package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sawpanic/marketflow/internal/metrics"
)

// ConsumerConfig mirrors the consumer block of the config file.
type ConsumerConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"client_id"`
	Group        string        `yaml:"group"`
	Topics       []string      `yaml:"topics"`
	ResetOffset  string        `yaml:"reset_offset"` // earliest or latest
	FetchMaxWait time.Duration `yaml:"fetch_max_wait"`
}

// DefaultConsumerConfig returns the settings used when the consumer
// block is absent.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:      []string{"localhost:9092"},
		ClientID:     "marketflow",
		Group:        "marketflow-features",
		ResetOffset:  "earliest",
		FetchMaxWait: 500 * time.Millisecond,
	}
}

// Handler processes one consumed record. Returning an error skips the
// record after logging; it never stops the poll loop.
type Handler func(ctx context.Context, msg *Message) error

// Consumer runs a consumer-group poll loop with explicit commits after
// each poll is handled, so a crash replays at-least-once.
type Consumer struct {
	client *kgo.Client
	m      *metrics.Registry
	cfg    ConsumerConfig
}

// NewConsumer joins the configured group.
func NewConsumer(cfg ConsumerConfig, m *metrics.Registry) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("stream: no brokers configured")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("stream: consumer group required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("stream: no topics to consume")
	}
	reset := kgo.NewOffset().AtStart()
	if cfg.ResetOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: new consumer: %w", err)
	}
	return &Consumer{client: client, m: m, cfg: cfg}, nil
}

// Run polls until ctx ends. Records are handed to h in partition order;
// offsets commit after each poll completes.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				continue
			}
			c.m.ConsumeErrors.WithLabelValues("fetch").Inc()
			log.Error().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("fetch error")
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			msg := fromRecord(rec)
			if !rec.Timestamp.IsZero() {
				c.m.ConsumeLagMS.WithLabelValues(rec.Topic).Set(float64(time.Since(rec.Timestamp).Milliseconds()))
			}
			if err := h(ctx, msg); err != nil {
				c.m.ConsumeErrors.WithLabelValues("handler").Inc()
				log.Error().Err(err).Str("topic", rec.Topic).Int64("offset", rec.Offset).Msg("handler error, skipping record")
			}
		})
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.m.ConsumeErrors.WithLabelValues("commit").Inc()
			log.Error().Err(err).Msg("offset commit failed")
		}
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
