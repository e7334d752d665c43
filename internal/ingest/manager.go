package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
	"github.com/sawpanic/marketflow/internal/stream"
)

// EventProducer is the broker surface the manager publishes through.
type EventProducer interface {
	Publish(ctx context.Context, msg *stream.Message) error
	PublishDLT(ctx context.Context, topic string, raw []byte, reason string, headers map[string]string)
	QueueDepth() int
	Flush(ctx context.Context) error
}

// ManagerConfig tunes the fan-in queue and the adaptive batcher.
type ManagerConfig struct {
	Topic           string        `yaml:"topic"`
	QueueSize       int           `yaml:"queue_size"`
	MinBatch        int           `yaml:"min_batch"`
	MaxBatch        int           `yaml:"max_batch"`
	HighWater       int           `yaml:"high_water"`
	LowWater        int           `yaml:"low_water"`
	MaxBatchLatency time.Duration `yaml:"max_batch_latency"`
	PullTimeout     time.Duration `yaml:"pull_timeout"`
	DrainWait       time.Duration `yaml:"drain_wait"`
	FlushTimeout    time.Duration `yaml:"flush_timeout"`
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Topic:           "marketdata.events",
		QueueSize:       100_000,
		MinBatch:        50,
		MaxBatch:        5000,
		HighWater:       50_000,
		LowWater:        5_000,
		MaxBatchLatency: 800 * time.Millisecond,
		PullTimeout:     200 * time.Millisecond,
		DrainWait:       500 * time.Millisecond,
		FlushTimeout:    10 * time.Second,
	}
}

// Manager funnels every venue session into one queue, deduplicates and
// validates events, and publishes them in batches whose size adapts to
// producer backpressure.
//
// The adaptive target is kept raw: repeated pressure halves it below
// MinBatch (50 -> 25 -> 12) so that recovery growth restarts from the
// real level, while the effective batch size stays clamped to
// [MinBatch, MaxBatch] at all times.
type Manager struct {
	cfg       ManagerConfig
	producer  EventProducer
	dedup     *DedupStore
	m         *metrics.Registry
	queue     chan *schema.NormalizedEvent
	rawTarget int
	now       func() time.Time
}

// NewManager wires the manager to its producer and dedup store.
func NewManager(cfg ManagerConfig, producer EventProducer, dedup *DedupStore, m *metrics.Registry) (*Manager, error) {
	if producer == nil {
		return nil, fmt.Errorf("ingest manager: nil producer")
	}
	if dedup == nil {
		return nil, fmt.Errorf("ingest manager: nil dedup store")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("ingest manager: topic required")
	}
	if cfg.MinBatch <= 0 || cfg.MaxBatch < cfg.MinBatch {
		return nil, fmt.Errorf("ingest manager: invalid batch bounds [%d, %d]", cfg.MinBatch, cfg.MaxBatch)
	}
	if cfg.LowWater < 0 || cfg.HighWater <= cfg.LowWater {
		return nil, fmt.Errorf("ingest manager: invalid watermarks low=%d high=%d", cfg.LowWater, cfg.HighWater)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100_000
	}
	if cfg.MaxBatchLatency <= 0 {
		cfg.MaxBatchLatency = 800 * time.Millisecond
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 200 * time.Millisecond
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = 500 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		producer:  producer,
		dedup:     dedup,
		m:         m,
		queue:     make(chan *schema.NormalizedEvent, cfg.QueueSize),
		rawTarget: cfg.MinBatch,
		now:       time.Now,
	}, nil
}

// Forward copies one consumer's events into the shared queue, blocking
// when the queue is full so backpressure reaches the venue sessions.
func (g *Manager) Forward(ctx context.Context, ch <-chan *schema.NormalizedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			select {
			case g.queue <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Run pulls, batches and publishes until ctx is cancelled, then drains
// briefly and flushes the producer.
func (g *Manager) Run(ctx context.Context) error {
	batch := make([]*schema.NormalizedEvent, 0, g.batchSize())
	var first time.Time
	timer := time.NewTimer(g.cfg.PullTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(g.cfg.PullTimeout)

		select {
		case <-ctx.Done():
			g.shutdown(batch)
			return nil
		case ev := <-g.queue:
			if g.admit(ctx, ev) {
				if len(batch) == 0 {
					first = g.now()
				}
				batch = append(batch, ev)
			}
		case <-timer.C:
		}

		if len(batch) >= g.batchSize() || (len(batch) > 0 && g.now().Sub(first) >= g.cfg.MaxBatchLatency) {
			g.flush(ctx, batch)
			batch = batch[:0]
			g.adapt()
		}
	}
}

// admit stamps, deduplicates and validates one event. Invalid events
// go to the dead-letter topic and are not retried.
func (g *Manager) admit(ctx context.Context, ev *schema.NormalizedEvent) bool {
	if ev.IngestTS == 0 {
		ev.IngestTS = g.now().UnixMilli()
	}
	if g.dedup.Contains(ev.CorrelationID) {
		g.m.Duplicates.Inc()
		return false
	}
	g.dedup.Add(ev.CorrelationID)
	g.m.DedupSize.Set(float64(g.dedup.Len()))

	if err := schema.ValidateEvent(ev); err != nil {
		log.Warn().
			Err(err).
			Str("source", ev.Source).
			Str("correlation_id", ev.CorrelationID).
			Msg("Event failed validation, routing to DLT")
		g.producer.PublishDLT(ctx, g.cfg.Topic, marshalForDLT(ev), stream.ReasonSchemaInvalid,
			map[string]string{stream.HeaderCorrelationID: ev.CorrelationID})
		return false
	}
	return true
}

// flush publishes one batch. A rejected publish goes straight to the
// dead-letter topic; the producer handles async delivery failures on
// its own.
func (g *Manager) flush(ctx context.Context, batch []*schema.NormalizedEvent) {
	start := g.now()
	for _, ev := range batch {
		msg, err := eventMessage(g.cfg.Topic, ev)
		if err != nil {
			g.producer.PublishDLT(ctx, g.cfg.Topic, marshalForDLT(ev), stream.ReasonSchemaInvalid,
				map[string]string{stream.HeaderCorrelationID: ev.CorrelationID})
			continue
		}
		if err := g.producer.Publish(ctx, msg); err != nil {
			log.Warn().
				Err(err).
				Str("correlation_id", ev.CorrelationID).
				Msg("Publish rejected, routing to DLT")
			g.producer.PublishDLT(ctx, g.cfg.Topic, msg.Value, stream.ReasonProduceFailed,
				map[string]string{stream.HeaderCorrelationID: ev.CorrelationID})
		}
	}
	g.m.FlushSeconds.Observe(g.now().Sub(start).Seconds())
}

// adapt moves the raw batch target against producer queue depth: halve
// above the high watermark, grow by half below the low one. A negative
// depth means the producer is gone and the target holds.
func (g *Manager) adapt() {
	depth := g.producer.QueueDepth()
	if depth < 0 {
		return
	}
	switch {
	case depth > g.cfg.HighWater:
		g.rawTarget /= 2
		if g.rawTarget < 1 {
			g.rawTarget = 1
		}
	case depth < g.cfg.LowWater:
		g.rawTarget = int(math.Ceil(float64(g.rawTarget) * 1.5))
		if g.rawTarget > g.cfg.MaxBatch {
			g.rawTarget = g.cfg.MaxBatch
		}
	}
	g.m.BatchSize.Set(float64(g.batchSize()))
	g.m.QueueDepth.Set(float64(depth))
}

// batchSize clamps the raw target to the configured bounds.
func (g *Manager) batchSize() int {
	b := g.rawTarget
	if b < g.cfg.MinBatch {
		b = g.cfg.MinBatch
	}
	if b > g.cfg.MaxBatch {
		b = g.cfg.MaxBatch
	}
	return b
}

// shutdown publishes the in-flight batch, drains what arrived during
// teardown, and waits for the producer to settle.
func (g *Manager) shutdown(batch []*schema.NormalizedEvent) {
	ctx := context.Background()
	deadline := g.now().Add(g.cfg.DrainWait)
drain:
	for g.now().Before(deadline) {
		select {
		case ev := <-g.queue:
			if g.admit(ctx, ev) {
				batch = append(batch, ev)
			}
			if len(batch) >= g.cfg.MaxBatch {
				g.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			break drain
		}
	}
	if len(batch) > 0 {
		g.flush(ctx, batch)
	}
	flushCtx, cancel := context.WithTimeout(ctx, g.cfg.FlushTimeout)
	defer cancel()
	if err := g.producer.Flush(flushCtx); err != nil {
		log.Error().Err(err).Msg("Producer flush on shutdown failed")
	}
}

// eventMessage encodes one event as a broker record keyed by the raw
// SHA-256 of "symbol|tf" and timestamped with the event time.
func eventMessage(topic string, ev *schema.NormalizedEvent) (*stream.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return &stream.Message{
		Topic:     topic,
		Key:       schema.PublishKey(ev.Symbol, ev.TF),
		Value:     value,
		Headers:   map[string]string{stream.HeaderCorrelationID: ev.CorrelationID},
		Timestamp: time.UnixMilli(ev.TSEvent).UTC(),
	}, nil
}

// marshalForDLT best-effort encodes an event for the dead-letter topic.
func marshalForDLT(ev *schema.NormalizedEvent) []byte {
	raw, err := json.Marshal(ev)
	if err != nil {
		return []byte(fmt.Sprintf(`{"correlation_id":%q,"source":%q}`, ev.CorrelationID, ev.Source))
	}
	return raw
}
