package config

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/archive"
	"github.com/sawpanic/marketflow/internal/exchange"
	"github.com/sawpanic/marketflow/internal/features"
	"github.com/sawpanic/marketflow/internal/ingest"
	"github.com/sawpanic/marketflow/internal/kv"
	"github.com/sawpanic/marketflow/internal/pipeline"
	"github.com/sawpanic/marketflow/internal/risk"
	"github.com/sawpanic/marketflow/internal/schema"
	"github.com/sawpanic/marketflow/internal/signal"
	"github.com/sawpanic/marketflow/internal/stream"
)

// The Build methods translate file fields into component configs.
// Zero-value fields pass through; the component constructors fill
// their own defaults, so a partially hand-built Config stays usable.

func secs(n int) time.Duration         { return time.Duration(n) * time.Second }
func fracSecs(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
func millis(n int) time.Duration       { return time.Duration(n) * time.Millisecond }

// ConsumerConfigs returns one WebSocket session config per configured
// exchange.
func (c *Config) ConsumerConfigs() []ingest.ConsumerConfig {
	ws := c.Ingestion.WS
	out := make([]ingest.ConsumerConfig, 0, len(c.Ingestion.Exchanges))
	for _, venue := range c.Ingestion.Exchanges {
		cc := ingest.DefaultConsumerConfig(venue)
		if ws.SubscribeBatchSize > 0 {
			cc.SubscribeBatch = ws.SubscribeBatchSize
		}
		if ws.SubscribePerSec > 0 {
			cc.SubscribePerSec = ws.SubscribePerSec
		}
		if ws.PingIntervalSec > 0 {
			cc.PingInterval = secs(ws.PingIntervalSec)
		}
		if ws.PongTimeoutSec > 0 {
			cc.ReadTimeout = secs(ws.PongTimeoutSec)
		}
		if ws.ConnectTimeoutSec > 0 {
			cc.HandshakeTimeout = secs(ws.ConnectTimeoutSec)
		}
		if ws.Backoff.InitialSec > 0 {
			cc.InitialBackoff = fracSecs(ws.Backoff.InitialSec)
		}
		if ws.Backoff.MaxSec > 0 {
			cc.MaxBackoff = fracSecs(ws.Backoff.MaxSec)
		}
		if ws.Backoff.Factor > 1 {
			cc.BackoffFactor = ws.Backoff.Factor
		}
		if ws.MaxQueue > 0 {
			cc.QueueSize = ws.MaxQueue
		}
		cc.MaxRetries = ws.MaxRetries
		cc.CertPinSHA256 = c.Ingestion.CertPins[venue]
		out = append(out, cc)
	}
	return out
}

// StreamSet expands streams x symbols (x timeframes for candles) into
// the subscription requests every venue session receives.
func (c *Config) StreamSet() []exchange.Stream {
	var out []exchange.Stream
	for _, kind := range c.Ingestion.Streams {
		for _, sym := range c.Ingestion.Symbols {
			if kind == schema.EventOHLCV {
				for _, tf := range c.Ingestion.Timeframes {
					out = append(out, exchange.Stream{Kind: kind, Symbol: sym, TF: tf})
				}
				continue
			}
			out = append(out, exchange.Stream{Kind: kind, Symbol: sym})
		}
	}
	return out
}

// ManagerConfig shapes the dedup/validate/batch stage.
func (c *Config) ManagerConfig() ingest.ManagerConfig {
	mc := ingest.DefaultManagerConfig()
	if c.Ingestion.Topic != "" {
		mc.Topic = c.Ingestion.Topic
	}
	b := c.Ingestion.Batch
	if b.QueueSize > 0 {
		mc.QueueSize = b.QueueSize
	}
	if b.Min > 0 {
		mc.MinBatch = b.Min
	}
	if b.Max > 0 {
		mc.MaxBatch = b.Max
	}
	if b.HighWater > 0 {
		mc.HighWater = b.HighWater
	}
	if b.LowWater > 0 {
		mc.LowWater = b.LowWater
	}
	if b.MaxLatencyMS > 0 {
		mc.MaxBatchLatency = millis(b.MaxLatencyMS)
	}
	return mc
}

// ProducerConfig shapes the Kafka producer.
func (c *Config) ProducerConfig() stream.ProducerConfig {
	pc := stream.DefaultProducerConfig()
	if len(c.Broker.Brokers) > 0 {
		pc.Brokers = c.Broker.Brokers
	}
	if c.Broker.ClientID != "" {
		pc.ClientID = c.Broker.ClientID
	}
	if c.Broker.Compression != "" {
		pc.Compression = c.Broker.Compression
	}
	if c.Broker.LingerMS > 0 {
		pc.Linger = millis(c.Broker.LingerMS)
	}
	if c.Broker.BatchMaxBytes > 0 {
		pc.BatchMaxBytes = c.Broker.BatchMaxBytes
	}
	if c.Broker.MaxBuffered > 0 {
		pc.MaxBuffered = c.Broker.MaxBuffered
	}
	if c.Broker.FlushTimeoutSec > 0 {
		pc.FlushTimeout = secs(c.Broker.FlushTimeoutSec)
	}
	return pc
}

// ConsumerGroupConfig shapes the Kafka consumer for the given topics.
func (c *Config) ConsumerGroupConfig(topics ...string) stream.ConsumerConfig {
	cc := stream.DefaultConsumerConfig()
	if len(c.Broker.Brokers) > 0 {
		cc.Brokers = c.Broker.Brokers
	}
	if c.Broker.ClientID != "" {
		cc.ClientID = c.Broker.ClientID
	}
	if c.Broker.Group != "" {
		cc.Group = c.Broker.Group
	}
	if c.Broker.ResetOffset != "" {
		cc.ResetOffset = c.Broker.ResetOffset
	}
	if c.Broker.FetchMaxWaitMS > 0 {
		cc.FetchMaxWait = millis(c.Broker.FetchMaxWaitMS)
	}
	if len(topics) == 0 {
		topics = []string{c.EventsTopic()}
	}
	cc.Topics = topics
	return cc
}

// DedupParams returns the duplicate-suppression cache bounds.
func (c *Config) DedupParams() (capacity int, ttl time.Duration) {
	return c.Ingestion.Dedup.Capacity, secs(c.Ingestion.Dedup.TTLSec)
}

// EventsTopic is the primary events topic name.
func (c *Config) EventsTopic() string {
	if c.Ingestion.Topic != "" {
		return c.Ingestion.Topic
	}
	return ingest.DefaultManagerConfig().Topic
}

// WriterConfig shapes the partitioned archive writer.
func (c *Config) WriterConfig() archive.WriterConfig {
	wc := archive.DefaultWriterConfig()
	if c.Storage.Root != "" {
		wc.Root = c.Storage.Root
	}
	if c.Storage.Codec != "" {
		wc.Codec = c.Storage.Codec
	}
	wc.Policy = c.ArchivePolicy()
	if c.Storage.IncludeRegion {
		wc.Region = c.Storage.Region
	}
	return wc
}

// RetentionTiers converts the retention block, falling back to the
// built-in tiers when none are configured.
func (c *Config) RetentionTiers() []archive.RetentionTier {
	if len(c.Storage.Retention.Tiers) == 0 {
		return archive.DefaultRetentionTiers()
	}
	out := make([]archive.RetentionTier, 0, len(c.Storage.Retention.Tiers))
	for _, t := range c.Storage.Retention.Tiers {
		out = append(out, archive.RetentionTier{
			Name:       t.Name,
			MinAgeDays: t.AgeDaysMin,
			Action:     t.Target,
		})
	}
	return out
}

// CatalogTimeout bounds each catalog statement.
func (c *Config) CatalogTimeout() time.Duration {
	if c.Storage.Catalog.TimeoutSec > 0 {
		return secs(c.Storage.Catalog.TimeoutSec)
	}
	return 5 * time.Second
}

// EngineConfig shapes the feature engine.
func (c *Config) EngineConfig() features.Config {
	fc := features.DefaultConfig()
	if len(c.Features.Indicators) > 0 {
		fc.Indicators = c.Features.Indicators
	}
	if c.Features.IQRK > 0 {
		fc.IQRK = c.Features.IQRK
	}
	if c.Features.FFillLimit > 0 {
		fc.FFillLimit = c.Features.FFillLimit
	}
	return fc
}

// WindowConfig shapes the per-instrument bar windows.
func (c *Config) WindowConfig() features.WindowConfig {
	wc := features.DefaultWindowConfig()
	if c.Features.Window.Size > 0 {
		wc.Size = c.Features.Window.Size
	}
	wc.Slide = c.Features.Window.Slide
	if c.Features.Window.Mode != "" {
		wc.Mode = c.Features.Window.Mode
	}
	return wc
}

// FeatureCacheConfig points the worker at the redis feature cache.
func (c *Config) FeatureCacheConfig() kv.FeatureCacheConfig {
	return kv.FeatureCacheConfig{
		Addr:     c.Features.Cache.Addr,
		Password: c.Features.Cache.Password,
		DB:       c.Features.Cache.DB,
		TTL:      secs(c.Features.Cache.TTLSec),
		Jitter:   secs(c.Features.Cache.JitterSec),
	}
}

// EmitterConfig shapes signal assembly and publication.
func (c *Config) EmitterConfig() signal.EmitterConfig {
	ec := signal.DefaultEmitterConfig()
	if c.Signals.Topic != "" {
		ec.Topic = c.Signals.Topic
	}
	if c.Signals.ProducerOutDir != "" {
		ec.OutDir = c.Signals.ProducerOutDir
	}
	if c.Signals.SLTP.ATRMultiple > 0 {
		ec.ATRMultiple = c.Signals.SLTP.ATRMultiple
	}
	if c.Signals.SLTP.RRRatio > 0 {
		ec.RRRatio = c.Signals.SLTP.RRRatio
	}
	return ec
}

// ScorerConfig blends rule and model scores.
func (c *Config) ScorerConfig() signal.ScorerConfig {
	return signal.ScorerConfig{
		RuleWeight:  c.Signals.Scorer.RuleWeight,
		ModelWeight: c.Signals.Scorer.ModelWeight,
		Threshold:   c.Signals.Scorer.Threshold,
	}
}

// RiskLimits returns the effective risk limits.
func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxExposurePerAsset: c.Risk.MaxExposurePerAsset,
		DailyMaxDrawdown:    c.Risk.DailyMaxDrawdown,
		EnableKillSwitch:    c.Risk.EnableKillSwitch,
	}
}

// PipelineConfig shapes the signal worker.
func (c *Config) PipelineConfig() pipeline.WorkerConfig {
	return pipeline.WorkerConfig{
		Equity:        c.Worker.Equity,
		OrderFraction: c.Worker.OrderFraction,
		OffsetStream:  c.Worker.OffsetStream,
	}
}

// Dial runs connect, retrying per the policy with a fixed wait between
// attempts. Retries 0 means a single attempt.
func (p RetryPolicy) Dial(ctx context.Context, name string, connect func() error) error {
	wait := fracSecs(p.BackoffSec)
	if wait <= 0 {
		wait = 2 * time.Second
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = connect(); err == nil {
			return nil
		}
		if attempt >= p.Retries {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Warn().
			Err(err).
			Str("target", name).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("Dial failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
