// Package config loads the marketflow YAML configuration file and
// converts it into the per-component configs the binaries wire
// together. Operator-facing durations are plain numbers with the unit
// in the field name (connect_timeout_sec, linger_ms); the Build
// methods turn them into time.Durations.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/marketflow/internal/archive"
	"github.com/sawpanic/marketflow/internal/exchange"
	"github.com/sawpanic/marketflow/internal/features/indicators"
	"github.com/sawpanic/marketflow/internal/schema"
)

// Config is the root of the marketflow configuration file.
type Config struct {
	Ingestion IngestionConfig `yaml:"ingestion"`
	Broker    BrokerConfig    `yaml:"broker"`
	Storage   StorageConfig   `yaml:"storage"`
	Features  FeaturesConfig  `yaml:"features"`
	Signals   SignalsConfig   `yaml:"signals"`
	Risk      RiskConfig      `yaml:"risk"`
	Worker    WorkerConfig    `yaml:"worker"`
	KV        KVConfig        `yaml:"kv"`
	Ops       OpsConfig       `yaml:"ops"`
}

// IngestionConfig selects what to subscribe to and how the venue
// sessions behave.
type IngestionConfig struct {
	Exchanges   []string          `yaml:"exchanges"`
	Symbols     []string          `yaml:"symbols"`
	Timeframes  []string          `yaml:"timeframes"`
	Streams     []string          `yaml:"streams"`
	Topic       string            `yaml:"topic"`
	WS          WSConfig          `yaml:"ws"`
	RetryPolicy RetryPolicy       `yaml:"retry_policy"`
	Batch       BatchConfig       `yaml:"batch"`
	Dedup       DedupConfig       `yaml:"dedup"`
	CertPins    map[string]string `yaml:"cert_pins"` // venue -> leaf cert sha256
}

// DedupConfig bounds the duplicate-suppression cache.
type DedupConfig struct {
	Capacity int `yaml:"capacity"`
	TTLSec   int `yaml:"ttl_sec"`
}

// WSConfig tunes the per-venue WebSocket sessions.
type WSConfig struct {
	ConnectTimeoutSec  int           `yaml:"connect_timeout_sec"`
	PingIntervalSec    int           `yaml:"ping_interval_sec"`
	PongTimeoutSec     int           `yaml:"pong_timeout_sec"`
	MaxRetries         int           `yaml:"max_retries"` // 0 = reconnect forever
	SubscribeBatchSize int           `yaml:"subscribe_batch_size"`
	SubscribePerSec    float64       `yaml:"subscribe_per_sec"`
	MaxQueue           int           `yaml:"max_queue"`
	Backoff            BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes the reconnect delay curve.
type BackoffConfig struct {
	InitialSec float64 `yaml:"initial_sec"`
	MaxSec     float64 `yaml:"max_sec"`
	Factor     float64 `yaml:"factor"`
}

// RetryPolicy governs startup dials to stateful dependencies (redis,
// the archive catalog). The WebSocket layer has its own reconnect
// loop; this covers the one-shot connects that would otherwise fail a
// binary while a dependency is still coming up.
type RetryPolicy struct {
	Retries    int     `yaml:"retries"`
	BackoffSec float64 `yaml:"backoff_sec"`
}

// BatchConfig tunes the adaptive batcher between the venue queues and
// the broker.
type BatchConfig struct {
	QueueSize    int `yaml:"queue_size"`
	Min          int `yaml:"min"`
	Max          int `yaml:"max"`
	HighWater    int `yaml:"high_water"`
	LowWater     int `yaml:"low_water"`
	MaxLatencyMS int `yaml:"max_latency_ms"`
}

// BrokerConfig covers both the producer and consumer sides of the
// Kafka connection.
type BrokerConfig struct {
	Brokers         []string `yaml:"brokers"`
	ClientID        string   `yaml:"client_id"`
	Compression     string   `yaml:"compression"`
	LingerMS        int      `yaml:"linger_ms"`
	BatchMaxBytes   int32    `yaml:"batch_max_bytes"`
	MaxBuffered     int      `yaml:"max_buffered"`
	FlushTimeoutSec int      `yaml:"flush_timeout_sec"`
	Group           string   `yaml:"group"`
	ResetOffset     string   `yaml:"reset_offset"` // earliest or latest
	FetchMaxWaitMS  int      `yaml:"fetch_max_wait_ms"`
}

// StorageConfig shapes the partitioned archive.
type StorageConfig struct {
	Root          string          `yaml:"root"`
	Dataset       string          `yaml:"dataset"`
	Granularity   string          `yaml:"granularity"` // daily or hourly
	IncludeRegion bool            `yaml:"include_region"`
	Region        string          `yaml:"region"`
	Codec         string          `yaml:"codec"`
	Catalog       CatalogConfig   `yaml:"catalog"`
	Retention     RetentionConfig `yaml:"retention"`
}

// CatalogConfig points at the partition catalog database. An empty DSN
// disables catalog records.
type CatalogConfig struct {
	DSN        string `yaml:"dsn"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// RetentionConfig lists the age tiers driving compaction and cleanup.
type RetentionConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig is one retention tier. AgeDaysMax is informational: a
// tier ends where the next one begins.
type TierConfig struct {
	Name       string `yaml:"name"`
	AgeDaysMin int    `yaml:"age_days_min"`
	AgeDaysMax int    `yaml:"age_days_max"`
	Target     string `yaml:"target"` // none, compact, offload or delete
}

// FeaturesConfig selects the indicator set and the window the worker
// computes over.
type FeaturesConfig struct {
	Indicators []indicators.Descriptor `yaml:"indicators"`
	IQRK       float64                 `yaml:"iqr_k"`
	FFillLimit int                     `yaml:"ffill_limit"`
	Window     WindowConfig            `yaml:"window"`
	Cache      CacheConfig             `yaml:"cache"`
}

// WindowConfig mirrors the worker's bar window.
type WindowConfig struct {
	Size  int    `yaml:"size"`
	Slide int    `yaml:"slide"`
	Mode  string `yaml:"mode"` // sliding or tumbling
}

// CacheConfig points at the redis feature cache.
type CacheConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	TTLSec    int    `yaml:"ttl_sec"`
	JitterSec int    `yaml:"jitter_sec"`
}

// SignalsConfig shapes scoring and emission.
type SignalsConfig struct {
	Topic          string       `yaml:"topic"`
	SLTP           SLTPConfig   `yaml:"sltp"`
	ProducerOutDir string       `yaml:"producer_out_dir"`
	ModelPath      string       `yaml:"model_path"` // empty = rule-only scoring
	Scorer         ScorerConfig `yaml:"scorer"`
}

// SLTPConfig sets the stop-loss/take-profit policy.
type SLTPConfig struct {
	ATRMultiple float64 `yaml:"atr_multiple"`
	RRRatio     float64 `yaml:"rr_ratio"`
}

// ScorerConfig blends the rule and model scores.
type ScorerConfig struct {
	RuleWeight  float64 `yaml:"rule_weight"`
	ModelWeight float64 `yaml:"model_weight"`
	Threshold   float64 `yaml:"threshold"`
}

// RiskConfig holds the risk limits, either inline or via a separate
// profile file (the profile wins when both are set).
type RiskConfig struct {
	ProfileFile         string  `yaml:"profile_file"`
	MaxExposurePerAsset float64 `yaml:"max_exposure_per_asset"`
	DailyMaxDrawdown    float64 `yaml:"daily_max_drawdown"`
	EnableKillSwitch    bool    `yaml:"enable_kill_switch"`
}

// WorkerConfig tunes the signal worker loop.
type WorkerConfig struct {
	Equity        float64 `yaml:"equity"`
	OrderFraction float64 `yaml:"order_fraction"`
	OffsetStream  string  `yaml:"offset_stream"`
}

// KVConfig points at the redis instance holding stream offsets.
type KVConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OpsConfig is the health/metrics listener.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when a section is absent from
// the file. Exchanges, symbols and streams have no defaults: a file
// that does not name them fails validation.
func Default() *Config {
	return &Config{
		Ingestion: IngestionConfig{
			Timeframes: []string{"1m"},
			Topic:      "marketdata.events",
			WS: WSConfig{
				ConnectTimeoutSec:  15,
				PingIntervalSec:    20,
				PongTimeoutSec:     75,
				MaxRetries:         0,
				SubscribeBatchSize: 20,
				SubscribePerSec:    4,
				MaxQueue:           10_000,
				Backoff:            BackoffConfig{InitialSec: 1, MaxSec: 60, Factor: 2},
			},
			RetryPolicy: RetryPolicy{Retries: 3, BackoffSec: 2},
			Batch: BatchConfig{
				QueueSize:    100_000,
				Min:          50,
				Max:          5000,
				HighWater:    50_000,
				LowWater:     5_000,
				MaxLatencyMS: 800,
			},
			Dedup: DedupConfig{Capacity: 250_000, TTLSec: 1800},
		},
		Broker: BrokerConfig{
			Brokers:         []string{"localhost:9092"},
			ClientID:        "marketflow",
			Compression:     "lz4",
			LingerMS:        5,
			BatchMaxBytes:   1 << 20,
			MaxBuffered:     200_000,
			FlushTimeoutSec: 10,
			Group:           "marketflow-features",
			ResetOffset:     "earliest",
			FetchMaxWaitMS:  500,
		},
		Storage: StorageConfig{
			Root:        "data/archive",
			Dataset:     "marketdata",
			Granularity: "daily",
			Codec:       "jsonl",
			Catalog:     CatalogConfig{TimeoutSec: 5},
			Retention: RetentionConfig{Tiers: []TierConfig{
				{Name: "hot", AgeDaysMin: 0, AgeDaysMax: 7, Target: "none"},
				{Name: "warm", AgeDaysMin: 7, AgeDaysMax: 90, Target: "compact"},
				{Name: "cold", AgeDaysMin: 90, AgeDaysMax: 730, Target: "offload"},
				{Name: "delete", AgeDaysMin: 730, Target: "delete"},
			}},
		},
		Features: FeaturesConfig{
			Indicators: []indicators.Descriptor{
				{Kind: "atr", Params: map[string]any{"period": 14}},
				{Kind: "adx", Params: map[string]any{"period": 14}},
				{Kind: "vwap", Params: map[string]any{"anchor": "day"}},
			},
			IQRK:       1.5,
			FFillLimit: 2,
			Window:     WindowConfig{Size: 64, Mode: "sliding"},
			Cache:      CacheConfig{Addr: "localhost:6379", TTLSec: 90, JitterSec: 10},
		},
		Signals: SignalsConfig{
			Topic:          "signals.v2",
			SLTP:           SLTPConfig{ATRMultiple: 1.5, RRRatio: 2},
			ProducerOutDir: "out/signals",
			Scorer:         ScorerConfig{RuleWeight: 0.6, ModelWeight: 0.4, Threshold: 0.35},
		},
		Risk: RiskConfig{
			MaxExposurePerAsset: 0.10,
			DailyMaxDrawdown:    0.05,
		},
		Worker: WorkerConfig{
			Equity:        100_000,
			OrderFraction: 0.02,
			OffsetStream:  "features",
		},
		KV:  KVConfig{Addr: "localhost:6379"},
		Ops: OpsConfig{Addr: ":9090"},
	}
}

// Load reads path, overlays it on the defaults and validates the
// result. A risk profile file, when configured, replaces the inline
// risk limits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if cfg.Risk.ProfileFile != "" {
		limits, err := LoadRiskProfile(cfg.Risk.ProfileFile)
		if err != nil {
			return nil, err
		}
		cfg.Risk.MaxExposurePerAsset = limits.MaxExposurePerAsset
		cfg.Risk.DailyMaxDrawdown = limits.DailyMaxDrawdown
		cfg.Risk.EnableKillSwitch = limits.EnableKillSwitch
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validStreams = map[string]bool{
	schema.EventOHLCV:   true,
	schema.EventTick:    true,
	schema.EventFunding: true,
	schema.EventOI:      true,
}

var validTargets = map[string]bool{
	"none":    true,
	"compact": true,
	"offload": true,
	"delete":  true,
}

// Validate rejects unknown venues, timeframes, stream kinds and
// out-of-range tunables. It returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Ingestion.Exchanges) == 0 {
		return fmt.Errorf("config: ingestion.exchanges is empty")
	}
	known := make(map[string]bool, len(exchange.Venues()))
	for _, v := range exchange.Venues() {
		known[v] = true
	}
	for _, v := range c.Ingestion.Exchanges {
		if !known[v] {
			return fmt.Errorf("config: unknown exchange %q (have %v)", v, exchange.Venues())
		}
	}
	if len(c.Ingestion.Symbols) == 0 {
		return fmt.Errorf("config: ingestion.symbols is empty")
	}
	if len(c.Ingestion.Streams) == 0 {
		return fmt.Errorf("config: ingestion.streams is empty")
	}
	for _, s := range c.Ingestion.Streams {
		if !validStreams[s] {
			return fmt.Errorf("config: unknown stream kind %q", s)
		}
	}
	for _, tf := range c.Ingestion.Timeframes {
		if !schema.ValidTimeframe(tf) {
			return fmt.Errorf("config: unknown timeframe %q", tf)
		}
	}
	if hasStream(c.Ingestion.Streams, schema.EventOHLCV) && len(c.Ingestion.Timeframes) == 0 {
		return fmt.Errorf("config: ohlcv streams need at least one timeframe")
	}
	if b := c.Ingestion.WS.Backoff; b.Factor != 0 && b.Factor <= 1 {
		return fmt.Errorf("config: ws.backoff.factor must exceed 1, got %v", b.Factor)
	}
	if c.Ingestion.Batch.LowWater > c.Ingestion.Batch.HighWater {
		return fmt.Errorf("config: batch.low_water %d above high_water %d",
			c.Ingestion.Batch.LowWater, c.Ingestion.Batch.HighWater)
	}
	if len(c.Broker.Brokers) == 0 {
		return fmt.Errorf("config: broker.brokers is empty")
	}
	if r := c.Broker.ResetOffset; r != "earliest" && r != "latest" {
		return fmt.Errorf("config: broker.reset_offset must be earliest or latest, got %q", r)
	}
	if g := c.Storage.Granularity; g != "daily" && g != "hourly" {
		return fmt.Errorf("config: storage.granularity must be daily or hourly, got %q", g)
	}
	prev := -1
	for _, tier := range c.Storage.Retention.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("config: retention tier without a name")
		}
		if !validTargets[tier.Target] {
			return fmt.Errorf("config: retention tier %s: unknown target %q", tier.Name, tier.Target)
		}
		if tier.AgeDaysMin < 0 || tier.AgeDaysMin <= prev {
			return fmt.Errorf("config: retention tiers must have ascending age_days_min (%s)", tier.Name)
		}
		if tier.AgeDaysMax != 0 && tier.AgeDaysMax < tier.AgeDaysMin {
			return fmt.Errorf("config: retention tier %s: age_days_max below age_days_min", tier.Name)
		}
		prev = tier.AgeDaysMin
	}
	for _, d := range c.Features.Indicators {
		if _, err := indicators.CanonicalLine(d); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if m := c.Features.Window.Mode; m != "" && m != "sliding" && m != "tumbling" {
		return fmt.Errorf("config: features.window.mode must be sliding or tumbling, got %q", m)
	}
	if w := c.Signals.Scorer; w.RuleWeight < 0 || w.ModelWeight < 0 {
		return fmt.Errorf("config: scorer weights must not be negative")
	}
	if c.Risk.MaxExposurePerAsset <= 0 || c.Risk.MaxExposurePerAsset > 1 {
		return fmt.Errorf("config: risk.max_exposure_per_asset must be in (0, 1], got %v", c.Risk.MaxExposurePerAsset)
	}
	if c.Risk.DailyMaxDrawdown <= 0 || c.Risk.DailyMaxDrawdown >= 1 {
		return fmt.Errorf("config: risk.daily_max_drawdown must be in (0, 1), got %v", c.Risk.DailyMaxDrawdown)
	}
	if f := c.Worker.OrderFraction; f <= 0 || f > 1 {
		return fmt.Errorf("config: worker.order_fraction must be in (0, 1], got %v", f)
	}
	return nil
}

func hasStream(streams []string, kind string) bool {
	for _, s := range streams {
		if s == kind {
			return true
		}
	}
	return false
}

// ArchivePolicy converts the granularity string.
func (c *Config) ArchivePolicy() archive.Policy {
	if c.Storage.Granularity == "hourly" {
		return archive.PolicyHourly
	}
	return archive.PolicyDaily
}
