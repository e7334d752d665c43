package main

import (
	"context"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketflow/internal/config"
	"github.com/sawpanic/marketflow/internal/features"
	"github.com/sawpanic/marketflow/internal/kv"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/ops"
	"github.com/sawpanic/marketflow/internal/pipeline"
	"github.com/sawpanic/marketflow/internal/risk"
	"github.com/sawpanic/marketflow/internal/schema"
	"github.com/sawpanic/marketflow/internal/signal"
	"github.com/sawpanic/marketflow/internal/stream"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Compute features and emit scored signals from the events topic",
		Long: "Joins the worker consumer group, windows finalized candles into\n" +
			"feature rows, scores them and emits risk-gated signals.",
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()

	producer, err := stream.NewProducer(cfg.ProducerConfig(), m)
	if err != nil {
		return err
	}
	defer producer.Close()

	windows, err := features.NewWindowState(cfg.WindowConfig(), m)
	if err != nil {
		return err
	}
	engine, err := features.NewEngine(cfg.EngineConfig(), schema.DefaultRegistry(), m)
	if err != nil {
		return err
	}
	riskCtl, err := risk.NewController(cfg.RiskLimits(), m)
	if err != nil {
		return err
	}
	emitter, err := signal.NewEmitter(cfg.EmitterConfig(), producer, m)
	if err != nil {
		return err
	}

	var model *signal.Runner
	if cfg.Signals.ModelPath != "" {
		model, err = signal.LoadArtifact(cfg.Signals.ModelPath)
		if err != nil {
			return err
		}
		log.Info().Str("version", model.Version()).Msg("Model artifact loaded")
	}

	deps := pipeline.Deps{
		Windows: windows,
		Engine:  engine,
		Rule:    signal.NewRuleEngine(signal.DefaultRuleConfig()),
		Model:   model,
		Scorer:  signal.NewScorer(cfg.ScorerConfig()),
		Risk:    riskCtl,
		Emitter: emitter,
		DLT:     producer,
		Metrics: m,
	}

	// Redis state is optional: the worker runs degraded without it.
	dial := cfg.Ingestion.RetryPolicy
	if cfg.Features.Cache.Addr != "" {
		var cache *kv.FeatureCache
		err := dial.Dial(ctx, "feature cache", func() error {
			c, err := kv.NewFeatureCache(cfg.FeatureCacheConfig())
			if err == nil {
				cache = c
			}
			return err
		})
		if err != nil {
			log.Warn().Err(err).Msg("Feature cache unavailable, continuing without")
		} else {
			defer cache.Close()
			deps.Cache = cache
		}
	}
	if cfg.KV.Addr != "" {
		var offsets *kv.OffsetStore
		err := dial.Dial(ctx, "offset store", func() error {
			s, err := kv.NewOffsetStore(cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB)
			if err == nil {
				offsets = s
			}
			return err
		})
		if err != nil {
			log.Warn().Err(err).Msg("Offset store unavailable, continuing without")
		} else {
			defer offsets.Close()
			deps.Offsets = offsets
			if ms, ok, err := offsets.Load(ctx, cfg.Worker.OffsetStream); err != nil {
				log.Warn().Err(err).Msg("Stored cursor unreadable")
			} else if ok {
				log.Info().
					Int64("cursor_ms", ms).
					Str("stream", cfg.Worker.OffsetStream).
					Msg("Resuming past stored cursor")
			}
		}
	}

	worker, err := pipeline.NewWorker(cfg.PipelineConfig(), deps)
	if err != nil {
		return err
	}

	consumer, err := stream.NewConsumer(cfg.ConsumerGroupConfig(), m)
	if err != nil {
		return err
	}
	defer consumer.Close()

	opsSrv := ops.NewServer(ops.ServerConfig{Addr: cfg.Ops.Addr, Service: appName + "-worker"}, m)
	opsSrv.SetStatus("risk", func() any { return riskCtl.Snapshot() })
	opsSrv.SetStatus("broker", func() any {
		return map[string]any{"queue_depth": producer.QueueDepth()}
	})
	go func() {
		if err := opsSrv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()

	log.Info().
		Str("topic", cfg.EventsTopic()).
		Str("signals", cfg.EmitterConfig().Topic).
		Msg("Worker consuming")
	return consumer.Run(ctx, worker.Handle)
}
