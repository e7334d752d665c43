package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketflow/internal/config"
	"github.com/sawpanic/marketflow/internal/exchange"
	"github.com/sawpanic/marketflow/internal/ingest"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/ops"
	"github.com/sawpanic/marketflow/internal/stream"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Consume venue WebSocket feeds into the events topic",
		Long: "Opens one WebSocket session per configured exchange, normalizes and\n" +
			"deduplicates the frames and publishes adaptive batches to the broker.",
		RunE: runIngest,
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()

	producer, err := stream.NewProducer(cfg.ProducerConfig(), m)
	if err != nil {
		return err
	}
	defer producer.Close()

	capacity, ttl := cfg.DedupParams()
	manager, err := ingest.NewManager(cfg.ManagerConfig(), producer, ingest.NewDedupStore(capacity, ttl), m)
	if err != nil {
		return err
	}

	streams := cfg.StreamSet()
	log.Info().
		Int("exchanges", len(cfg.Ingestion.Exchanges)).
		Int("streams", len(streams)).
		Str("topic", cfg.EventsTopic()).
		Msg("Starting ingestion")

	var wg sync.WaitGroup
	for _, cc := range cfg.ConsumerConfigs() {
		adapter, err := exchange.New(cc.Venue)
		if err != nil {
			return err
		}
		consumer, err := ingest.NewWsConsumer(cc, adapter, streams, m)
		if err != nil {
			return err
		}
		venue := cc.Venue
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Str("venue", venue).Msg("Venue session gave up")
			}
		}()
		go func() {
			defer wg.Done()
			manager.Forward(ctx, consumer.Events())
		}()
	}

	opsSrv := ops.NewServer(ops.ServerConfig{Addr: cfg.Ops.Addr, Service: appName + "-ingest"}, m)
	opsSrv.SetStatus("ingest", func() any {
		return map[string]any{
			"exchanges":   cfg.Ingestion.Exchanges,
			"streams":     len(streams),
			"queue_depth": producer.QueueDepth(),
		}
	})
	go func() {
		if err := opsSrv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()

	err = manager.Run(ctx)
	wg.Wait()
	return err
}
