package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketflow/internal/archive"
	"github.com/sawpanic/marketflow/internal/config"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/ops"
	"github.com/sawpanic/marketflow/internal/schema"
	"github.com/sawpanic/marketflow/internal/stream"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Partitioned archive operations",
		Long: "Writes the events topic into partitioned part files with manifests,\n" +
			"and plans compaction and retention over what is already on disk.",
	}
	cmd.AddCommand(newArchiveRunCmd())
	cmd.AddCommand(newArchivePlanCmd())
	cmd.AddCommand(newArchiveRetentionCmd())
	return cmd
}

func newArchiveRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the events topic into the archive",
		RunE:  runArchive,
	}
	cmd.Flags().String("group", "marketflow-archive", "Consumer group for the archiver")
	cmd.Flags().Int("flush-size", 500, "Events buffered per partition before a write")
	cmd.Flags().Duration("flush-interval", 5*time.Second, "Forced flush period for quiet partitions")
	return cmd
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	group, _ := cmd.Flags().GetString("group")
	flushSize, _ := cmd.Flags().GetInt("flush-size")
	flushInterval, _ := cmd.Flags().GetDuration("flush-interval")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()

	var cat *archive.Catalog
	if dsn := cfg.Storage.Catalog.DSN; dsn != "" {
		var db *sqlx.DB
		err := cfg.Ingestion.RetryPolicy.Dial(ctx, "catalog", func() error {
			d, err := sqlx.Connect("postgres", dsn)
			if err == nil {
				db = d
			}
			return err
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if cat, err = archive.NewCatalog(db, cfg.CatalogTimeout()); err != nil {
			return err
		}
		if err := cat.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	writer, err := archive.NewWriter(cfg.WriterConfig(), cat, m)
	if err != nil {
		return err
	}

	buf := newPartitionBuffer(writer, cfg.Storage.Dataset, flushSize)

	gc := cfg.ConsumerGroupConfig()
	gc.Group = group
	consumer, err := stream.NewConsumer(gc, m)
	if err != nil {
		return err
	}
	defer consumer.Close()

	opsSrv := ops.NewServer(ops.ServerConfig{Addr: cfg.Ops.Addr, Service: appName + "-archive"}, m)
	opsSrv.SetStatus("archive", func() any {
		return map[string]any{
			"dataset": cfg.Storage.Dataset,
			"root":    cfg.Storage.Root,
			"pending": buf.pending(),
		}
	})
	go func() {
		if err := opsSrv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := buf.flush(ctx); err != nil {
					log.Error().Err(err).Msg("Periodic archive flush failed")
				}
			}
		}
	}()

	log.Info().
		Str("dataset", cfg.Storage.Dataset).
		Str("group", group).
		Msg("Archiver consuming")

	runErr := consumer.Run(ctx, func(ctx context.Context, msg *stream.Message) error {
		var ev schema.NormalizedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("archive: decode event: %w", err)
		}
		return buf.add(ctx, &ev)
	})

	// The poll loop is done; persist whatever is still buffered.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := buf.flush(flushCtx); err != nil {
		log.Error().Err(err).Msg("Final archive flush failed")
	}
	return runErr
}

// partitionBuffer groups consumed events by their partition so each
// WriteEvents call lands in exactly one directory.
type partitionBuffer struct {
	writer  *archive.Writer
	dataset string
	limit   int

	mu     sync.Mutex
	groups map[string][]*schema.NormalizedEvent
}

func newPartitionBuffer(w *archive.Writer, dataset string, limit int) *partitionBuffer {
	if limit <= 0 {
		limit = 500
	}
	return &partitionBuffer{
		writer:  w,
		dataset: dataset,
		limit:   limit,
		groups:  make(map[string][]*schema.NormalizedEvent),
	}
}

// add buffers ev and writes its partition once the group reaches the
// limit.
func (b *partitionBuffer) add(ctx context.Context, ev *schema.NormalizedEvent) error {
	key, err := b.writer.Partition(b.dataset, ev)
	if err != nil {
		return err
	}

	b.mu.Lock()
	path := key.Path()
	b.groups[path] = append(b.groups[path], ev)
	var batch []*schema.NormalizedEvent
	if len(b.groups[path]) >= b.limit {
		batch = b.groups[path]
		delete(b.groups, path)
	}
	b.mu.Unlock()

	if batch == nil {
		return nil
	}
	_, _, err = b.writer.WriteEvents(ctx, b.dataset, batch)
	return err
}

// flush writes every non-empty group.
func (b *partitionBuffer) flush(ctx context.Context) error {
	b.mu.Lock()
	groups := b.groups
	b.groups = make(map[string][]*schema.NormalizedEvent)
	b.mu.Unlock()

	var firstErr error
	for _, batch := range groups {
		if _, _, err := b.writer.WriteEvents(ctx, b.dataset, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *partitionBuffer) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, g := range b.groups {
		n += len(g)
	}
	return n
}

func newArchivePlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Report partitions with compactable small files",
		RunE:  runArchivePlan,
	}
	cmd.Flags().Int64("target-bytes", archive.DefaultTargetFileBytes, "Target part file size")
	return cmd
}

func runArchivePlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	targetBytes, _ := cmd.Flags().GetInt64("target-bytes")

	plans, err := archive.PlanCompaction(cfg.Storage.Root, cfg.Storage.Dataset, targetBytes)
	if err != nil {
		return err
	}

	small := 0
	for _, p := range plans {
		small += len(p.SmallFiles)
	}
	log.Info().
		Int("partitions", len(plans)).
		Int("small_files", small).
		Msg("Compaction plan ready")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plans)
}

func newArchiveRetentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Report the retention action for each partition",
		RunE:  runArchiveRetention,
	}
	cmd.Flags().String("as-of", "", "Evaluate ages as of this UTC date (YYYY-MM-DD, default today)")
	return cmd
}

func runArchiveRetention(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	asOf := time.Now().UTC()
	if s, _ := cmd.Flags().GetString("as-of"); s != "" {
		asOf, err = time.Parse("2006-01-02", s)
		if err != nil {
			return fmt.Errorf("bad --as-of date: %w", err)
		}
	}

	actions, err := archive.PlanRetention(cfg.Storage.Root, cfg.Storage.Dataset, cfg.RetentionTiers(), asOf)
	if err != nil {
		return err
	}

	byAction := map[string]int{}
	for _, a := range actions {
		byAction[a.Action]++
	}
	log.Info().
		Int("partitions", len(actions)).
		Interface("actions", byAction).
		Time("as_of", asOf).
		Msg("Retention plan ready")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(actions)
}
