package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
)

// ManifestName is the per-partition manifest file.
const ManifestName = "_manifest.json"

// FileEntry is one part file recorded in a manifest.
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Ext  string `json:"ext"`
}

// Manifest describes the contents of one partition directory.
type Manifest struct {
	Format    string            `json:"format"`
	Dataset   string            `json:"dataset"`
	Partition map[string]string `json:"partition"`
	Files     []FileEntry       `json:"files"`
	UpdatedAt time.Time         `json:"updated_at"`
	Catalog   string            `json:"catalog"`
	Version   int               `json:"version"`
}

// WriterConfig tunes the archive write path.
type WriterConfig struct {
	Root    string `yaml:"root"`
	Codec   string `yaml:"codec"`
	Catalog string `yaml:"catalog"`
	Policy  Policy `yaml:"policy"`
	Region  string `yaml:"region"`
}

// DefaultWriterConfig returns the production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Root:    "data/archive",
		Codec:   "jsonl",
		Catalog: "marketflow",
		Policy:  PolicyDaily,
	}
}

// Writer lands record batches as content-hashed part files. Writing
// the same batch twice is a no-op detected through the manifest.
type Writer struct {
	cfg   WriterConfig
	codec Codec
	cat   *Catalog
	m     *metrics.Registry
	now   func() time.Time
}

// NewWriter builds a writer; cat may be nil when no catalog database
// is configured.
func NewWriter(cfg WriterConfig, cat *Catalog, m *metrics.Registry) (*Writer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("archive writer: root required")
	}
	if cfg.Codec == "" {
		cfg.Codec = "jsonl"
	}
	codec, err := LookupCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDaily
	}
	return &Writer{cfg: cfg, codec: codec, cat: cat, m: m, now: time.Now}, nil
}

// Partition derives the partition key for an event under this writer's
// policy and region.
func (w *Writer) Partition(dataset string, ev *schema.NormalizedEvent) (PartitionKey, error) {
	return DerivePartition(dataset, ev.Symbol, string(ev.TF), ev.TSEvent, w.cfg.Policy, w.cfg.Region)
}

// Write serializes records into key's partition. It returns the part
// file path and whether a new file was created; an identical batch
// resolves to the already-written file.
func (w *Writer) Write(ctx context.Context, key PartitionKey, records []map[string]any) (string, bool, error) {
	if len(records) == 0 {
		return "", false, nil
	}
	canonical, err := json.Marshal(records)
	if err != nil {
		w.outcome("error")
		return "", false, fmt.Errorf("archive write: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	hash16 := hex.EncodeToString(sum[:])[:16]

	dir := filepath.Join(w.cfg.Root, filepath.FromSlash(key.Path()))
	manifest, err := w.loadManifest(dir, key)
	if err != nil {
		w.outcome("error")
		return "", false, err
	}
	prefix := "part-" + hash16 + "-"
	for _, f := range manifest.Files {
		if strings.HasPrefix(f.Path, prefix) {
			w.outcome("dedup")
			return filepath.Join(dir, f.Path), false, nil
		}
	}

	data, err := w.codec.Encode(records)
	if err != nil {
		w.outcome("error")
		return "", false, fmt.Errorf("archive write: encode: %w", err)
	}
	name := fmt.Sprintf("part-%s-%s.%s", hash16, rand8(), w.codec.Ext())
	full := filepath.Join(dir, name)
	if err := writeFileAtomic(full, data); err != nil {
		w.outcome("error")
		return "", false, fmt.Errorf("archive write: %w", err)
	}

	entry := FileEntry{Path: name, Size: int64(len(data)), Ext: w.codec.Ext()}
	manifest.Files = append(manifest.Files, entry)
	manifest.UpdatedAt = w.now().UTC()
	if err := writeJSONAtomic(filepath.Join(dir, ManifestName), manifest); err != nil {
		w.outcome("error")
		return "", false, fmt.Errorf("archive write: manifest: %w", err)
	}

	if w.cat != nil {
		if err := w.cat.RecordFile(ctx, key, entry); err != nil {
			log.Warn().Err(err).Str("partition", key.Path()).Msg("Catalog record failed")
		}
	}
	w.outcome("written")
	return full, true, nil
}

// WriteEvents is the event-batch convenience over Write: records are
// the events' wire objects, partitioned by the first event.
func (w *Writer) WriteEvents(ctx context.Context, dataset string, events []*schema.NormalizedEvent) (string, bool, error) {
	if len(events) == 0 {
		return "", false, nil
	}
	key, err := w.Partition(dataset, events[0])
	if err != nil {
		return "", false, err
	}
	records, err := RecordsFromEvents(events)
	if err != nil {
		return "", false, err
	}
	return w.Write(ctx, key, records)
}

func (w *Writer) loadManifest(dir string, key PartitionKey) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if os.IsNotExist(err) {
		return &Manifest{
			Format:    w.codec.Ext(),
			Dataset:   key.Dataset,
			Partition: key.Labels(),
			Catalog:   w.cfg.Catalog,
			Version:   1,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func (w *Writer) outcome(kind string) {
	if w.m != nil {
		w.m.ArchiveWrites.WithLabelValues(kind).Inc()
	}
}

func rand8() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// RecordsFromEvents converts events to their wire-form record maps.
func RecordsFromEvents(events []*schema.NormalizedEvent) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(events))
	for i, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", i, err)
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
