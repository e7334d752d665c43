package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
)

var partNameRE = regexp.MustCompile(`^part-[0-9a-f]{16}-[0-9a-f]{8}\.jsonl$`)

func newTestWriter(t *testing.T) (*Writer, *metrics.Registry, string) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultWriterConfig()
	cfg.Root = root
	m := metrics.NewRegistry()
	w, err := NewWriter(cfg, nil, m)
	require.NoError(t, err)
	return w, m, root
}

func testKey() PartitionKey {
	return PartitionKey{Dataset: "events", Symbol: "BTCUSDT", TF: "1m", Date: "2024-01-01", Hour: -1}
}

func readManifest(t *testing.T, dir string) Manifest {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestWriterWritesPartAndManifest(t *testing.T) {
	w, m, root := newTestWriter(t)
	records := []map[string]any{
		{"symbol": "BTCUSDT", "close": 105.5},
		{"symbol": "BTCUSDT", "close": 106.0},
	}

	path, created, err := w.Write(context.Background(), testKey(), records)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, partNameRE.MatchString(filepath.Base(path)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 3, "two records plus trailing newline")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, 105.5, rec["close"])

	dir := filepath.Join(root, "events", "symbol=BTCUSDT", "tf=1m", "date=2024-01-01")
	manifest := readManifest(t, dir)
	assert.Equal(t, "jsonl", manifest.Format)
	assert.Equal(t, "events", manifest.Dataset)
	assert.Equal(t, 1, manifest.Version)
	assert.Equal(t, "marketflow", manifest.Catalog)
	assert.Equal(t, map[string]string{"symbol": "BTCUSDT", "tf": "1m", "date": "2024-01-01"}, manifest.Partition)
	require.Len(t, manifest.Files, 1)
	assert.Equal(t, filepath.Base(path), manifest.Files[0].Path)
	assert.Equal(t, int64(len(data)), manifest.Files[0].Size)
	assert.Equal(t, "jsonl", manifest.Files[0].Ext)
	assert.False(t, manifest.UpdatedAt.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveWrites.WithLabelValues("written")))
}

func TestWriterIdempotentByContent(t *testing.T) {
	w, m, root := newTestWriter(t)
	records := []map[string]any{{"symbol": "BTCUSDT", "close": 105.5}}
	ctx := context.Background()

	first, created, err := w.Write(ctx, testKey(), records)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := w.Write(ctx, testKey(), records)
	require.NoError(t, err)
	assert.False(t, created, "same content resolves to the existing file")
	assert.Equal(t, first, second)

	dir := filepath.Join(root, "events", "symbol=BTCUSDT", "tf=1m", "date=2024-01-01")
	assert.Len(t, readManifest(t, dir).Files, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveWrites.WithLabelValues("dedup")))

	// A different batch lands beside the first.
	_, created, err = w.Write(ctx, testKey(), []map[string]any{{"symbol": "BTCUSDT", "close": 200.0}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, readManifest(t, dir).Files, 2)
}

func TestWriterEmptyBatchIsNoOp(t *testing.T) {
	w, _, root := newTestWriter(t)
	path, created, err := w.Write(context.Background(), testKey(), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, path)
	_, err = os.Stat(filepath.Join(root, "events"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteEventsPartitionsByFirstEvent(t *testing.T) {
	w, _, root := newTestWriter(t)
	ev, err := schema.NewEvent("binance", schema.EventOHLCV, "BTCUSDT", "1m", 1_704_112_496_000, 1_704_112_496_500,
		schema.OHLCV{Open: 100, High: 110, Low: 95, Close: 105, Volume: 12})
	require.NoError(t, err)

	path, created, err := w.WriteEvents(context.Background(), "events", []*schema.NormalizedEvent{ev})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, path, filepath.Join(root, "events", "symbol=BTCUSDT", "tf=1m", "date=2024-01-01"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &rec))
	assert.Equal(t, ev.CorrelationID, rec["correlation_id"])
	payload, ok := rec["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 105.0, payload["c"])
}

func TestCodecRegistry(t *testing.T) {
	assert.Contains(t, Codecs(), "jsonl")

	c, err := LookupCodec("jsonl")
	require.NoError(t, err)
	assert.Equal(t, "jsonl", c.Ext())

	_, err = LookupCodec("parquet")
	assert.Error(t, err, "parquet is a declared slot, not a shipped codec")
}

func TestNewWriterValidation(t *testing.T) {
	_, err := NewWriter(WriterConfig{}, nil, nil)
	assert.Error(t, err)

	_, err = NewWriter(WriterConfig{Root: "x", Codec: "parquet"}, nil, nil)
	assert.Error(t, err)
}
