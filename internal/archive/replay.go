package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
	"github.com/sawpanic/marketflow/internal/stream"
)

// EventPublisher is the broker surface the replayer writes through.
type EventPublisher interface {
	Publish(ctx context.Context, msg *stream.Message) error
}

// Replayer reads archived part files back into the broker, preserving
// each event's original event time.
type Replayer struct {
	root     string
	producer EventPublisher
	m        *metrics.Registry
}

// NewReplayer builds a replayer over the archive root.
func NewReplayer(root string, producer EventPublisher, m *metrics.Registry) (*Replayer, error) {
	if root == "" {
		return nil, fmt.Errorf("replayer: root required")
	}
	if producer == nil {
		return nil, fmt.Errorf("replayer: nil producer")
	}
	return &Replayer{root: root, producer: producer, m: m}, nil
}

// Replay republishes every archived event of a dataset onto topic in
// lexical file order and returns the emitted count. Rows that fail to
// parse, and part files in a codec the replayer cannot read, are
// counted and skipped; publish failures abort the run.
func (r *Replayer) Replay(ctx context.Context, dataset, topic string) (int, error) {
	files, err := r.partFiles(dataset)
	if err != nil {
		return 0, err
	}
	emitted := 0
	for _, path := range files {
		if !strings.HasSuffix(path, ".jsonl") {
			if r.m != nil {
				r.m.ReplaySkipped.Inc()
			}
			log.Warn().Str("file", path).Msg("Skipping archived file with unsupported codec")
			continue
		}
		n, err := r.replayFile(ctx, path, topic)
		emitted += n
		if err != nil {
			return emitted, err
		}
	}
	log.Info().Str("dataset", dataset).Str("topic", topic).Int("emitted", emitted).Msg("Replay finished")
	return emitted, nil
}

func (r *Replayer) partFiles(dataset string) ([]string, error) {
	base := filepath.Join(r.root, dataset)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil, fmt.Errorf("replayer: dataset %s not found under %s", dataset, r.root)
	}
	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), "part-") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replayer: walk %s: %w", base, err)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Replayer) replayFile(ctx context.Context, path, topic string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("replayer: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	emitted := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := decodeArchivedRow(line)
		if err != nil {
			r.skip(path, err)
			continue
		}
		value, err := json.Marshal(ev)
		if err != nil {
			r.skip(path, err)
			continue
		}
		msg := &stream.Message{
			Topic:     topic,
			Key:       schema.PublishKey(ev.Symbol, ev.TF),
			Value:     value,
			Headers:   map[string]string{stream.HeaderCorrelationID: ev.CorrelationID},
			Timestamp: time.UnixMilli(ev.TSEvent).UTC(),
		}
		if err := r.producer.Publish(ctx, msg); err != nil {
			return emitted, fmt.Errorf("replayer: publish from %s: %w", path, err)
		}
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return emitted, fmt.Errorf("replayer: scan %s: %w", path, err)
	}
	return emitted, nil
}

func (r *Replayer) skip(path string, err error) {
	if r.m != nil {
		r.m.ReplaySkipped.Inc()
	}
	log.Debug().Err(err).Str("file", path).Msg("Skipping unparseable archived row")
}

// decodeArchivedRow accepts both storage layouts: a wrapped `event`
// column holding the full wire object, or the wire object flattened as
// the row itself.
func decodeArchivedRow(line []byte) (*schema.NormalizedEvent, error) {
	var wrapper struct {
		Event json.RawMessage `json:"event"`
	}
	raw := line
	if err := json.Unmarshal(line, &wrapper); err == nil &&
		len(wrapper.Event) > 0 && !bytes.Equal(wrapper.Event, []byte("null")) {
		raw = wrapper.Event
	}
	var ev schema.NormalizedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if ev.Symbol == "" || ev.TSEvent <= 0 || ev.EventType == "" {
		return nil, fmt.Errorf("row missing symbol/event_type/ts_event")
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = schema.CorrelationID(ev.Symbol, ev.EventType, ev.TSEvent)
	}
	return &ev, nil
}
