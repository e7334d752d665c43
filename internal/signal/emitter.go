package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/features"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/schema"
	"github.com/sawpanic/marketflow/internal/stream"
)

// fallbackATRFraction sizes the risk distance when no finite ATR is
// available: one percent of the close.
const fallbackATRFraction = 0.01

// Publisher is the broker surface the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, msg *stream.Message) error
}

// EmitterConfig shapes signal assembly and delivery.
type EmitterConfig struct {
	Topic       string  `yaml:"topic"`
	OutDir      string  `yaml:"out_dir"`
	ATRColumn   string  `yaml:"atr_column"`
	ATRMultiple float64 `yaml:"atr_multiple"`
	RRRatio     float64 `yaml:"rr_ratio"`
}

// DefaultEmitterConfig publishes to signals.v2 with the standard
// 1.5x ATR stop and 2:1 reward ratio.
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		Topic:       "signals.v2",
		OutDir:      "out/signals",
		ATRColumn:   "atr",
		ATRMultiple: 1.5,
		RRRatio:     2,
	}
}

// Emitter assembles v2 signals and delivers them: broker first, and
// when the broker fails, an append-only JSONL file so no signal is
// lost.
type Emitter struct {
	cfg      EmitterConfig
	producer Publisher
	m        *metrics.Registry
	now      func() time.Time
}

// NewEmitter validates the config. A nil producer is allowed and
// routes everything to the file sink.
func NewEmitter(cfg EmitterConfig, producer Publisher, m *metrics.Registry) (*Emitter, error) {
	def := DefaultEmitterConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.OutDir == "" {
		cfg.OutDir = def.OutDir
	}
	if cfg.ATRColumn == "" {
		cfg.ATRColumn = def.ATRColumn
	}
	if cfg.ATRMultiple <= 0 {
		cfg.ATRMultiple = def.ATRMultiple
	}
	if cfg.RRRatio <= 0 {
		cfg.RRRatio = def.RRRatio
	}
	return &Emitter{cfg: cfg, producer: producer, m: m, now: time.Now}, nil
}

// Assemble builds the signal for a scored row, deriving stop-loss and
// take-profit from the ATR policy.
func (e *Emitter) Assemble(row features.Row, probTP float64, side, modelVersion string, rationale, risk, extra map[string]any) (*schema.Signal, error) {
	close, ok := row.Values["close"]
	if !ok {
		return nil, fmt.Errorf("signal: row has no close price")
	}
	switch side {
	case schema.SideLong, schema.SideShort, schema.SideNeutral:
	default:
		return nil, fmt.Errorf("signal: unknown side %q", side)
	}

	atr, ok := row.Values[e.cfg.ATRColumn]
	if !ok || math.IsNaN(atr) || math.IsInf(atr, 0) {
		atr = fallbackATRFraction * close
	}
	riskDistance := atr * e.cfg.ATRMultiple

	var sl, tp float64
	switch side {
	case schema.SideLong:
		sl = close - riskDistance
		tp = close + e.cfg.RRRatio*riskDistance
	case schema.SideShort:
		sl = close + riskDistance
		tp = close - e.cfg.RRRatio*riskDistance
	default:
		sl = close
		tp = close
	}

	tsEvent := schema.ISOUTC(row.TSEvent)
	return &schema.Signal{
		SchemaVersion: schema.SignalVersion,
		SignalID:      schema.SignalID(row.Symbol, row.TF, tsEvent),
		Symbol:        row.Symbol,
		TF:            row.TF,
		TSEvent:       tsEvent,
		TSSignal:      e.now().UTC().Format(time.RFC3339Nano),
		Side:          side,
		ProbTP:        clamp(probTP, 0, 1),
		Entry:         close,
		SL:            sl,
		TP:            tp,
		ModelVersion:  modelVersion,
		Rationale:     rationale,
		Risk:          risk,
		Extra:         extra,
	}, nil
}

// Emit publishes the signal keyed by its id; when the broker path
// fails the signal is appended to <out_dir>/<topic>.jsonl instead.
func (e *Emitter) Emit(ctx context.Context, sig *schema.Signal) error {
	value, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("signal: encode signal %s: %w", sig.SignalID, err)
	}

	if e.producer != nil {
		msg := &stream.Message{
			Topic:     e.cfg.Topic,
			Key:       []byte(sig.SignalID),
			Value:     value,
			Timestamp: e.now().UTC(),
		}
		err := e.producer.Publish(ctx, msg)
		if err == nil {
			e.count("broker", "ok")
			return nil
		}
		e.count("broker", "fail")
		log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("Broker publish failed, falling back to file sink")
	}

	if err := e.appendFile(value); err != nil {
		e.count("file", "fail")
		return fmt.Errorf("signal: file sink for %s: %w", sig.SignalID, err)
	}
	e.count("file", "ok")
	return nil
}

func (e *Emitter) appendFile(line []byte) error {
	if err := os.MkdirAll(e.cfg.OutDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(e.cfg.OutDir, e.cfg.Topic+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Close()
}

func (e *Emitter) count(sink, result string) {
	if e.m != nil {
		e.m.SignalsEmitted.WithLabelValues(sink, result).Inc()
	}
}
