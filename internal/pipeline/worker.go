// Package pipeline glues the consume side together: decode normalized
// events off the broker, maintain bar windows, compute features, blend
// rule and model scores, gate the result through risk, and emit
// signals.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketflow/internal/features"
	"github.com/sawpanic/marketflow/internal/metrics"
	"github.com/sawpanic/marketflow/internal/risk"
	"github.com/sawpanic/marketflow/internal/schema"
	"github.com/sawpanic/marketflow/internal/signal"
	"github.com/sawpanic/marketflow/internal/stream"
)

// DLTRouter dead-letters records that cannot be decoded. The producer
// derives the .DLT sibling topic itself.
type DLTRouter interface {
	PublishDLT(ctx context.Context, topic string, raw []byte, reason string, headers map[string]string)
}

// FeatureSink caches the newest feature row per series; best effort.
type FeatureSink interface {
	Put(ctx context.Context, row features.Row) error
}

// OffsetCommitter persists the worker's millisecond cursor.
type OffsetCommitter interface {
	Commit(ctx context.Context, stream string, ms int64) error
}

// WorkerConfig sizes orders and names the offset cursor.
type WorkerConfig struct {
	// Equity seeds the risk controller's account equity.
	Equity float64 `yaml:"equity"`
	// OrderFraction of current equity is the desired notional per
	// signal before risk clipping.
	OrderFraction float64 `yaml:"order_fraction"`
	// OffsetStream keys the persisted cursor; empty disables it.
	OffsetStream string `yaml:"offset_stream"`
}

// DefaultWorkerConfig risks 2% of a nominal 100k account per signal.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Equity: 100_000, OrderFraction: 0.02, OffsetStream: "features"}
}

// Deps carries the worker's collaborators. Windows, Engine, Rule,
// Scorer, Risk and Emitter are required; the rest degrade gracefully
// when nil.
type Deps struct {
	Windows *features.WindowState
	Engine  *features.Engine
	Rule    *signal.RuleEngine
	Model   *signal.Runner
	Scorer  *signal.Scorer
	Risk    *risk.Controller
	Emitter *signal.Emitter
	DLT     DLTRouter
	Cache   FeatureSink
	Offsets OffsetCommitter
	Metrics *metrics.Registry
}

// Worker is the stream handler for the events topic. The consumer
// group assigns each partition to one worker, so per-series state
// needs no lock.
type Worker struct {
	cfg  WorkerConfig
	deps Deps
	now  func() time.Time
}

// NewWorker validates deps and seeds the risk controller's equity.
func NewWorker(cfg WorkerConfig, deps Deps) (*Worker, error) {
	def := DefaultWorkerConfig()
	if cfg.Equity <= 0 {
		cfg.Equity = def.Equity
	}
	if cfg.OrderFraction <= 0 || cfg.OrderFraction > 1 {
		cfg.OrderFraction = def.OrderFraction
	}
	switch {
	case deps.Windows == nil:
		return nil, fmt.Errorf("pipeline: window state required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("pipeline: feature engine required")
	case deps.Rule == nil:
		return nil, fmt.Errorf("pipeline: rule engine required")
	case deps.Scorer == nil:
		return nil, fmt.Errorf("pipeline: scorer required")
	case deps.Risk == nil:
		return nil, fmt.Errorf("pipeline: risk controller required")
	case deps.Emitter == nil:
		return nil, fmt.Errorf("pipeline: emitter required")
	}

	w := &Worker{cfg: cfg, deps: deps, now: time.Now}
	deps.Risk.UpdateEquity(cfg.Equity, w.now())
	return w, nil
}

// Handle processes one consumed record. Undecodable values are routed
// to the dead-letter topic and the record is considered handled; only
// compute failures surface as handler errors.
func (w *Worker) Handle(ctx context.Context, msg *stream.Message) error {
	var ev schema.NormalizedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		w.routeDLT(ctx, msg, stream.ReasonJSONDecodeError)
		return nil
	}

	// Only finalized candles move the windows; ticks, funding and
	// open-interest events ride the topic for other consumers.
	if ev.EventType != schema.EventOHLCV || ev.TF == "" {
		return nil
	}
	bar, err := ev.Bar()
	if err != nil {
		w.routeDLT(ctx, msg, stream.ReasonJSONDecodeError)
		return nil
	}

	frame, ready := w.deps.Windows.Update(features.BarRow{
		Symbol:  ev.Symbol,
		TF:      string(ev.TF),
		TSEvent: ev.TSEvent,
		Open:    bar.Open,
		High:    bar.High,
		Low:     bar.Low,
		Close:   bar.Close,
		Volume:  bar.Volume,
	})
	if !ready {
		w.commitOffset(ctx, ev.TSEvent)
		return nil
	}

	res, err := w.deps.Engine.Compute(frame)
	if err != nil {
		return fmt.Errorf("pipeline: compute %s %s: %w", ev.Symbol, ev.TF, err)
	}
	row, ok := res.Latest(ev.Symbol, string(ev.TF))
	if !ok {
		// The newest row was dropped by quality control; nothing to
		// score this round.
		w.commitOffset(ctx, ev.TSEvent)
		return nil
	}

	w.cacheRow(ctx, row)

	if err := w.score(ctx, row); err != nil {
		return err
	}
	w.commitOffset(ctx, ev.TSEvent)
	return nil
}

// score runs the rule/model blend for one row and emits when the
// verdict is directional and risk approves.
func (w *Worker) score(ctx context.Context, row features.Row) error {
	ruleScore, err := w.deps.Rule.Score(row.Values)
	if err != nil {
		return fmt.Errorf("pipeline: rule score %s %s: %w", row.Symbol, row.TF, err)
	}

	prob := 0.5
	modelVersion := "rule-only"
	if w.deps.Model != nil {
		vec, err := w.deps.Model.Vector(row.Values, signal.NumericOrder(row.Values))
		if err != nil {
			return fmt.Errorf("pipeline: model input %s %s: %w", row.Symbol, row.TF, err)
		}
		probs, err := w.deps.Model.PredictProba([][]float64{vec})
		if err != nil {
			return fmt.Errorf("pipeline: model predict %s %s: %w", row.Symbol, row.TF, err)
		}
		prob = probs[0]
		modelVersion = w.deps.Model.Version()
	}

	verdict := w.deps.Scorer.Score(ruleScore, prob)
	if verdict.Side == schema.SideNeutral {
		return nil
	}

	desired := w.cfg.OrderFraction * w.deps.Risk.Snapshot().Equity
	decision := w.deps.Risk.EvaluateOrder(row.Symbol, desired, w.now())
	if !decision.Approved {
		log.Debug().
			Str("symbol", row.Symbol).
			Str("tf", row.TF).
			Str("reason", decision.Reason).
			Msg("Signal suppressed by risk controller")
		return nil
	}

	sig, err := w.deps.Emitter.Assemble(row, prob, verdict.Side, modelVersion,
		map[string]any{
			"rule_score": ruleScore,
			"score":      verdict.Score,
			"confidence": verdict.Confidence,
		},
		map[string]any{
			"desired_notional":  desired,
			"approved_notional": decision.Notional,
		}, nil)
	if err != nil {
		return fmt.Errorf("pipeline: assemble %s %s: %w", row.Symbol, row.TF, err)
	}
	if err := w.deps.Emitter.Emit(ctx, sig); err != nil {
		return err
	}
	w.deps.Risk.UpdateExposure(row.Symbol, w.deps.Risk.Exposure(row.Symbol)+decision.Notional)
	return nil
}

func (w *Worker) cacheRow(ctx context.Context, row features.Row) {
	if w.deps.Cache == nil {
		return
	}
	if err := w.deps.Cache.Put(ctx, row); err != nil {
		log.Warn().Err(err).Str("symbol", row.Symbol).Str("tf", row.TF).Msg("Feature cache write failed")
	}
}

func (w *Worker) commitOffset(ctx context.Context, ms int64) {
	if w.deps.Offsets == nil || w.cfg.OffsetStream == "" {
		return
	}
	if err := w.deps.Offsets.Commit(ctx, w.cfg.OffsetStream, ms); err != nil {
		log.Warn().Err(err).Str("stream", w.cfg.OffsetStream).Msg("Offset commit failed")
	}
}

func (w *Worker) routeDLT(ctx context.Context, msg *stream.Message, reason string) {
	if w.deps.DLT == nil {
		return
	}
	var headers map[string]string
	if cid := msg.Header(stream.HeaderCorrelationID); cid != "" {
		headers = map[string]string{stream.HeaderCorrelationID: cid}
	}
	w.deps.DLT.PublishDLT(ctx, msg.Topic, msg.Value, reason, headers)
}
