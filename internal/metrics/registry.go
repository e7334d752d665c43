// Package metrics holds the prometheus collectors shared across the
// ingestion and worker processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector on a private prometheus registry so
// tests can build isolated instances.
type Registry struct {
	reg *prometheus.Registry

	EventsIngested  *prometheus.CounterVec
	Duplicates      prometheus.Counter
	DLTRoutes       *prometheus.CounterVec
	PublishOK       *prometheus.CounterVec
	PublishFail     *prometheus.CounterVec
	WSReconnects    *prometheus.CounterVec
	WSQueueDrops    *prometheus.CounterVec
	WSParseErrors   *prometheus.CounterVec
	PinMismatches   *prometheus.CounterVec
	ReplaySkipped   prometheus.Counter
	FeatureRows     prometheus.Counter
	FeatureRowsBad  prometheus.Counter
	SignalsEmitted  *prometheus.CounterVec
	RiskDenials     *prometheus.CounterVec
	ConsumeErrors   *prometheus.CounterVec
	ArchiveWrites   *prometheus.CounterVec
	BatchSize       prometheus.Gauge
	QueueDepth      prometheus.Gauge
	DedupSize       prometheus.Gauge
	OpenSessions    *prometheus.GaugeVec
	FlushSeconds    prometheus.Histogram
	ComputeSeconds  prometheus.Histogram
	ConsumeLagMS    *prometheus.GaugeVec
	WindowEmissions *prometheus.CounterVec
}

// NewRegistry builds the collector set and registers it.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_events_ingested_total",
		Help: "Normalized events accepted from venue sessions",
	}, []string{"venue", "event_type"})

	r.Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketflow_duplicates_dropped_total",
		Help: "Events dropped because their correlation id was already seen",
	})

	r.DLTRoutes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_dlt_routed_total",
		Help: "Messages routed to the dead letter topic by reason",
	}, []string{"reason"})

	r.PublishOK = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_publish_ok_total",
		Help: "Broker deliveries acknowledged",
	}, []string{"topic"})

	r.PublishFail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_publish_fail_total",
		Help: "Broker deliveries that failed after retries",
	}, []string{"topic"})

	r.WSReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_ws_reconnects_total",
		Help: "Venue session reconnect attempts",
	}, []string{"venue"})

	r.WSQueueDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_ws_queue_dropped_total",
		Help: "Oldest events dropped from a full session queue",
	}, []string{"venue"})

	r.WSParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_ws_parse_errors_total",
		Help: "Venue frames that failed to parse",
	}, []string{"venue"})

	r.PinMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_ws_pin_mismatch_total",
		Help: "TLS certificate pin mismatches",
	}, []string{"venue"})

	r.ReplaySkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketflow_replay_rows_skipped_total",
		Help: "Archive rows skipped during replay",
	})

	r.FeatureRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketflow_feature_rows_total",
		Help: "Feature rows computed",
	})

	r.FeatureRowsBad = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketflow_feature_rows_invalid_total",
		Help: "Feature rows dropped by validation or compute errors",
	})

	r.SignalsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_signals_emitted_total",
		Help: "Signals emitted by sink and result",
	}, []string{"sink", "result"})

	r.RiskDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_risk_denials_total",
		Help: "Orders denied by the risk controller by reason",
	}, []string{"reason"})

	r.ConsumeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_consume_errors_total",
		Help: "Broker consume and decode errors",
	}, []string{"kind"})

	r.ArchiveWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_archive_writes_total",
		Help: "Partition file writes by outcome",
	}, []string{"outcome"})

	r.BatchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketflow_batch_size",
		Help: "Current effective ingestion batch size",
	})

	r.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketflow_producer_queue_depth",
		Help: "Producer-reported local queue depth",
	})

	r.DedupSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketflow_dedup_entries",
		Help: "Live entries in the dedup store",
	})

	r.OpenSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketflow_ws_open_sessions",
		Help: "Venue sessions currently connected",
	}, []string{"venue"})

	r.FlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketflow_flush_seconds",
		Help:    "Batch flush latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	r.ComputeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketflow_feature_compute_seconds",
		Help:    "Feature frame compute latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	r.ConsumeLagMS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketflow_consume_lag_ms",
		Help: "Wall clock minus event time of the latest consumed record",
	}, []string{"topic"})

	r.WindowEmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketflow_window_emissions_total",
		Help: "Feature windows emitted by timeframe",
	}, []string{"tf"})

	r.reg.MustRegister(
		r.EventsIngested, r.Duplicates, r.DLTRoutes, r.PublishOK, r.PublishFail,
		r.WSReconnects, r.WSQueueDrops, r.WSParseErrors, r.PinMismatches,
		r.ReplaySkipped, r.FeatureRows, r.FeatureRowsBad, r.SignalsEmitted,
		r.RiskDenials, r.ConsumeErrors, r.ArchiveWrites,
		r.BatchSize, r.QueueDepth, r.DedupSize, r.OpenSessions,
		r.FlushSeconds, r.ComputeSeconds, r.ConsumeLagMS, r.WindowEmissions,
	)
	return r
}

// Prometheus exposes the underlying registry for the ops HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }
