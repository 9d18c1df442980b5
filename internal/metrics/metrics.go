package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels. Label values must come
// from these sets; instruments and actions are small enumerations already.
const (
	TickSignal   = "signal"
	TickPosition = "position"

	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
	OutcomeCooldown  = "cooldown"
	OutcomeCapped    = "cap_exhausted"
	OutcomeFiltered  = "filtered"
)

var (
	// TicksTotal counts scheduler ticks by type.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_scheduler_ticks_total",
		Help: "Total scheduler ticks by tick type",
	}, []string{"tick"})

	// TicksSkipped counts elided ticks (previous run still busy).
	TicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_scheduler_ticks_skipped_total",
		Help: "Scheduler ticks skipped because the previous run was still busy",
	}, []string{"tick"})

	// TickDuration observes full-tick wall time.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aifx_scheduler_tick_duration_seconds",
		Help:    "Scheduler tick duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"tick"})

	// SignalsGenerated counts signals by action and source.
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_signals_generated_total",
		Help: "Signals generated by action and source",
	}, []string{"action", "source"})

	// SignalChanges counts change events by reason.
	SignalChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_signal_changes_total",
		Help: "Signal change events emitted by reason",
	}, []string{"reason"})

	// Deliveries counts delivery pipeline outcomes.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_deliveries_total",
		Help: "Delivery pipeline outcomes",
	}, []string{"outcome"})

	// ProviderTokensRemaining is the upstream daily budget gauge.
	ProviderTokensRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aifx_provider_tokens_remaining",
		Help: "Upstream quote provider tokens remaining today",
	})

	// ProviderRequests counts upstream calls by result.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_provider_requests_total",
		Help: "Upstream quote provider requests by result",
	}, []string{"result"})

	// PredictorRequests counts predictor calls by result.
	PredictorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_predictor_requests_total",
		Help: "Predictor requests by result",
	}, []string{"result"})

	// OpenPositions is the currently-open position gauge.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aifx_open_positions",
		Help: "Number of currently open positions",
	})

	// PositionCloses counts terminal transitions by status.
	PositionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aifx_position_closes_total",
		Help: "Position terminal transitions by status",
	}, []string{"status"})

	// PoolSaturation is the fraction of busy workers per tick type.
	PoolSaturation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aifx_worker_pool_saturation",
		Help: "Fraction of busy workers in the tick worker pool",
	}, []string{"tick"})

	// CandlesIngested counts candle rows written by the collector.
	CandlesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aifx_candles_ingested_total",
		Help: "Candle rows written by the data collector",
	})

	// CandlesSkipped counts candles dropped for invariant violations.
	CandlesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aifx_candles_skipped_total",
		Help: "Candles dropped for OHLC invariant violations",
	})
)
