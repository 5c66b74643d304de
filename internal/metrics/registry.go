// Package metrics exposes the Prometheus instrumentation for the trading
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds all Prometheus metrics for tradeloop. Each instance
// owns its registry so independent pipelines never collide on registration.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Round metrics
	RoundsTotal   *prometheus.CounterVec
	RoundDuration prometheus.Histogram

	// Safety gate metrics
	Timeouts      *prometheus.CounterVec
	HaltActive    prometheus.Gauge
	VenueFailures prometheus.Counter
	StaleFetches  prometheus.Counter

	// Admission control metrics
	PolicyRejections *prometheus.CounterVec

	// Confirmation metrics
	ConfirmationLatency  prometheus.Histogram
	ConfirmationPolls    prometheus.Counter
	ConfirmationTimeouts prometheus.Counter
	SlippageViolations   prometheus.Counter

	// Risk metrics
	Anomalies *prometheus.CounterVec
	RiskScore *prometheus.GaugeVec
}

// NewMetricsRegistry creates a registry with all tradeloop metrics registered.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		RoundsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeloop_rounds_total",
				Help: "Total trading rounds by result",
			},
			[]string{"result"},
		),

		RoundDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradeloop_round_duration_seconds",
				Help:    "Duration of completed trading rounds in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 240},
			},
		),

		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeloop_timeouts_total",
				Help: "Guarded operation timeouts by kind",
			},
			[]string{"kind"},
		),

		HaltActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeloop_emergency_halt_active",
				Help: "1 while the emergency halt is engaged",
			},
		),

		VenueFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeloop_venue_failures_total",
				Help: "Total execution venue failures",
			},
		),

		StaleFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeloop_stale_market_data_total",
				Help: "Market data freshness check failures",
			},
		),

		PolicyRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeloop_policy_rejections_total",
				Help: "Trades rejected by the wallet policy, by check",
			},
			[]string{"check"},
		),

		ConfirmationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradeloop_confirmation_latency_seconds",
				Help:    "Time to resolve a transaction confirmation",
				Buckets: []float64{0.5, 1, 2, 4, 8, 15, 30},
			},
		),

		ConfirmationPolls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeloop_confirmation_polls_total",
				Help: "Total signature status polls issued",
			},
		),

		ConfirmationTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeloop_confirmation_timeouts_total",
				Help: "Confirmations that expired before reaching commitment",
			},
		),

		SlippageViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeloop_slippage_violations_total",
				Help: "Fills worse than the configured slippage tolerance",
			},
		),

		Anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeloop_anomalies_total",
				Help: "Trading anomalies detected, by type and severity",
			},
			[]string{"type", "severity"},
		),

		RiskScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradeloop_risk_score",
				Help: "Latest composite risk score per actor",
			},
			[]string{"agent"},
		),
	}

	m.registry.MustRegister(
		m.RoundsTotal,
		m.RoundDuration,
		m.Timeouts,
		m.HaltActive,
		m.VenueFailures,
		m.StaleFetches,
		m.PolicyRejections,
		m.ConfirmationLatency,
		m.ConfirmationPolls,
		m.ConfirmationTimeouts,
		m.SlippageViolations,
		m.Anomalies,
		m.RiskScore,
	)

	return m
}

// ObserveInFlight registers a gauge evaluated at scrape time, reporting 1
// while a round is executing. Callers pass a closure over their scheduler.
func (m *MetricsRegistry) ObserveInFlight(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "tradeloop_round_in_flight",
			Help: "1 while a trading round is executing",
		},
		fn,
	))
}

// Handler serves the registry in Prometheus exposition format.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRound records a completed round and its duration.
func (m *MetricsRegistry) RecordRound(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.RoundsTotal.WithLabelValues(result).Inc()
	m.RoundDuration.Observe(duration.Seconds())
}

// RecordSkip counts a skipped tick.
func (m *MetricsRegistry) RecordSkip() {
	m.RoundsTotal.WithLabelValues("skipped").Inc()
}

// RecordTimeout counts a guarded operation timeout by kind.
func (m *MetricsRegistry) RecordTimeout(kind string) {
	m.Timeouts.WithLabelValues(kind).Inc()
}

// SetHalted mirrors the emergency halt state into the gauge.
func (m *MetricsRegistry) SetHalted(halted bool) {
	if halted {
		m.HaltActive.Set(1)
	} else {
		m.HaltActive.Set(0)
	}
}

// RecordAnomaly counts a detected anomaly.
func (m *MetricsRegistry) RecordAnomaly(anomalyType, severity string) {
	m.Anomalies.WithLabelValues(anomalyType, severity).Inc()
}

// SetRiskScore publishes an actor's latest composite score.
func (m *MetricsRegistry) SetRiskScore(agentID string, overall float64) {
	m.RiskScore.WithLabelValues(agentID).Set(overall)
}
