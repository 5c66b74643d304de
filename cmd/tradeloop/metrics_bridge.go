package main

import (
	"github.com/moltapp/tradeloop/internal/confirm"
	"github.com/moltapp/tradeloop/internal/metrics"
	"github.com/moltapp/tradeloop/internal/policy"
	"github.com/moltapp/tradeloop/internal/risk"
	"github.com/moltapp/tradeloop/internal/runner"
	"github.com/moltapp/tradeloop/internal/safety"
)

// schedulerStatus is the slice of the scheduler the bridge reads.
type schedulerStatus interface {
	Status() runner.StatusReport
}

// metricsBridge exports the pipeline's internal counters into Prometheus
// after each round. The sources keep plain counters; the bridge publishes
// the deltas so restarts never double-count.
type metricsBridge struct {
	registry  *metrics.MetricsRegistry
	sched     schedulerStatus
	gate      *safety.Gate
	policy    *policy.Engine
	confirmer *confirm.Engine
	slippage  *confirm.SlippageValidator
	monitor   *risk.Monitor

	lastSkipped         int64
	lastTimeouts        map[safety.TimeoutKind]int64
	lastVenueFailures   int64
	lastStaleFetches    int64
	lastRejections      map[string]int64
	lastConfirmTimeouts int64
	lastPolls           int64
	lastViolations      int64
	lastTallies         map[risk.TallyKey]int64
}

func newMetricsBridge(registry *metrics.MetricsRegistry, sched schedulerStatus, gate *safety.Gate, policyEngine *policy.Engine, confirmer *confirm.Engine, slippage *confirm.SlippageValidator, monitor *risk.Monitor) *metricsBridge {
	return &metricsBridge{
		registry:       registry,
		sched:          sched,
		gate:           gate,
		policy:         policyEngine,
		confirmer:      confirmer,
		slippage:       slippage,
		monitor:        monitor,
		lastTimeouts:   make(map[safety.TimeoutKind]int64),
		lastRejections: make(map[string]int64),
		lastTallies:    make(map[risk.TallyKey]int64),
	}
}

// afterRound runs as a scheduler analytics hook, single-threaded per round.
func (b *metricsBridge) afterRound(entry runner.HistoryEntry) {
	b.registry.RecordRound(entry.Success, entry.Duration)
	b.registry.SetHalted(b.gate.TradingHalted())

	if skipped := b.sched.Status().Skipped; skipped > b.lastSkipped {
		for i := b.lastSkipped; i < skipped; i++ {
			b.registry.RecordSkip()
		}
		b.lastSkipped = skipped
	}

	for _, kind := range []safety.TimeoutKind{safety.TimeoutDecision, safety.TimeoutExecution, safety.TimeoutRound} {
		count := b.gate.TimeoutCount(kind)
		for i := b.lastTimeouts[kind]; i < count; i++ {
			b.registry.RecordTimeout(string(kind))
		}
		b.lastTimeouts[kind] = count
	}

	if count := b.gate.Venue().TotalFailures(); count > b.lastVenueFailures {
		b.registry.VenueFailures.Add(float64(count - b.lastVenueFailures))
		b.lastVenueFailures = count
	}
	if count := b.gate.StaleFetches(); count > b.lastStaleFetches {
		b.registry.StaleFetches.Add(float64(count - b.lastStaleFetches))
		b.lastStaleFetches = count
	}

	for check, count := range b.policy.Rejections() {
		if prev := b.lastRejections[check]; count > prev {
			b.registry.PolicyRejections.WithLabelValues(check).Add(float64(count - prev))
		}
		b.lastRejections[check] = count
	}

	if count := b.confirmer.Timeouts(); count > b.lastConfirmTimeouts {
		b.registry.ConfirmationTimeouts.Add(float64(count - b.lastConfirmTimeouts))
		b.lastConfirmTimeouts = count
	}
	if count := b.confirmer.Polls(); count > b.lastPolls {
		b.registry.ConfirmationPolls.Add(float64(count - b.lastPolls))
		b.lastPolls = count
	}
	for _, latency := range b.confirmer.TakeLatencies() {
		b.registry.ConfirmationLatency.Observe(latency.Seconds())
	}

	if count := b.slippage.Violations(); count > b.lastViolations {
		b.registry.SlippageViolations.Add(float64(count - b.lastViolations))
		b.lastViolations = count
	}

	for key, count := range b.monitor.Anomalies().TalliesByType() {
		if prev := b.lastTallies[key]; count > prev {
			b.registry.Anomalies.WithLabelValues(string(key.Type), string(key.Severity)).Add(float64(count - prev))
		}
		b.lastTallies[key] = count
	}

	for agent, score := range b.monitor.LastScores() {
		b.registry.SetRiskScore(agent, score)
	}
}
