package main

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltapp/tradeloop/internal/confirm"
	"github.com/moltapp/tradeloop/internal/metrics"
	"github.com/moltapp/tradeloop/internal/policy"
	"github.com/moltapp/tradeloop/internal/risk"
	"github.com/moltapp/tradeloop/internal/runner"
	"github.com/moltapp/tradeloop/internal/safety"
)

type stubSched struct {
	report runner.StatusReport
}

func (s stubSched) Status() runner.StatusReport { return s.report }

type finalizedLookup struct{}

func (finalizedLookup) SignatureStatus(ctx context.Context, signature string) (*confirm.TxStatus, error) {
	return &confirm.TxStatus{Found: true, Slot: 42, Commitment: confirm.CommitmentFinalized}, nil
}

func TestMetricsBridge_PublishesAllSeries(t *testing.T) {
	registry := metrics.NewMetricsRegistry()
	gate := safety.NewGate(safety.Config{})
	policyEngine := policy.NewEngine(policy.DefaultLimits())
	confirmer := confirm.NewEngine(finalizedLookup{}, nil)
	slippage := confirm.NewSlippageValidator(100)
	monitor := risk.NewMonitor(nil)
	sched := stubSched{report: runner.StatusReport{Skipped: 2}}

	// Drive every source the bridge reads from.
	gate.Venue().RecordFailure()
	gate.Venue().RecordFailure()
	gate.CheckMarketDataFreshness() // no fetch recorded yet: stale
	policyEngine.Check("a1", "ENRONx", "buy", decimal.NewFromInt(5))
	confirmer.Confirm(context.Background(), confirm.Request{
		Signature:  "sig-1",
		Commitment: confirm.CommitmentFinalized,
		Timeout:    time.Second,
	})
	slippage.Validate(confirm.SlippageCheck{QuotedOutput: 10, ActualOutput: 9, MaxBps: 100})
	monitor.Anomalies().Append(risk.Anomaly{
		Type:     risk.AnomalyPnLSwing,
		AgentID:  "a1",
		Severity: risk.SeverityHigh,
	})
	monitor.RunChecks(risk.CheckParams{
		Snapshot:       risk.Snapshot{AgentID: "a1", TotalValue: 1000, CashValue: 1000},
		HourlyTradeCap: 4,
	})

	bridge := newMetricsBridge(registry, sched, gate, policyEngine, confirmer, slippage, monitor)
	bridge.afterRound(runner.HistoryEntry{Success: true, Duration: time.Second})

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `tradeloop_rounds_total{result="success"} 1`)
	assert.Contains(t, text, `tradeloop_rounds_total{result="skipped"} 2`)
	assert.Contains(t, text, `tradeloop_venue_failures_total 2`)
	assert.Contains(t, text, `tradeloop_stale_market_data_total 1`)
	assert.Contains(t, text, `tradeloop_policy_rejections_total{check="allowlist"} 1`)
	assert.Contains(t, text, `tradeloop_confirmation_polls_total 1`)
	assert.Contains(t, text, `tradeloop_confirmation_latency_seconds_count 1`)
	assert.Contains(t, text, `tradeloop_slippage_violations_total 1`)
	assert.Contains(t, text, `tradeloop_anomalies_total{severity="high",type="pnl_swing"} 1`)
	assert.Contains(t, text, `tradeloop_risk_score{agent="a1"}`)

	// A second pass with unchanged sources must not double-count.
	bridge.afterRound(runner.HistoryEntry{Success: true, Duration: time.Second})
	resp2, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp2.Body.Close()
	body2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body2), `tradeloop_venue_failures_total 2`)
	assert.Contains(t, string(body2), `tradeloop_policy_rejections_total{check="allowlist"} 1`)
}
