package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltapp/tradeloop/internal/metrics"
	"github.com/moltapp/tradeloop/internal/risk"
	"github.com/moltapp/tradeloop/internal/runner"
	"github.com/moltapp/tradeloop/internal/safety"
)

// noopOrchestrator completes instantly; a non-zero delay makes it wait that
// long, bailing out early if its context ends first.
type noopOrchestrator struct {
	delay time.Duration
}

func (o noopOrchestrator) RunRound(ctx context.Context, roundID string) (*runner.RoundOutcome, error) {
	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &runner.RoundOutcome{}, nil
}

type env struct {
	srv  *httptest.Server
	gate *safety.Gate
	run  *runner.Runner
}

func newEnv(t *testing.T) *env {
	return newEnvWith(t, noopOrchestrator{})
}

func newEnvWith(t *testing.T, orch runner.Orchestrator) *env {
	t.Helper()
	gate := safety.NewGate(safety.Config{})
	run := runner.New(runner.Config{Interval: time.Hour}, gate, orch)
	monitor := risk.NewMonitor(nil)

	s, err := NewServer(ServerConfig{Port: 0}, gate, run, monitor, metrics.NewMetricsRegistry())
	require.NoError(t, err)

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	return &env{srv: srv, gate: gate, run: run}
}

func (e *env) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) post(t *testing.T, path string, body any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestHealthStatusCodes(t *testing.T) {
	e := newEnv(t)

	e.gate.RecordMarketDataFetch(10, 10)
	var report safety.HealthReport
	assert.Equal(t, http.StatusOK, e.get(t, "/health", &report))
	assert.Equal(t, safety.VerdictHealthy, report.Overall)

	// Mostly-fallback prices degrade; a halt is critical.
	e.gate.RecordMarketDataFetch(0, 10)
	assert.Equal(t, http.StatusMultiStatus, e.get(t, "/health", nil))

	e.gate.Emergency().Halt("operator", "drill", 0)
	assert.Equal(t, http.StatusServiceUnavailable, e.get(t, "/health", nil))
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t)

	var body struct {
		Runner    runner.StatusReport `json:"runner"`
		Emergency safety.HaltState    `json:"emergency"`
		Venue     string              `json:"venue_state"`
	}
	assert.Equal(t, http.StatusOK, e.get(t, "/status", &body))
	assert.Equal(t, runner.StatusIdle, body.Runner.Status)
	assert.False(t, body.Emergency.Halted)
	assert.Equal(t, "closed", body.Venue)
}

func TestHaltAndResume(t *testing.T) {
	e := newEnv(t)

	code := e.post(t, "/halt", map[string]any{"by": "ops", "reason": "incident"})
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, e.gate.TradingHalted())

	resp, err := http.Post(e.srv.URL+"/resume?by=ops", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, e.gate.TradingHalted())
}

func TestHalt_BadBody(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Post(e.srv.URL+"/halt", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerAndHistory(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusAccepted, e.post(t, "/trigger", map[string]any{}))
	require.Eventually(t, func() bool {
		return e.run.Status().TotalRounds == 1
	}, 2*time.Second, 10*time.Millisecond)

	var history []runner.HistoryEntry
	assert.Equal(t, http.StatusOK, e.get(t, "/history?limit=10", &history))
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)

	var successes []runner.HistoryEntry
	e.get(t, "/history?success=false", &successes)
	assert.Empty(t, successes)
}

func TestTrigger_SurvivesClientDisconnect(t *testing.T) {
	e := newEnvWith(t, noopOrchestrator{delay: 300 * time.Millisecond})

	// The client gives up long before the round finishes. The round must
	// keep running and land as a success, not a cancellation failure.
	client := &http.Client{Timeout: 50 * time.Millisecond}
	_, err := client.Post(e.srv.URL+"/trigger", "application/json", nil)
	if err != nil {
		require.Contains(t, err.Error(), "Client.Timeout")
	}

	require.Eventually(t, func() bool {
		return e.run.Status().TotalRounds == 1
	}, 2*time.Second, 10*time.Millisecond)
	status := e.run.Status()
	assert.Equal(t, int64(1), status.Succeeded)
	assert.Equal(t, int64(0), status.Failed)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAnomaliesEndpoint(t *testing.T) {
	e := newEnv(t)
	var anomalies []risk.Anomaly
	assert.Equal(t, http.StatusOK, e.get(t, "/anomalies", &anomalies))
	assert.Empty(t, anomalies)
}
