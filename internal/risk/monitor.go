// Package risk watches post-round portfolio behavior per actor: drawdown
// tracking, anomaly detection, and composite risk scoring. Everything here is
// observational; nothing in this package blocks a trade.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	pnlSwingThreshold          = 15.0 // percentage points vs last recorded PnL
	pnlSwingCriticalThreshold  = 30.0
	concentrationThreshold     = 0.40 // single position share of portfolio
	concentrationHighThreshold = 0.60
	frequencyThreshold         = 10 // trades per trailing hour
	roundTripLookback          = 3  // most recent decisions scanned pairwise
)

// Position is one holding inside a portfolio snapshot.
type Position struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
	PnLPct float64 `json:"pnl_pct"`
}

// Snapshot is the per-actor portfolio view consumed after each round.
type Snapshot struct {
	AgentID    string     `json:"agent_id"`
	TotalValue float64    `json:"total_value"`
	CashValue  float64    `json:"cash_value"`
	Positions  []Position `json:"positions"`
	PnLPct     float64    `json:"pnl_pct"`
}

// DecisionRecord is the minimal decision shape needed for round-trip detection.
type DecisionRecord struct {
	Action string    `json:"action"` // buy, sell, hold
	Symbol string    `json:"symbol"`
	At     time.Time `json:"at"`
}

// CheckParams bundles the inputs for one actor's post-round checks.
type CheckParams struct {
	Snapshot        Snapshot
	RecentDecisions []DecisionRecord
	HourlyTradeCap  int
}

// CheckReport aggregates everything RunChecks produced for one actor.
type CheckReport struct {
	PnLAnomaly             *Anomaly      `json:"pnl_anomaly,omitempty"`
	Drawdown               DrawdownState `json:"drawdown"`
	ConcentrationAnomalies []Anomaly     `json:"concentration_anomalies,omitempty"`
	FrequencyAnomaly       *Anomaly      `json:"frequency_anomaly,omitempty"`
	RoundTripAnomaly       *Anomaly      `json:"round_trip_anomaly,omitempty"`
	Score                  RiskScore     `json:"score"`
}

// Monitor holds the per-actor trackers. Actor state is created lazily on
// first reference and bounded by the anomaly log's ring capacity and the
// trailing trade-time window.
type Monitor struct {
	mu         sync.Mutex
	trackers   map[string]*DrawdownState
	lastPnL    map[string]float64
	hasPnL     map[string]bool
	tradeTimes map[string][]time.Time
	lastScores map[string]float64
	log        *AnomalyLog

	now func() time.Time
}

// NewMonitor creates a risk monitor writing into the given anomaly log.
func NewMonitor(anomalyLog *AnomalyLog) *Monitor {
	if anomalyLog == nil {
		anomalyLog = NewAnomalyLog()
	}
	return &Monitor{
		trackers:   make(map[string]*DrawdownState),
		lastPnL:    make(map[string]float64),
		hasPnL:     make(map[string]bool),
		tradeTimes: make(map[string][]time.Time),
		lastScores: make(map[string]float64),
		log:        anomalyLog,
		now:        time.Now,
	}
}

// Anomalies exposes the shared anomaly log.
func (m *Monitor) Anomalies() *AnomalyLog { return m.log }

// ValidatePnL flags a swing larger than 15 percentage points versus the
// actor's last recorded PnL; above 30pp the severity is critical.
func (m *Monitor) ValidatePnL(agentID string, currentPnLPct float64) *Anomaly {
	m.mu.Lock()
	last, seen := m.lastPnL[agentID], m.hasPnL[agentID]
	m.lastPnL[agentID] = currentPnLPct
	m.hasPnL[agentID] = true
	m.mu.Unlock()

	if !seen {
		return nil
	}
	swing := math.Abs(currentPnLPct - last)
	if swing <= pnlSwingThreshold {
		return nil
	}

	severity := SeverityHigh
	if swing > pnlSwingCriticalThreshold {
		severity = SeverityCritical
	}
	a := m.log.Append(Anomaly{
		Type:        AnomalyPnLSwing,
		AgentID:     agentID,
		Severity:    severity,
		Description: fmt.Sprintf("PnL swung %.1fpp (%.1f%% -> %.1f%%)", swing, last, currentPnLPct),
		Metadata:    map[string]any{"previous_pnl_pct": last, "current_pnl_pct": currentPnLPct},
	})
	return &a
}

// UpdateDrawdown folds a new portfolio value into the actor's peak tracker
// and emits warning/critical anomalies when thresholds are first crossed.
func (m *Monitor) UpdateDrawdown(agentID string, currentValue float64) DrawdownState {
	m.mu.Lock()
	tracker, ok := m.trackers[agentID]
	if !ok {
		tracker = &DrawdownState{}
		m.trackers[agentID] = tracker
	}
	warn, critical := tracker.update(m.now(), currentValue)
	state := *tracker
	m.mu.Unlock()

	if warn {
		m.log.Append(Anomaly{
			Type:        AnomalyDrawdownWarning,
			AgentID:     agentID,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("drawdown %.1f%% from peak %.2f", state.CurrentDrawdownPct*100, state.PeakValue),
			Metadata:    map[string]any{"drawdown_pct": state.CurrentDrawdownPct, "peak_value": state.PeakValue},
		})
	}
	if critical {
		m.log.Append(Anomaly{
			Type:        AnomalyDrawdownCritical,
			AgentID:     agentID,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("drawdown %.1f%% from peak %.2f", state.CurrentDrawdownPct*100, state.PeakValue),
			Metadata:    map[string]any{"drawdown_pct": state.CurrentDrawdownPct, "peak_value": state.PeakValue},
		})
	}
	return state
}

// CheckConcentration flags any single position above 40% of portfolio value,
// high severity above 60%.
func (m *Monitor) CheckConcentration(snap Snapshot) []Anomaly {
	if snap.TotalValue <= 0 {
		return nil
	}
	var anomalies []Anomaly
	for _, pos := range snap.Positions {
		share := pos.Value / snap.TotalValue
		if share <= concentrationThreshold {
			continue
		}
		severity := SeverityMedium
		if share > concentrationHighThreshold {
			severity = SeverityHigh
		}
		anomalies = append(anomalies, m.log.Append(Anomaly{
			Type:        AnomalyConcentration,
			AgentID:     snap.AgentID,
			Severity:    severity,
			Description: fmt.Sprintf("%s is %.0f%% of portfolio", pos.Symbol, share*100),
			Metadata:    map[string]any{"symbol": pos.Symbol, "share": share},
		}))
	}
	return anomalies
}

// RecordTrade notes a trade time for frequency checks. This ledger is
// maintained independently from admission control's.
func (m *Monitor) RecordTrade(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-time.Hour)
	times := append(m.tradeTimes[agentID], now)
	pruned := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	m.tradeTimes[agentID] = pruned
}

// CheckFrequency flags more than 10 trades in the trailing hour.
func (m *Monitor) CheckFrequency(agentID string) *Anomaly {
	count := m.tradesLastHour(agentID)
	if count <= frequencyThreshold {
		return nil
	}
	a := m.log.Append(Anomaly{
		Type:        AnomalyTradingFrequency,
		AgentID:     agentID,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("%d trades in the last hour", count),
		Metadata:    map[string]any{"trades_last_hour": count},
	})
	return &a
}

func (m *Monitor) tradesLastHour(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-time.Hour)
	count := 0
	for _, ts := range m.tradeTimes[agentID] {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

// DetectRoundTrip scans the three most recent decisions pairwise for a buy
// followed later by a sell (or vice versa) of the same asset, with neither
// being a hold — oscillating, indecisive behavior.
func (m *Monitor) DetectRoundTrip(agentID string, decisions []DecisionRecord) *Anomaly {
	if len(decisions) > roundTripLookback {
		decisions = decisions[len(decisions)-roundTripLookback:]
	}
	for i := 0; i < len(decisions); i++ {
		for j := i + 1; j < len(decisions); j++ {
			a, b := decisions[i], decisions[j]
			if a.Symbol != b.Symbol || a.Action == "hold" || b.Action == "hold" {
				continue
			}
			if a.Action == b.Action {
				continue
			}
			anomaly := m.log.Append(Anomaly{
				Type:        AnomalyRoundTrip,
				AgentID:     agentID,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("%s then %s on %s within recent decisions", a.Action, b.Action, a.Symbol),
				Metadata:    map[string]any{"symbol": a.Symbol, "first": a.Action, "second": b.Action},
			})
			return &anomaly
		}
	}
	return nil
}

// Score recomputes the composite risk score for one actor.
func (m *Monitor) Score(snap Snapshot, hourlyCap int) RiskScore {
	m.mu.Lock()
	var drawdownPct float64
	if tracker, ok := m.trackers[snap.AgentID]; ok {
		drawdownPct = tracker.CurrentDrawdownPct
	}
	m.mu.Unlock()
	return calculateScore(snap.AgentID, snap, drawdownPct, m.tradesLastHour(snap.AgentID), hourlyCap)
}

// RunChecks performs every post-round check for one actor.
func (m *Monitor) RunChecks(params CheckParams) CheckReport {
	snap := params.Snapshot
	report := CheckReport{
		PnLAnomaly:             m.ValidatePnL(snap.AgentID, snap.PnLPct),
		Drawdown:               m.UpdateDrawdown(snap.AgentID, snap.TotalValue),
		ConcentrationAnomalies: m.CheckConcentration(snap),
		FrequencyAnomaly:       m.CheckFrequency(snap.AgentID),
		RoundTripAnomaly:       m.DetectRoundTrip(snap.AgentID, params.RecentDecisions),
	}
	report.Score = m.Score(snap, params.HourlyTradeCap)
	m.mu.Lock()
	m.lastScores[snap.AgentID] = report.Score.Overall
	m.mu.Unlock()
	return report
}

// LastScores returns the latest composite score per actor, as of each
// actor's most recent RunChecks.
func (m *Monitor) LastScores() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.lastScores))
	for agent, score := range m.lastScores {
		out[agent] = score
	}
	return out
}
