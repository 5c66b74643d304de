package risk

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AnomalyType identifies the class of abnormal behavior detected.
type AnomalyType string

const (
	AnomalyPnLSwing         AnomalyType = "pnl_swing"
	AnomalyDrawdownWarning  AnomalyType = "drawdown_warning"
	AnomalyDrawdownCritical AnomalyType = "drawdown_critical"
	AnomalyConcentration    AnomalyType = "concentration_risk"
	AnomalyTradingFrequency AnomalyType = "trading_frequency"
	AnomalyRoundTrip        AnomalyType = "round_trip"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is one detected abnormality, appended to the shared bounded log.
type Anomaly struct {
	ID          string         `json:"id"`
	Type        AnomalyType    `json:"type"`
	AgentID     string         `json:"agent_id"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	DetectedAt  time.Time      `json:"detected_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// anomalyLogCapacity bounds the shared log; oldest entries are overwritten.
const anomalyLogCapacity = 500

// AnomalyLog is a fixed-capacity ring buffer with incrementally maintained
// severity tallies.
type AnomalyLog struct {
	mu          sync.RWMutex
	entries     []Anomaly
	next        int
	size        int
	tallies     map[Severity]int64
	typeTallies map[TallyKey]int64
}

// TallyKey identifies one cumulative anomaly count.
type TallyKey struct {
	Type     AnomalyType
	Severity Severity
}

// NewAnomalyLog creates an empty anomaly log.
func NewAnomalyLog() *AnomalyLog {
	return &AnomalyLog{
		entries:     make([]Anomaly, anomalyLogCapacity),
		tallies:     make(map[Severity]int64),
		typeTallies: make(map[TallyKey]int64),
	}
}

// Append stamps an ID and timestamp if missing and inserts the anomaly,
// evicting the oldest entry once the log is full.
func (l *AnomalyLog) Append(a Anomaly) Anomaly {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now()
	}

	l.mu.Lock()
	l.entries[l.next] = a
	l.next = (l.next + 1) % anomalyLogCapacity
	if l.size < anomalyLogCapacity {
		l.size++
	}
	l.tallies[a.Severity]++
	l.typeTallies[TallyKey{Type: a.Type, Severity: a.Severity}]++
	l.mu.Unlock()

	log.Warn().Str("type", string(a.Type)).Str("agent", a.AgentID).
		Str("severity", string(a.Severity)).Str("description", a.Description).
		Msg("Trading anomaly detected")
	return a
}

// Recent returns up to n anomalies, newest first.
func (l *AnomalyLog) Recent(n int) []Anomaly {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]Anomaly, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + anomalyLogCapacity) % anomalyLogCapacity
		out = append(out, l.entries[idx])
	}
	return out
}

// Len returns the number of retained anomalies.
func (l *AnomalyLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Tallies returns the cumulative per-severity counts, including entries that
// have been evicted from the ring.
func (l *AnomalyLog) Tallies() map[Severity]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[Severity]int64, len(l.tallies))
	for sev, count := range l.tallies {
		out[sev] = count
	}
	return out
}

// TalliesByType returns the cumulative counts per type and severity,
// including entries that have been evicted from the ring.
func (l *AnomalyLog) TalliesByType() map[TallyKey]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[TallyKey]int64, len(l.typeTallies))
	for key, count := range l.typeTallies {
		out[key] = count
	}
	return out
}
