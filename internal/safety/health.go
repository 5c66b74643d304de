package safety

import (
	"fmt"
	"time"
)

// CheckStatus grades a single health check.
type CheckStatus int

const (
	CheckOK CheckStatus = iota
	CheckWarn
	CheckFail
)

func (s CheckStatus) String() string {
	switch s {
	case CheckOK:
		return "ok"
	case CheckWarn:
		return "warn"
	case CheckFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText lets CheckStatus render as its string form in JSON.
func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Verdict is the aggregate health level.
type Verdict string

const (
	VerdictHealthy  Verdict = "healthy"
	VerdictDegraded Verdict = "degraded"
	VerdictCritical Verdict = "critical"
)

// HealthCheck is one named check inside a report.
type HealthCheck struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
}

// HealthReport aggregates all gate checks with worst-of semantics: any fail
// makes the verdict critical, else any warn makes it degraded.
type HealthReport struct {
	Overall   Verdict       `json:"overall"`
	Checks    []HealthCheck `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	decisionTimeoutWarnRate = 0.20
	successRecencyWarnAge   = time.Hour
)

// CheckHealth evaluates halt state, consecutive failures, market data
// freshness, venue health, decision timeout rate, and recency of the last
// successful round.
func (g *Gate) CheckHealth() HealthReport {
	var checks []HealthCheck

	if state := g.emergency.State(); state.Halted {
		checks = append(checks, HealthCheck{
			Name:    "emergency_halt",
			Status:  CheckFail,
			Message: fmt.Sprintf("trading halted by %s: %s", state.HaltedBy, state.Reason),
		})
	} else {
		checks = append(checks, HealthCheck{Name: "emergency_halt", Status: CheckOK, Message: "trading enabled"})
	}

	g.mu.Lock()
	failures := g.consecutiveFailures
	maxFailures := g.cfg.MaxConsecutiveFailures
	lastSuccess := g.lastSuccess
	g.mu.Unlock()

	switch {
	case failures >= maxFailures:
		checks = append(checks, HealthCheck{
			Name:    "consecutive_failures",
			Status:  CheckFail,
			Message: fmt.Sprintf("%d consecutive round failures (limit %d)", failures, maxFailures),
		})
	case failures > 0:
		checks = append(checks, HealthCheck{
			Name:    "consecutive_failures",
			Status:  CheckWarn,
			Message: fmt.Sprintf("%d consecutive round failures", failures),
		})
	default:
		checks = append(checks, HealthCheck{Name: "consecutive_failures", Status: CheckOK, Message: "no recent failures"})
	}

	freshness := g.CheckMarketDataFreshness()
	if freshness.Fresh {
		checks = append(checks, HealthCheck{
			Name:    "market_data",
			Status:  CheckOK,
			Message: fmt.Sprintf("age %s, %.0f%% real prices", freshness.Age.Round(time.Second), freshness.RealFraction*100),
		})
	} else {
		checks = append(checks, HealthCheck{
			Name:    "market_data",
			Status:  CheckWarn,
			Message: fmt.Sprintf("stale market data (age %s, %.0f%% real prices)", freshness.Age.Round(time.Second), freshness.RealFraction*100),
		})
	}

	switch g.venue.State() {
	case "open":
		checks = append(checks, HealthCheck{
			Name:    "venue",
			Status:  CheckFail,
			Message: fmt.Sprintf("venue %s breaker open", g.cfg.VenueName),
		})
	case "half-open":
		checks = append(checks, HealthCheck{
			Name:    "venue",
			Status:  CheckWarn,
			Message: fmt.Sprintf("venue %s breaker probing", g.cfg.VenueName),
		})
	default:
		checks = append(checks, HealthCheck{
			Name:    "venue",
			Status:  CheckOK,
			Message: fmt.Sprintf("venue %s healthy", g.cfg.VenueName),
		})
	}

	if rate := g.DecisionTimeoutRate(); rate > decisionTimeoutWarnRate {
		checks = append(checks, HealthCheck{
			Name:    "decision_timeouts",
			Status:  CheckWarn,
			Message: fmt.Sprintf("%.0f%% of decision calls timing out", rate*100),
		})
	} else {
		checks = append(checks, HealthCheck{Name: "decision_timeouts", Status: CheckOK, Message: "decision timeout rate nominal"})
	}

	switch {
	case lastSuccess.IsZero():
		checks = append(checks, HealthCheck{Name: "last_success", Status: CheckOK, Message: "no completed rounds yet"})
	case g.now().Sub(lastSuccess) > successRecencyWarnAge:
		checks = append(checks, HealthCheck{
			Name:    "last_success",
			Status:  CheckWarn,
			Message: fmt.Sprintf("last successful round %s ago", g.now().Sub(lastSuccess).Round(time.Second)),
		})
	default:
		checks = append(checks, HealthCheck{Name: "last_success", Status: CheckOK, Message: "recent round succeeded"})
	}

	return HealthReport{
		Overall:   worstOf(checks),
		Checks:    checks,
		Timestamp: g.now(),
	}
}

func worstOf(checks []HealthCheck) Verdict {
	verdict := VerdictHealthy
	for _, c := range checks {
		switch c.Status {
		case CheckFail:
			return VerdictCritical
		case CheckWarn:
			verdict = VerdictDegraded
		}
	}
	return verdict
}
