package risk

import (
	"math"
	"time"
)

// RiskLevel buckets an overall score at 20-point boundaries.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
	RiskExtreme  RiskLevel = "extreme"
)

// ScoreComponents are the five normalized [0,100] inputs to the overall score.
type ScoreComponents struct {
	Concentration    float64 `json:"concentration"`
	Drawdown         float64 `json:"drawdown"`
	Volatility       float64 `json:"volatility"`
	TradingFrequency float64 `json:"trading_frequency"`
	Correlation      float64 `json:"correlation"`
}

// RiskScore is recomputed wholesale on every call, never mutated in place.
type RiskScore struct {
	AgentID      string          `json:"agent_id"`
	Overall      float64         `json:"overall"`
	Components   ScoreComponents `json:"components"`
	Level        RiskLevel       `json:"level"`
	CalculatedAt time.Time       `json:"calculated_at"`
}

// Reference points each component is normalized against.
const (
	concentrationReference = 50.0 // % of portfolio in the largest position
	drawdownReference      = 30.0 // current drawdown %
	volatilityReference    = 20.0 // stddev of per-position PnL %
	correlationCashBand    = 80.0 // cash % band; fully invested = max correlation proxy
)

// Fixed component weights.
const (
	weightConcentration = 0.25
	weightDrawdown      = 0.30
	weightVolatility    = 0.15
	weightFrequency     = 0.10
	weightCorrelation   = 0.20
)

func clampScore(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// calculateScore derives the composite risk score from a snapshot. Zero
// positions or zero total value produce a valid zero-component score.
func calculateScore(agentID string, snap Snapshot, currentDrawdownPct float64, tradesLastHour, hourlyCap int) RiskScore {
	var components ScoreComponents

	if snap.TotalValue > 0 && len(snap.Positions) > 0 {
		var largest float64
		for _, pos := range snap.Positions {
			if pos.Value > largest {
				largest = pos.Value
			}
		}
		largestPct := largest / snap.TotalValue * 100
		components.Concentration = clampScore(largestPct / concentrationReference * 100)
	}

	components.Drawdown = clampScore(currentDrawdownPct * 100 / drawdownReference * 100)

	if len(snap.Positions) > 1 {
		components.Volatility = clampScore(pnlStdDev(snap.Positions) / volatilityReference * 100)
	}

	if hourlyCap > 0 {
		components.TradingFrequency = clampScore(float64(tradesLastHour) / float64(hourlyCap) * 100)
	}

	if snap.TotalValue > 0 {
		cashPct := snap.CashValue / snap.TotalValue * 100
		components.Correlation = clampScore((correlationCashBand - cashPct) / correlationCashBand * 100)
	}

	overall := clampScore(
		components.Concentration*weightConcentration +
			components.Drawdown*weightDrawdown +
			components.Volatility*weightVolatility +
			components.TradingFrequency*weightFrequency +
			components.Correlation*weightCorrelation)

	return RiskScore{
		AgentID:      agentID,
		Overall:      overall,
		Components:   components,
		Level:        levelFor(overall),
		CalculatedAt: time.Now(),
	}
}

func pnlStdDev(positions []Position) float64 {
	var sum float64
	for _, pos := range positions {
		sum += pos.PnLPct
	}
	mean := sum / float64(len(positions))

	var variance float64
	for _, pos := range positions {
		diff := pos.PnLPct - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(positions)))
}

func levelFor(overall float64) RiskLevel {
	switch {
	case overall < 20:
		return RiskLow
	case overall < 40:
		return RiskModerate
	case overall < 60:
		return RiskElevated
	case overall < 80:
		return RiskHigh
	default:
		return RiskExtreme
	}
}
