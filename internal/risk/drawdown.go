package risk

import "time"

// Drawdown thresholds expressed as fractions of peak value.
const (
	drawdownWarnThreshold     = 0.10
	drawdownCriticalThreshold = 0.25
)

// DrawdownState is the per-actor peak-tracking record. MaxDrawdownPct never
// decreases for the tracker's lifetime.
type DrawdownState struct {
	PeakValue          float64   `json:"peak_value"`
	PeakDate           time.Time `json:"peak_date"`
	TroughValue        float64   `json:"trough_value"`
	TroughDate         time.Time `json:"trough_date"`
	CurrentDrawdownPct float64   `json:"current_drawdown_pct"`
	MaxDrawdownPct     float64   `json:"max_drawdown_pct"`
	InDrawdown         bool      `json:"in_drawdown"`

	initialized bool
	warnEmitted bool
	critEmitted bool
}

// update folds a new portfolio value into the tracker and reports which
// thresholds were crossed by this observation.
func (d *DrawdownState) update(now time.Time, value float64) (crossedWarn, crossedCritical bool) {
	if !d.initialized || value > d.PeakValue {
		d.PeakValue = value
		d.PeakDate = now
		d.TroughValue = value
		d.TroughDate = now
		d.CurrentDrawdownPct = 0
		d.InDrawdown = false
		d.warnEmitted = false
		d.critEmitted = false
		d.initialized = true
		return false, false
	}

	if value < d.TroughValue {
		d.TroughValue = value
		d.TroughDate = now
	}

	if d.PeakValue > 0 {
		d.CurrentDrawdownPct = (d.PeakValue - value) / d.PeakValue
	}
	d.InDrawdown = d.CurrentDrawdownPct > 0
	if d.CurrentDrawdownPct > d.MaxDrawdownPct {
		d.MaxDrawdownPct = d.CurrentDrawdownPct
	}

	if d.CurrentDrawdownPct >= drawdownWarnThreshold && !d.warnEmitted {
		d.warnEmitted = true
		crossedWarn = true
	}
	if d.CurrentDrawdownPct >= drawdownCriticalThreshold && !d.critEmitted {
		d.critEmitted = true
		crossedCritical = true
	}
	return crossedWarn, crossedCritical
}
