package confirm

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxSlippageBps is 1% expressed in basis points.
	DefaultMaxSlippageBps = 100
	maxSlippageBpsCeiling = 10000
)

// SlippageCheck compares a realized output against the quoted amount.
// A zero MaxBps falls back to the validator's configured default.
type SlippageCheck struct {
	QuotedOutput float64
	ActualOutput float64
	MaxBps       float64
}

// SlippageResult reports the realized slippage in basis points. Positive
// slippage means the fill was worse than quoted.
type SlippageResult struct {
	SlippageBps float64 `json:"slippage_bps"`
	MaxBps      float64 `json:"max_bps"`
	Acceptable  bool    `json:"acceptable"`
}

// SlippageValidator checks realized fills against quotes. Violations are
// logged and counted, never thrown; execution is not auto-reversed.
type SlippageValidator struct {
	mu         sync.Mutex
	maxBps     float64
	violations int64
}

// NewSlippageValidator creates a validator with the given default tolerance,
// clamped to [0, 10000] bps.
func NewSlippageValidator(maxBps float64) *SlippageValidator {
	return &SlippageValidator{maxBps: clampBps(maxBps)}
}

func clampBps(bps float64) float64 {
	if bps < 0 {
		return 0
	}
	if bps > maxSlippageBpsCeiling {
		return maxSlippageBpsCeiling
	}
	return bps
}

// SetMaxBps adjusts the global default tolerance at runtime.
func (v *SlippageValidator) SetMaxBps(bps float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxBps = clampBps(bps)
}

// Violations returns the number of slippage violations observed so far.
func (v *SlippageValidator) Violations() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.violations
}

// Validate computes slippage = (quoted - actual) / quoted * 10000 bps. A zero
// or negative quote validates trivially (nothing meaningful to compare).
func (v *SlippageValidator) Validate(check SlippageCheck) SlippageResult {
	v.mu.Lock()
	maxBps := v.maxBps
	v.mu.Unlock()
	if check.MaxBps > 0 {
		maxBps = clampBps(check.MaxBps)
	}

	res := SlippageResult{MaxBps: maxBps, Acceptable: true}
	if check.QuotedOutput <= 0 {
		return res
	}

	res.SlippageBps = (check.QuotedOutput - check.ActualOutput) / check.QuotedOutput * 10000
	res.Acceptable = res.SlippageBps <= maxBps

	if !res.Acceptable {
		v.mu.Lock()
		v.violations++
		v.mu.Unlock()
		log.Warn().
			Float64("quoted", check.QuotedOutput).
			Float64("actual", check.ActualOutput).
			Float64("slippage_bps", res.SlippageBps).
			Float64("max_bps", maxBps).
			Msg("Slippage violation detected")
	}
	return res
}
