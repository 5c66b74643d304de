package confirm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlippage_WithinTolerance(t *testing.T) {
	v := NewSlippageValidator(DefaultMaxSlippageBps)

	res := v.Validate(SlippageCheck{QuotedOutput: 1000, ActualOutput: 995})
	assert.InDelta(t, 50.0, res.SlippageBps, 0.001)
	assert.True(t, res.Acceptable)
	assert.Equal(t, int64(0), v.Violations())
}

func TestSlippage_ViolationCountedNotThrown(t *testing.T) {
	v := NewSlippageValidator(DefaultMaxSlippageBps)

	res := v.Validate(SlippageCheck{QuotedOutput: 1000, ActualOutput: 980})
	assert.InDelta(t, 200.0, res.SlippageBps, 0.001)
	assert.False(t, res.Acceptable)
	assert.Equal(t, int64(1), v.Violations())
}

func TestSlippage_BetterThanQuotedIsNegative(t *testing.T) {
	v := NewSlippageValidator(DefaultMaxSlippageBps)

	res := v.Validate(SlippageCheck{QuotedOutput: 1000, ActualOutput: 1010})
	assert.InDelta(t, -100.0, res.SlippageBps, 0.001)
	assert.True(t, res.Acceptable)
}

func TestSlippage_PerCheckOverride(t *testing.T) {
	v := NewSlippageValidator(DefaultMaxSlippageBps)

	res := v.Validate(SlippageCheck{QuotedOutput: 1000, ActualOutput: 980, MaxBps: 300})
	assert.True(t, res.Acceptable)
	assert.Equal(t, 300.0, res.MaxBps)
}

func TestSlippage_ToleranceClamped(t *testing.T) {
	v := NewSlippageValidator(50000)
	res := v.Validate(SlippageCheck{QuotedOutput: 100, ActualOutput: 0})
	assert.Equal(t, 10000.0, res.MaxBps)
	assert.True(t, res.Acceptable, "total loss is exactly 10000 bps")

	v.SetMaxBps(-5)
	res = v.Validate(SlippageCheck{QuotedOutput: 100, ActualOutput: 100})
	assert.Equal(t, 0.0, res.MaxBps)
	assert.True(t, res.Acceptable)
}

func TestSlippage_ZeroQuoteValidatesTrivially(t *testing.T) {
	v := NewSlippageValidator(DefaultMaxSlippageBps)

	res := v.Validate(SlippageCheck{QuotedOutput: 0, ActualOutput: 10})
	assert.True(t, res.Acceptable)
	assert.Equal(t, 0.0, res.SlippageBps)
}
