package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// VolumeWindow is the trailing window used for daily volume checks
	VolumeWindow = 24 * time.Hour
	// FrequencyWindow is the trailing window used for trade count checks
	FrequencyWindow = time.Hour
)

// Limits describes the wallet policy applied to every actor.
// All monetary values are denominated in USD.
type Limits struct {
	MaxTradeSize      decimal.Decimal `yaml:"max_trade_size"`
	DailyVolumeLimit  decimal.Decimal `yaml:"daily_volume_limit"`
	SessionLimit      decimal.Decimal `yaml:"session_limit"`
	AllowedAssets     []string        `yaml:"allowed_assets"`
	MaxTradesPerHour  int             `yaml:"max_trades_per_hour"`
	RequireQuoteFirst bool            `yaml:"require_quote_first"`
	Enabled           bool            `yaml:"enabled"`
}

// DefaultLimits returns the uniform policy applied when no override is configured.
// The allowlist is the xStocks catalog plus USDC.
func DefaultLimits() Limits {
	return Limits{
		MaxTradeSize:     decimal.NewFromInt(10),
		DailyVolumeLimit: decimal.NewFromInt(100),
		SessionLimit:     decimal.NewFromInt(50),
		AllowedAssets: []string{
			"AAPLx", "TSLAx", "NVDAx", "GOOGLx", "AMZNx",
			"MSFTx", "METAx", "SPYx", "COINx", "GMEx", "USDC",
		},
		MaxTradesPerHour:  4,
		RequireQuoteFirst: true,
		Enabled:           true,
	}
}

// TradeRecord is one accepted trade in an actor's ledger.
type TradeRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
}

// Check names used in rejection tallies and metric labels.
const (
	CheckKillSwitch  = "kill_switch"
	CheckAllowlist   = "allowlist"
	CheckTradeSize   = "trade_size"
	CheckDailyVolume = "daily_volume"
	CheckHourlyCap   = "hourly_cap"
)

// Decision is the outcome of an admission check. Reason is empty when allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ActorStats exposes the windowed aggregates used by the checks.
type ActorStats struct {
	AgentID        string          `json:"agent_id"`
	TradesLastHour int             `json:"trades_last_hour"`
	VolumeLast24h  decimal.Decimal `json:"volume_last_24h"`
	LedgerSize     int             `json:"ledger_size"`
	OldestEntry    *time.Time      `json:"oldest_entry,omitempty"`
}

// Engine enforces the wallet policy. Check never mutates state; Record is
// called only after a trade actually succeeds.
type Engine struct {
	mu      sync.RWMutex
	limits  Limits
	allowed map[string]struct{}
	ledgers map[string][]TradeRecord

	// rejMu guards the tallies separately: Check holds only the read lock.
	rejMu      sync.Mutex
	rejections map[string]int64

	now func() time.Time
}

// NewEngine creates an admission control engine with the given limits.
func NewEngine(limits Limits) *Engine {
	e := &Engine{
		ledgers:    make(map[string][]TradeRecord),
		rejections: make(map[string]int64),
		now:        time.Now,
	}
	e.setLimits(limits)
	return e
}

func (e *Engine) setLimits(limits Limits) {
	allowed := make(map[string]struct{}, len(limits.AllowedAssets))
	for _, a := range limits.AllowedAssets {
		allowed[a] = struct{}{}
	}
	e.limits = limits
	e.allowed = allowed
}

// SetLimits replaces the active policy at runtime.
func (e *Engine) SetLimits(limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLimits(limits)
	log.Info().
		Str("max_trade_size", limits.MaxTradeSize.String()).
		Str("daily_volume_limit", limits.DailyVolumeLimit.String()).
		Int("max_trades_per_hour", limits.MaxTradesPerHour).
		Bool("enabled", limits.Enabled).
		Msg("Wallet policy updated")
}

// Limits returns a copy of the active policy.
func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := e.limits
	out.AllowedAssets = append([]string(nil), e.limits.AllowedAssets...)
	return out
}

// Check evaluates whether a proposed trade may proceed. Checks run in a fixed
// order and the first failing check wins. State is never mutated here.
func (e *Engine) Check(agentID, asset, side string, amount decimal.Decimal) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.limits.Enabled {
		return e.reject(agentID, asset, CheckKillSwitch, "trading disabled by policy kill switch")
	}
	if _, ok := e.allowed[asset]; !ok {
		return e.reject(agentID, asset, CheckAllowlist, fmt.Sprintf("asset %s not in allowlist", asset))
	}
	if amount.GreaterThan(e.limits.MaxTradeSize) {
		return e.reject(agentID, asset, CheckTradeSize, fmt.Sprintf(
			"trade size %s exceeds per-trade cap %s", amount.String(), e.limits.MaxTradeSize.String()))
	}

	now := e.now()
	volume := e.windowVolume(agentID, now)
	if volume.Add(amount).GreaterThan(e.limits.DailyVolumeLimit) {
		return e.reject(agentID, asset, CheckDailyVolume, fmt.Sprintf(
			"24h volume %s + %s exceeds daily limit %s",
			volume.String(), amount.String(), e.limits.DailyVolumeLimit.String()))
	}
	if e.windowCount(agentID, now) >= e.limits.MaxTradesPerHour {
		return e.reject(agentID, asset, CheckHourlyCap, fmt.Sprintf(
			"hourly trade cap %d reached", e.limits.MaxTradesPerHour))
	}

	return Decision{Allowed: true}
}

func (e *Engine) reject(agentID, asset, check, reason string) Decision {
	e.rejMu.Lock()
	e.rejections[check]++
	e.rejMu.Unlock()
	log.Debug().Str("agent", agentID).Str("asset", asset).Str("check", check).
		Str("reason", reason).Msg("Trade rejected by wallet policy")
	return Decision{Allowed: false, Reason: reason}
}

// Rejections returns the cumulative rejection count per check.
func (e *Engine) Rejections() map[string]int64 {
	e.rejMu.Lock()
	defer e.rejMu.Unlock()
	out := make(map[string]int64, len(e.rejections))
	for check, count := range e.rejections {
		out[check] = count
	}
	return out
}

// Record appends an accepted trade to the actor's ledger and prunes entries
// older than the volume window. The ledger never retains entries older than
// the window it is queried against.
func (e *Engine) Record(agentID, asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	ledger := append(e.ledgers[agentID], TradeRecord{
		Timestamp: now,
		Amount:    amount,
		Asset:     asset,
	})

	cutoff := now.Add(-VolumeWindow)
	pruned := ledger[:0]
	for _, rec := range ledger {
		if rec.Timestamp.After(cutoff) {
			pruned = append(pruned, rec)
		}
	}
	e.ledgers[agentID] = pruned

	log.Info().Str("agent", agentID).Str("asset", asset).
		Str("amount", amount.String()).Int("ledger_size", len(pruned)).
		Msg("Trade recorded in wallet ledger")
}

// Stats returns the windowed aggregates for one actor.
func (e *Engine) Stats(agentID string) ActorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	stats := ActorStats{
		AgentID:        agentID,
		TradesLastHour: e.windowCount(agentID, now),
		VolumeLast24h:  e.windowVolume(agentID, now),
		LedgerSize:     len(e.ledgers[agentID]),
	}
	if ledger := e.ledgers[agentID]; len(ledger) > 0 {
		oldest := ledger[0].Timestamp
		stats.OldestEntry = &oldest
	}
	return stats
}

// windowVolume sums ledger amounts within the trailing 24h window.
// An actor with no history sums to zero and passes trivially.
func (e *Engine) windowVolume(agentID string, now time.Time) decimal.Decimal {
	cutoff := now.Add(-VolumeWindow)
	total := decimal.Zero
	for _, rec := range e.ledgers[agentID] {
		if rec.Timestamp.After(cutoff) {
			total = total.Add(rec.Amount)
		}
	}
	return total
}

// windowCount counts ledger entries within the trailing 1h window.
func (e *Engine) windowCount(agentID string, now time.Time) int {
	cutoff := now.Add(-FrequencyWindow)
	count := 0
	for _, rec := range e.ledgers[agentID] {
		if rec.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}
