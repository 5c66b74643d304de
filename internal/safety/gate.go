// Package safety guards every external call made during a trading round:
// hard timeouts on decision and execution calls, a global emergency halt,
// venue failure tracking, and market data freshness checks. Nothing in this
// package raises an error past its boundary; every failure path resolves to
// a typed result plus a counter.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeoutKind names the three guarded operation classes.
type TimeoutKind string

const (
	TimeoutDecision  TimeoutKind = "decision"
	TimeoutExecution TimeoutKind = "execution"
	TimeoutRound     TimeoutKind = "round"
)

// Timeouts holds per-kind deadlines.
type Timeouts struct {
	Decision  time.Duration `yaml:"decision"`
	Execution time.Duration `yaml:"execution"`
	Round     time.Duration `yaml:"round"`
}

// DefaultTimeouts returns the production deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Decision:  30 * time.Second,
		Execution: 15 * time.Second,
		Round:     4 * time.Minute,
	}
}

const roundTimeoutHaltDuration = 15 * time.Minute

// Config configures the gate.
type Config struct {
	Timeouts               Timeouts `yaml:"timeouts"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	VenueName              string   `yaml:"venue_name"`
}

// DefaultConfig returns production gate settings.
func DefaultConfig() Config {
	return Config{
		Timeouts:               DefaultTimeouts(),
		MaxConsecutiveFailures: 3,
		VenueName:              "jupiter",
	}
}

// Outcome reports how a guarded call ended. On timeout the caller substitutes
// its safe default (for decisions: a zero-confidence hold).
type Outcome struct {
	TimedOut bool
	Err      error
}

// Gate is the production hardening layer checked before and during every round.
type Gate struct {
	cfg       Config
	emergency *Emergency
	venue     *VenueMonitor

	mu                       sync.Mutex
	timeoutCounts            map[TimeoutKind]int64
	callCounts               map[TimeoutKind]int64
	decisionTimeoutsByAgent  map[string]int64
	consecutiveRoundTimeouts int
	consecutiveFailures      int
	lastSuccess              time.Time

	// Market data freshness tracking
	lastFetchAt  time.Time
	realFraction float64
	staleFetches int64

	now func() time.Time
}

// NewGate creates a safety gate with its own emergency switch and venue monitor.
func NewGate(cfg Config) *Gate {
	if cfg.Timeouts.Decision <= 0 {
		cfg.Timeouts.Decision = DefaultTimeouts().Decision
	}
	if cfg.Timeouts.Execution <= 0 {
		cfg.Timeouts.Execution = DefaultTimeouts().Execution
	}
	if cfg.Timeouts.Round <= 0 {
		cfg.Timeouts.Round = DefaultTimeouts().Round
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.VenueName == "" {
		cfg.VenueName = "jupiter"
	}

	g := &Gate{
		cfg:                     cfg,
		emergency:               NewEmergency(),
		timeoutCounts:           make(map[TimeoutKind]int64),
		callCounts:              make(map[TimeoutKind]int64),
		decisionTimeoutsByAgent: make(map[string]int64),
		now:                     time.Now,
	}
	g.venue = NewVenueMonitor(cfg.VenueName, g.emergency)
	return g
}

// Emergency exposes the halt switch for operators and the HTTP surface.
func (g *Gate) Emergency() *Emergency { return g.emergency }

// Venue exposes the execution venue monitor.
func (g *Gate) Venue() *VenueMonitor { return g.venue }

// TradingHalted reports the halt state, applying auto-resume expiry.
func (g *Gate) TradingHalted() bool { return g.emergency.Halted() }

func (g *Gate) timeoutFor(kind TimeoutKind) time.Duration {
	switch kind {
	case TimeoutDecision:
		return g.cfg.Timeouts.Decision
	case TimeoutExecution:
		return g.cfg.Timeouts.Execution
	default:
		return g.cfg.Timeouts.Round
	}
}

// WithTimeout races fn against the kind's deadline. The derived context is
// cancelled on timeout so a context-aware operation stops its work; an
// operation that ignores its context keeps running in a goroutine that is
// abandoned, which can duplicate remote work. Callers substitute a safe
// default on timeout instead of receiving an error.
func (g *Gate) WithTimeout(ctx context.Context, kind TimeoutKind, label string, fn func(context.Context) error, override ...time.Duration) Outcome {
	timeout := g.timeoutFor(kind)
	if len(override) > 0 && override[0] > 0 {
		timeout = override[0]
	}

	g.mu.Lock()
	g.callCounts[kind]++
	g.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(opCtx)
	}()

	select {
	case err := <-done:
		if kind == TimeoutRound {
			g.mu.Lock()
			g.consecutiveRoundTimeouts = 0
			g.mu.Unlock()
		}
		return Outcome{Err: err}
	case <-opCtx.Done():
		if ctx.Err() != nil {
			// The caller's context ended, not this budget. A cancelled
			// operation must not count against the timeout taxonomy.
			return Outcome{Err: ctx.Err()}
		}
		g.recordTimeout(kind, label, timeout)
		return Outcome{TimedOut: true, Err: opCtx.Err()}
	}
}

func (g *Gate) recordTimeout(kind TimeoutKind, label string, timeout time.Duration) {
	g.mu.Lock()
	g.timeoutCounts[kind]++
	if kind == TimeoutDecision && label != "" {
		g.decisionTimeoutsByAgent[label]++
	}
	var roundTimeouts int
	if kind == TimeoutRound {
		g.consecutiveRoundTimeouts++
		roundTimeouts = g.consecutiveRoundTimeouts
	}
	g.mu.Unlock()

	log.Warn().Str("kind", string(kind)).Str("label", label).
		Dur("timeout", timeout).Msg("Guarded operation timed out")

	if kind == TimeoutRound && roundTimeouts >= g.cfg.MaxConsecutiveFailures {
		g.emergency.Halt("system", "consecutive round timeouts", roundTimeoutHaltDuration)
	}
}

// RecordRoundResult feeds round success/failure back into the gate.
func (g *Gate) RecordRoundResult(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if success {
		g.consecutiveFailures = 0
		g.lastSuccess = g.now()
	} else {
		g.consecutiveFailures++
	}
}

// ConsecutiveFailures returns the current consecutive round failure count.
func (g *Gate) ConsecutiveFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveFailures
}

// StaleFetches returns the cumulative failed freshness check count.
func (g *Gate) StaleFetches() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.staleFetches
}

// TimeoutCount returns the total timeouts observed for a kind.
func (g *Gate) TimeoutCount(kind TimeoutKind) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeoutCounts[kind]
}

// DecisionTimeoutRate returns timed-out decisions over total decision calls.
func (g *Gate) DecisionTimeoutRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	calls := g.callCounts[TimeoutDecision]
	if calls == 0 {
		return 0
	}
	return float64(g.timeoutCounts[TimeoutDecision]) / float64(calls)
}
