// Package runner drives the autonomous trading loop: on a timer or on demand
// it checks the safety gate, executes one round through the orchestrator, and
// records the outcome. At most one round is ever in flight.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moltapp/tradeloop/internal/safety"
)

// Status is the scheduler lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusError    Status = "error" // auto-paused after repeated failures; Resume clears it
)

// Config controls scheduling behavior.
type Config struct {
	Interval               time.Duration `yaml:"interval"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	RunImmediately         bool          `yaml:"run_immediately"`
	EnableAnalytics        bool          `yaml:"enable_analytics"`
	RespectMarketHours     bool          `yaml:"respect_market_hours"`
}

// DefaultConfig returns production scheduling defaults.
func DefaultConfig() Config {
	return Config{
		Interval:               30 * time.Minute,
		MaxConsecutiveFailures: 3,
		EnableAnalytics:        true,
	}
}

// ActorDecision is one actor's outcome within a round.
type ActorDecision struct {
	AgentID   string  `json:"agent_id"`
	Action    string  `json:"action"`
	Symbol    string  `json:"symbol,omitempty"`
	AmountUSD float64 `json:"amount_usd,omitempty"`
	Executed  bool    `json:"executed"`
	Detail    string  `json:"detail,omitempty"`
}

// RoundOutcome is what the orchestrator produced for one round.
type RoundOutcome struct {
	Decisions []ActorDecision `json:"decisions"`
	Errors    []string        `json:"errors,omitempty"`
}

// Orchestrator runs the per-actor decision/execution flow for one round.
type Orchestrator interface {
	RunRound(ctx context.Context, roundID string) (*RoundOutcome, error)
}

// HistoryEntry is one completed round in the bounded history.
type HistoryEntry struct {
	RoundID     string          `json:"round_id"`
	Trigger     string          `json:"trigger"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
	Success     bool            `json:"success"`
	Decisions   []ActorDecision `json:"decisions,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
}

// historyCapacity bounds round history; the oldest entry is evicted.
const historyCapacity = 100

// StatusReport snapshots the runner for dashboards.
type StatusReport struct {
	Status              Status     `json:"status"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	LastRoundAt         *time.Time `json:"last_round_at,omitempty"`
	NextScheduledAt     *time.Time `json:"next_scheduled_at,omitempty"`
	TotalRounds         int64      `json:"total_rounds"`
	Succeeded           int64      `json:"succeeded"`
	Failed              int64      `json:"failed"`
	Skipped             int64      `json:"skipped"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CurrentRoundID      string     `json:"current_round_id,omitempty"`
	PauseReason         string     `json:"pause_reason,omitempty"`
}

// HistoryFilter selects entries from the round history.
type HistoryFilter struct {
	Limit   int
	Success *bool
}

// AnalyticsHook is a best-effort post-round callback. Failures are logged and
// swallowed, never fail the round.
type AnalyticsHook func(HistoryEntry)

// ErrRoundInFlight is returned when a manual trigger finds a round running.
var ErrRoundInFlight = errors.New("a round is already in flight")

// ErrAlreadyStarted is returned when Start is called on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Runner is the round scheduler. currentRoundID is the system's only
// mutual-exclusion primitive: non-empty iff a round is in flight.
type Runner struct {
	cfg       Config
	gate      *safety.Gate
	orch      Orchestrator
	analytics []AnalyticsHook

	mu                  sync.Mutex
	status              Status
	startedAt           time.Time
	lastRoundAt         time.Time
	nextScheduledAt     time.Time
	totalRounds         int64
	succeeded           int64
	failed              int64
	skipped             int64
	consecutiveFailures int
	currentRoundID      string
	pauseReason         string
	history             []HistoryEntry

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wakeCh     chan struct{}

	now func() time.Time
}

// New creates a runner. The orchestrator is the external collaborator that
// performs decisions and executions for every registered actor.
func New(cfg Config, gate *safety.Gate, orch Orchestrator) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig().MaxConsecutiveFailures
	}
	return &Runner{
		cfg:    cfg,
		gate:   gate,
		orch:   orch,
		status: StatusIdle,
		wakeCh: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// AddAnalyticsHook registers a best-effort post-round callback.
func (r *Runner) AddAnalyticsHook(hook AnalyticsHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analytics = append(r.analytics, hook)
}

// Start launches the scheduling loop.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.loopCancel != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.loopCtx = ctx
	r.loopCancel = cancel
	r.status = StatusIdle
	r.startedAt = r.now()
	r.nextScheduledAt = r.startedAt.Add(r.cfg.Interval)
	interval := r.cfg.Interval
	r.mu.Unlock()

	log.Info().Dur("interval", interval).
		Bool("run_immediately", r.cfg.RunImmediately).
		Bool("respect_market_hours", r.cfg.RespectMarketHours).
		Msg("Round scheduler starting")

	if r.cfg.RunImmediately {
		time.AfterFunc(100*time.Millisecond, func() {
			if ctx.Err() != nil {
				return
			}
			r.executeRound(ctx, "immediate")
		})
	}

	go r.loop(ctx)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	for {
		r.mu.Lock()
		interval := r.cfg.Interval
		paused := r.status == StatusPaused || r.status == StatusError
		if !paused {
			r.nextScheduledAt = r.now().Add(interval)
		}
		r.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return
			case <-r.wakeCh:
				continue
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wakeCh:
			timer.Stop()
			continue
		case <-timer.C:
			r.executeRound(ctx, "scheduled")
		}
	}
}

// wake nudges the loop to re-read its state immediately.
func (r *Runner) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Stop cancels the timer. If a round is in flight the runner transitions to
// stopping and resolves to idle only once that round's completion handler
// runs; the round itself is never aborted.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.loopCancel != nil {
		r.loopCancel()
		r.loopCancel = nil
	}
	r.nextScheduledAt = time.Time{}
	if r.currentRoundID != "" {
		r.status = StatusStopping
		log.Info().Str("round_id", r.currentRoundID).Msg("Scheduler stopping, waiting for in-flight round")
	} else {
		r.status = StatusIdle
		log.Info().Msg("Scheduler stopped")
	}
	r.mu.Unlock()
}

// Pause suspends automatic ticks until Resume.
func (r *Runner) Pause(reason string) {
	r.mu.Lock()
	r.status = StatusPaused
	r.pauseReason = reason
	r.nextScheduledAt = time.Time{}
	r.mu.Unlock()
	r.wake()
	log.Warn().Str("reason", reason).Msg("Scheduler paused")
}

// Resume reinstalls the timer and resets the consecutive failure count. It
// clears both an operator pause and the error state entered on failure
// auto-pause.
func (r *Runner) Resume() {
	r.mu.Lock()
	if r.status == StatusPaused || r.status == StatusError {
		r.status = StatusIdle
		r.pauseReason = ""
		r.consecutiveFailures = 0
	}
	r.mu.Unlock()
	r.wake()
	log.Info().Msg("Scheduler resumed")
}

// TriggerManualRound runs one round immediately. Rejected, not queued, when a
// round is already in flight.
func (r *Runner) TriggerManualRound(ctx context.Context) error {
	r.mu.Lock()
	if r.currentRoundID != "" {
		r.mu.Unlock()
		return ErrRoundInFlight
	}
	r.mu.Unlock()
	r.executeRound(ctx, "manual")
	return nil
}

// TriggerManualRoundAsync starts one round in the background, detached from
// the caller's lifetime. An operator disconnect or request deadline must
// never abort an in-flight round. Rejected, not queued, when a round is
// already running.
func (r *Runner) TriggerManualRoundAsync() error {
	r.mu.Lock()
	if r.currentRoundID != "" {
		r.mu.Unlock()
		return ErrRoundInFlight
	}
	r.mu.Unlock()
	go r.executeRound(context.Background(), "manual")
	return nil
}

// executeRound is the guarded, idempotent-to-call tick procedure. Skips are
// counted, not errors. No code path may leave currentRoundID set.
func (r *Runner) executeRound(ctx context.Context, trigger string) {
	r.mu.Lock()
	switch {
	case r.currentRoundID != "":
		r.skip("round already in flight", trigger)
		return
	case r.status == StatusPaused || r.status == StatusStopping || r.status == StatusError:
		r.skip("scheduler "+string(r.status), trigger)
		return
	}
	if r.consecutiveFailures >= r.cfg.MaxConsecutiveFailures {
		reason := fmt.Sprintf("auto-paused after %d consecutive failures", r.consecutiveFailures)
		r.status = StatusError
		r.pauseReason = reason
		r.nextScheduledAt = time.Time{}
		r.mu.Unlock()
		r.wake()
		log.Error().Str("reason", reason).Msg("Scheduler refusing to start new rounds")
		return
	}
	r.mu.Unlock()

	// Gate and market-hours checks happen outside the runner lock: the gate
	// read can perform an auto-resume transition.
	if r.gate.TradingHalted() {
		r.mu.Lock()
		r.skip("trading halted", trigger)
		return
	}
	if r.cfg.RespectMarketHours && !marketOpen(r.now()) {
		r.mu.Lock()
		r.skip("market closed", trigger)
		return
	}

	r.mu.Lock()
	if r.currentRoundID != "" { // re-check after the unlocked gate reads
		r.skip("round already in flight", trigger)
		return
	}
	roundID := uuid.NewString()
	r.currentRoundID = roundID
	r.status = StatusRunning
	startedAt := r.now()
	r.mu.Unlock()

	log.Info().Str("round_id", roundID).Str("trigger", trigger).Msg("Trading round started")

	var (
		outcome  *RoundOutcome
		roundErr error
	)
	// The completion handler always runs, for every exit path including
	// panics: this is the exception-safety contract around currentRoundID.
	defer func() {
		if p := recover(); p != nil {
			roundErr = fmt.Errorf("round panicked: %v", p)
		}
		r.completeRound(roundID, trigger, startedAt, outcome, roundErr)
	}()

	res := r.gate.WithTimeout(ctx, safety.TimeoutRound, trigger, func(opCtx context.Context) error {
		out, err := r.orch.RunRound(opCtx, roundID)
		outcome = out
		return err
	})
	roundErr = res.Err
	if res.TimedOut {
		roundErr = fmt.Errorf("round timed out: %w", res.Err)
	}
}

// skip counts a skipped tick and releases the lock held by the caller.
func (r *Runner) skip(reason, trigger string) {
	r.skipped++
	r.mu.Unlock()
	log.Info().Str("reason", reason).Str("trigger", trigger).Msg("Round skipped")
}

func (r *Runner) completeRound(roundID, trigger string, startedAt time.Time, outcome *RoundOutcome, roundErr error) {
	completedAt := r.now()
	entry := HistoryEntry{
		RoundID:     roundID,
		Trigger:     trigger,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     roundErr == nil,
	}
	if outcome != nil {
		entry.Decisions = outcome.Decisions
		entry.Errors = outcome.Errors
	}
	if roundErr != nil {
		entry.Errors = append(entry.Errors, roundErr.Error())
	}

	r.mu.Lock()
	r.currentRoundID = ""
	r.lastRoundAt = completedAt
	r.totalRounds++
	if entry.Success {
		r.succeeded++
		r.consecutiveFailures = 0
	} else {
		r.failed++
		r.consecutiveFailures++
	}
	r.history = append(r.history, entry)
	if len(r.history) > historyCapacity {
		r.history = r.history[len(r.history)-historyCapacity:]
	}
	switch r.status {
	case StatusStopping, StatusRunning:
		r.status = StatusIdle
	}
	hooks := r.analytics
	enableAnalytics := r.cfg.EnableAnalytics
	r.mu.Unlock()

	r.gate.RecordRoundResult(entry.Success)

	event := log.Info()
	if !entry.Success {
		event = log.Error().Strs("errors", entry.Errors)
	}
	event.Str("round_id", roundID).Bool("success", entry.Success).
		Dur("duration", entry.Duration).Msg("Trading round completed")

	if enableAnalytics {
		for _, hook := range hooks {
			r.runHook(hook, entry)
		}
	}
}

// runHook isolates analytics callbacks; a panicking hook never fails a round.
func (r *Runner) runHook(hook AnalyticsHook, entry HistoryEntry) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn().Interface("panic", p).Msg("Analytics hook failed, ignoring")
		}
	}()
	hook(entry)
}

// Status snapshots the runner state.
func (r *Runner) Status() StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := StatusReport{
		Status:              r.status,
		TotalRounds:         r.totalRounds,
		Succeeded:           r.succeeded,
		Failed:              r.failed,
		Skipped:             r.skipped,
		ConsecutiveFailures: r.consecutiveFailures,
		CurrentRoundID:      r.currentRoundID,
		PauseReason:         r.pauseReason,
	}
	if !r.startedAt.IsZero() {
		at := r.startedAt
		report.StartedAt = &at
	}
	if !r.lastRoundAt.IsZero() {
		at := r.lastRoundAt
		report.LastRoundAt = &at
	}
	if !r.nextScheduledAt.IsZero() {
		at := r.nextScheduledAt
		report.NextScheduledAt = &at
	}
	return report
}

// History returns matching entries, newest first.
func (r *Runner) History(filter HistoryFilter) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]HistoryEntry, 0, len(r.history))
	for i := len(r.history) - 1; i >= 0; i-- {
		entry := r.history[i]
		if filter.Success != nil && entry.Success != *filter.Success {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}
