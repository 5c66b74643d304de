// Package trading runs the per-actor flow inside one round: decide, admit,
// execute, confirm, then update risk tracking. Decision-making and execution
// are injected collaborators; everything between them is guarded here.
package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/moltapp/tradeloop/internal/confirm"
	"github.com/moltapp/tradeloop/internal/policy"
	"github.com/moltapp/tradeloop/internal/risk"
	"github.com/moltapp/tradeloop/internal/runner"
	"github.com/moltapp/tradeloop/internal/safety"
)

// Decision is a structured trading decision for one actor.
type Decision struct {
	Action     string  `json:"action"` // buy, sell, hold
	Symbol     string  `json:"symbol,omitempty"`
	AmountUSD  float64 `json:"amount_usd,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// holdDecision is the safe default substituted when a decision call times out.
func holdDecision(reason string) *Decision {
	return &Decision{Action: "hold", Confidence: 0, Reasoning: reason}
}

// ExecutionResult is what the venue reported for a submitted trade.
type ExecutionResult struct {
	Signature    string  `json:"signature"`
	QuotedOutput float64 `json:"quoted_output"`
	ActualOutput float64 `json:"actual_output,omitempty"`
}

// DecisionProvider produces a trading decision for one actor given its
// current portfolio.
type DecisionProvider interface {
	Decide(ctx context.Context, agentID string, snap risk.Snapshot) (*Decision, error)
}

// TradeExecutor submits a trade to the execution venue and returns the
// transaction identifier plus realized amounts.
type TradeExecutor interface {
	Execute(ctx context.Context, agentID string, dec Decision) (*ExecutionResult, error)
}

// PortfolioSource supplies per-actor portfolio snapshots.
type PortfolioSource interface {
	Snapshot(ctx context.Context, agentID string) (*risk.Snapshot, error)
}

// Config wires the orchestrator's tunables.
type Config struct {
	Agents     []string
	Commitment confirm.Commitment
}

// Orchestrator implements the round body. It holds no portfolio state of its
// own; per-actor decision history is kept only for round-trip detection.
type Orchestrator struct {
	cfg       Config
	gate      *safety.Gate
	policy    *policy.Engine
	confirmer *confirm.Engine
	slippage  *confirm.SlippageValidator
	risk      *risk.Monitor
	decider   DecisionProvider
	executor  TradeExecutor
	portfolio PortfolioSource

	mu     sync.Mutex
	recent map[string][]risk.DecisionRecord

	now func() time.Time
}

// NewOrchestrator assembles the round body from its collaborators.
func NewOrchestrator(
	cfg Config,
	gate *safety.Gate,
	policyEngine *policy.Engine,
	confirmer *confirm.Engine,
	slippage *confirm.SlippageValidator,
	riskMonitor *risk.Monitor,
	decider DecisionProvider,
	executor TradeExecutor,
	portfolio PortfolioSource,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		gate:      gate,
		policy:    policyEngine,
		confirmer: confirmer,
		slippage:  slippage,
		risk:      riskMonitor,
		decider:   decider,
		executor:  executor,
		portfolio: portfolio,
		recent:    make(map[string][]risk.DecisionRecord),
		now:       time.Now,
	}
}

// RunRound gives every registered actor one decision opportunity. Individual
// actor failures are collected into the outcome; the round itself fails only
// when every actor errored.
func (o *Orchestrator) RunRound(ctx context.Context, roundID string) (*runner.RoundOutcome, error) {
	outcome := &runner.RoundOutcome{}
	errored := 0

	for _, agentID := range o.cfg.Agents {
		decision, err := o.runActor(ctx, roundID, agentID)
		if err != nil {
			errored++
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", agentID, err))
		}
		if decision != nil {
			outcome.Decisions = append(outcome.Decisions, *decision)
		}
	}

	if len(o.cfg.Agents) > 0 && errored == len(o.cfg.Agents) {
		return outcome, fmt.Errorf("all %d actors failed", errored)
	}
	return outcome, nil
}

// runActor is the full flow for one actor: decision, admission check,
// execution, confirmation, risk update. Returning a nil decision means the
// actor produced nothing at all (snapshot failure).
func (o *Orchestrator) runActor(ctx context.Context, roundID, agentID string) (*runner.ActorDecision, error) {
	snap, err := o.portfolio.Snapshot(ctx, agentID)
	if err != nil {
		log.Error().Err(err).Str("agent", agentID).Str("round_id", roundID).
			Msg("Portfolio snapshot failed, skipping actor")
		return nil, fmt.Errorf("portfolio snapshot: %w", err)
	}

	decision := o.decide(ctx, agentID, *snap)
	o.rememberDecision(agentID, decision)

	actorDecision := &runner.ActorDecision{
		AgentID:   agentID,
		Action:    decision.Action,
		Symbol:    decision.Symbol,
		AmountUSD: decision.AmountUSD,
	}

	var actorErr error
	if decision.Action == "hold" {
		actorDecision.Detail = decision.Reasoning
	} else {
		actorErr = o.executeDecision(ctx, agentID, decision, actorDecision)
	}

	o.updateRisk(ctx, agentID, snap)
	return actorDecision, actorErr
}

// decide calls the decision provider under the decision timeout. Timeouts and
// errors both resolve to a zero-confidence hold, never an exception.
func (o *Orchestrator) decide(ctx context.Context, agentID string, snap risk.Snapshot) Decision {
	var decision *Decision
	res := o.gate.WithTimeout(ctx, safety.TimeoutDecision, agentID, func(opCtx context.Context) error {
		d, err := o.decider.Decide(opCtx, agentID, snap)
		decision = d
		return err
	})
	switch {
	case res.TimedOut:
		log.Warn().Str("agent", agentID).Msg("Decision call timed out, holding")
		return *holdDecision("decision timed out")
	case res.Err != nil:
		log.Warn().Err(res.Err).Str("agent", agentID).Msg("Decision call failed, holding")
		return *holdDecision("decision failed")
	case decision == nil:
		return *holdDecision("no decision returned")
	}
	return *decision
}

// executeDecision runs admission control, executes under the execution
// timeout, feeds venue success/failure into the gate, records the trade, and
// confirms it on chain.
func (o *Orchestrator) executeDecision(ctx context.Context, agentID string, decision Decision, out *runner.ActorDecision) error {
	amount := decimal.NewFromFloat(decision.AmountUSD)
	verdict := o.policy.Check(agentID, decision.Symbol, decision.Action, amount)
	if !verdict.Allowed {
		out.Detail = "rejected: " + verdict.Reason
		return nil
	}

	var execResult *ExecutionResult
	res := o.gate.WithTimeout(ctx, safety.TimeoutExecution, agentID, func(opCtx context.Context) error {
		r, err := o.executor.Execute(opCtx, agentID, decision)
		execResult = r
		return err
	})
	if res.TimedOut || res.Err != nil {
		o.gate.Venue().RecordFailure()
		out.Detail = "execution failed"
		if res.TimedOut {
			out.Detail = "execution timed out"
		}
		return fmt.Errorf("execute %s %s: %w", decision.Action, decision.Symbol, res.Err)
	}
	o.gate.Venue().RecordSuccess()
	o.policy.Record(agentID, decision.Symbol, amount)
	o.risk.RecordTrade(agentID)
	out.Executed = true

	if execResult == nil || execResult.Signature == "" {
		out.Detail = "executed, no signature returned"
		return nil
	}

	confirmation := o.confirmer.Confirm(ctx, confirm.Request{
		Signature:  execResult.Signature,
		Commitment: o.cfg.Commitment,
	})
	switch {
	case confirmation.TimedOut:
		out.Detail = fmt.Sprintf("confirmation timed out after %d polls", confirmation.PollAttempts)
	case !confirmation.Confirmed:
		out.Detail = "transaction failed on chain: " + confirmation.TxErr
	default:
		out.Detail = fmt.Sprintf("confirmed at %s, slot %d", confirmation.Commitment, confirmation.Slot)
		o.checkSlippage(agentID, execResult)
	}
	return nil
}

func (o *Orchestrator) checkSlippage(agentID string, exec *ExecutionResult) {
	actual := exec.ActualOutput
	if actual == 0 {
		// TODO: derive the realized output from the confirmed transaction's
		// balance deltas; until then a venue that omits ActualOutput is
		// compared against its own quote and can never violate.
		actual = exec.QuotedOutput
	}
	result := o.slippage.Validate(confirm.SlippageCheck{
		QuotedOutput: exec.QuotedOutput,
		ActualOutput: actual,
	})
	if !result.Acceptable {
		log.Warn().Str("agent", agentID).Str("signature", exec.Signature).
			Float64("slippage_bps", result.SlippageBps).
			Msg("Fill exceeded slippage tolerance")
	}
}

// rememberDecision keeps only what round-trip detection needs.
func (o *Orchestrator) rememberDecision(agentID string, decision Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	records := append(o.recent[agentID], risk.DecisionRecord{
		Action: decision.Action,
		Symbol: decision.Symbol,
		At:     o.now(),
	})
	if len(records) > recentDecisionCap {
		records = records[len(records)-recentDecisionCap:]
	}
	o.recent[agentID] = records
}

const recentDecisionCap = 3

func (o *Orchestrator) recentDecisions(agentID string) []risk.DecisionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]risk.DecisionRecord(nil), o.recent[agentID]...)
}

// updateRisk refreshes the snapshot post-trade and runs every check.
func (o *Orchestrator) updateRisk(ctx context.Context, agentID string, fallback *risk.Snapshot) {
	snap := fallback
	if fresh, err := o.portfolio.Snapshot(ctx, agentID); err == nil {
		snap = fresh
	}
	report := o.risk.RunChecks(risk.CheckParams{
		Snapshot:        *snap,
		RecentDecisions: o.recentDecisions(agentID),
		HourlyTradeCap:  o.policy.Limits().MaxTradesPerHour,
	})
	log.Debug().Str("agent", agentID).
		Float64("risk_score", report.Score.Overall).
		Str("risk_level", string(report.Score.Level)).
		Msg("Post-round risk checks complete")
}
