package trading

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moltapp/tradeloop/internal/risk"
)

// PaperExecutor fills trades instantly without touching a venue. Used in
// dry-run mode so the whole pipeline can be exercised against a live ledger
// lookup or a stub.
type PaperExecutor struct {
	mu    sync.Mutex
	fills int64
}

// NewPaperExecutor returns a venue-free executor.
func NewPaperExecutor() *PaperExecutor { return &PaperExecutor{} }

// Execute fabricates a fill at the quoted amount. The signature is synthetic
// and will never confirm on a real ledger; pair this with a stub lookup.
func (p *PaperExecutor) Execute(ctx context.Context, agentID string, dec Decision) (*ExecutionResult, error) {
	p.mu.Lock()
	p.fills++
	p.mu.Unlock()

	sig := "paper-" + uuid.NewString()
	log.Info().Str("agent", agentID).Str("action", dec.Action).
		Str("symbol", dec.Symbol).Float64("amount_usd", dec.AmountUSD).
		Str("signature", sig).Msg("Paper fill")
	return &ExecutionResult{
		Signature:    sig,
		QuotedOutput: dec.AmountUSD,
		ActualOutput: dec.AmountUSD,
	}, nil
}

// Fills returns the number of paper fills so far.
func (p *PaperExecutor) Fills() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fills
}

// HoldProvider always holds. It is the decision provider of last resort:
// wiring it in keeps the scheduler, gate, and risk paths live with zero
// market exposure.
type HoldProvider struct{}

func (HoldProvider) Decide(ctx context.Context, agentID string, snap risk.Snapshot) (*Decision, error) {
	return &Decision{Action: "hold", Confidence: 1, Reasoning: "hold-only provider"}, nil
}

// StaticPortfolio serves a fixed cash-only snapshot per actor. Dry-run
// stand-in for the real position store.
type StaticPortfolio struct {
	CashUSD float64
}

func (s StaticPortfolio) Snapshot(ctx context.Context, agentID string) (*risk.Snapshot, error) {
	return &risk.Snapshot{
		AgentID:    agentID,
		TotalValue: s.CashUSD,
		CashValue:  s.CashUSD,
	}, nil
}
