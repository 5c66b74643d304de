package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Commitment is a ledger durability tier, ordered least to most durable.
type Commitment int

const (
	CommitmentProcessed Commitment = iota
	CommitmentConfirmed
	CommitmentFinalized
)

func (c Commitment) String() string {
	switch c {
	case CommitmentProcessed:
		return "processed"
	case CommitmentConfirmed:
		return "confirmed"
	case CommitmentFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ParseCommitment maps a ledger status string to a commitment level.
func ParseCommitment(s string) (Commitment, bool) {
	switch s {
	case "processed":
		return CommitmentProcessed, true
	case "confirmed":
		return CommitmentConfirmed, true
	case "finalized":
		return CommitmentFinalized, true
	default:
		return CommitmentProcessed, false
	}
}

// AtLeast reports whether c satisfies the requested level.
func (c Commitment) AtLeast(want Commitment) bool { return c >= want }

// TxStatus is the ledger's view of a submitted transaction. Found is false
// while the ledger has not yet observed the signature.
type TxStatus struct {
	Found      bool
	Slot       uint64
	Commitment Commitment
	Err        string // on-chain execution error, empty when the transaction succeeded
}

// TxDetails is the expensive secondary lookup used only after confirmation.
type TxDetails struct {
	Slot         uint64
	BlockTime    time.Time
	Fee          uint64
	PreBalances  []uint64
	PostBalances []uint64
	LogMessages  []string
	Err          string
}

// StatusLookup resolves a transaction signature to its current ledger status.
type StatusLookup interface {
	SignatureStatus(ctx context.Context, signature string) (*TxStatus, error)
}

// DetailLookup fetches full transaction details (balances, fee, logs).
type DetailLookup interface {
	Transaction(ctx context.Context, signature string) (*TxDetails, error)
}

// Request asks for a signature to reach a commitment level within a deadline.
type Request struct {
	Signature  string
	Commitment Commitment
	Timeout    time.Duration // zero means DefaultTimeout
}

// Result reports how a confirmation attempt ended. Confirmed=true implies
// TimedOut=false and Commitment >= the requested level.
type Result struct {
	Signature    string        `json:"signature"`
	Confirmed    bool          `json:"confirmed"`
	Commitment   Commitment    `json:"commitment_reached"`
	Slot         uint64        `json:"slot"`
	TxErr        string        `json:"transaction_error,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	PollAttempts int           `json:"poll_attempts"`
	TimedOut     bool          `json:"timed_out"`
}

const (
	// DefaultTimeout bounds a single confirmation attempt.
	DefaultTimeout = 30 * time.Second

	initialPollInterval = 500 * time.Millisecond
	maxPollInterval     = 4 * time.Second
	pollBackoffFactor   = 1.5
)

// Engine polls the ledger until a transaction reaches the requested
// commitment level or the deadline expires. Transient lookup errors are
// treated as "not yet found", never as fatal.
type Engine struct {
	lookup  StatusLookup
	details DetailLookup
	limiter *rate.Limiter

	mu        sync.Mutex
	timeouts  int64
	polls     int64
	latencies []time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRateLimit bounds status-lookup QPS across all concurrent confirmations.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewEngine creates a confirmation engine. details may be nil if the caller
// never requests transaction details.
func NewEngine(lookup StatusLookup, details DetailLookup, opts ...Option) *Engine {
	e := &Engine{
		lookup:  lookup,
		details: details,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Confirm polls until the requested commitment level is reached or the
// deadline expires. It never returns an error: every failure mode resolves
// into the Result.
func (e *Engine) Confirm(ctx context.Context, req Request) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	res := Result{Signature: req.Signature}
	interval := initialPollInterval

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		if err := e.limiter.Wait(ctx); err != nil {
			res.Elapsed = time.Since(start)
			res.TimedOut = true
			e.recordTimeout(req, &res)
			return res
		}

		res.PollAttempts++
		status, err := e.lookup.SignatureStatus(ctx, req.Signature)
		if err != nil {
			// Transient lookup failure: keep polling until the deadline.
			log.Debug().Err(err).Str("signature", req.Signature).
				Int("attempt", res.PollAttempts).
				Msg("Signature status lookup failed, retrying")
		} else if status != nil && status.Found && status.Commitment.AtLeast(req.Commitment) {
			res.Confirmed = status.Err == ""
			res.Commitment = status.Commitment
			res.Slot = status.Slot
			res.TxErr = status.Err
			res.Elapsed = time.Since(start)
			e.recordResolved(&res)
			log.Info().Str("signature", req.Signature).
				Str("commitment", status.Commitment.String()).
				Uint64("slot", status.Slot).
				Bool("confirmed", res.Confirmed).
				Int("attempts", res.PollAttempts).
				Dur("elapsed", res.Elapsed).
				Msg("Transaction confirmation resolved")
			return res
		}

		if time.Since(start)+interval > timeout {
			res.Elapsed = time.Since(start)
			res.TimedOut = true
			e.recordTimeout(req, &res)
			return res
		}

		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			res.TimedOut = true
			e.recordTimeout(req, &res)
			return res
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * pollBackoffFactor)
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

func (e *Engine) recordResolved(res *Result) {
	e.mu.Lock()
	e.polls += int64(res.PollAttempts)
	e.latencies = append(e.latencies, res.Elapsed)
	e.mu.Unlock()
}

func (e *Engine) recordTimeout(req Request, res *Result) {
	e.mu.Lock()
	e.timeouts++
	e.polls += int64(res.PollAttempts)
	e.mu.Unlock()
	log.Warn().Str("signature", req.Signature).
		Str("commitment", req.Commitment.String()).
		Int("attempts", res.PollAttempts).
		Dur("elapsed", res.Elapsed).
		Msg("Transaction confirmation timed out")
}

// Timeouts returns the number of confirmation timeouts observed so far.
func (e *Engine) Timeouts() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeouts
}

// Polls returns the cumulative status polls issued across all confirmations.
func (e *Engine) Polls() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polls
}

// TakeLatencies drains the resolution latencies buffered since the last call.
func (e *Engine) TakeLatencies() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.latencies
	e.latencies = nil
	return out
}

// ConfirmBatch runs requests concurrently and joins all results in request
// order. One transaction's failure never blocks or invalidates another's.
func (e *Engine) ConfirmBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i] = e.Confirm(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

// TransactionDetails fetches the secondary lookup for a confirmed
// transaction. Returns nil rather than erroring on any failure.
func (e *Engine) TransactionDetails(ctx context.Context, signature string) *TxDetails {
	if e.details == nil {
		return nil
	}
	details, err := e.details.Transaction(ctx, signature)
	if err != nil {
		log.Warn().Err(err).Str("signature", signature).
			Msg("Transaction detail lookup failed")
		return nil
	}
	return details
}
