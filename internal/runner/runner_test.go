package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltapp/tradeloop/internal/safety"
)

// scriptedOrchestrator returns queued results; the last one repeats.
type scriptedOrchestrator struct {
	mu        sync.Mutex
	results   []error
	calls     int
	block     chan struct{} // when set, RunRound blocks until closed
	ignoreCtx bool          // block without watching ctx, forcing the gate timeout
	panics    bool
}

func (o *scriptedOrchestrator) RunRound(ctx context.Context, roundID string) (*RoundOutcome, error) {
	o.mu.Lock()
	idx := o.calls
	o.calls++
	block := o.block
	ignoreCtx := o.ignoreCtx
	panics := o.panics
	o.mu.Unlock()

	if panics {
		panic("orchestrator exploded")
	}
	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.results) == 0 {
		return &RoundOutcome{}, nil
	}
	if idx >= len(o.results) {
		idx = len(o.results) - 1
	}
	if err := o.results[idx]; err != nil {
		return nil, err
	}
	return &RoundOutcome{Decisions: []ActorDecision{{AgentID: "a1", Action: "hold"}}}, nil
}

func (o *scriptedOrchestrator) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func testGate() *safety.Gate {
	return safety.NewGate(safety.Config{
		Timeouts: safety.Timeouts{
			Decision:  time.Second,
			Execution: time.Second,
			Round:     time.Second,
		},
		MaxConsecutiveFailures: 3,
	})
}

func newTestRunner(orch Orchestrator, cfg Config) *Runner {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour // tests drive rounds manually
	}
	return New(cfg, testGate(), orch)
}

func TestTriggerManualRound_Succeeds(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{})

	require.NoError(t, r.TriggerManualRound(context.Background()))

	status := r.Status()
	assert.Equal(t, int64(1), status.TotalRounds)
	assert.Equal(t, int64(1), status.Succeeded)
	assert.Empty(t, status.CurrentRoundID, "mutual-exclusion flag cleared after completion")
	assert.Equal(t, StatusIdle, status.Status)

	history := r.History(HistoryFilter{})
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, "manual", history[0].Trigger)
	assert.NotEmpty(t, history[0].RoundID)
}

func TestTriggerManualRound_RejectedWhileInFlight(t *testing.T) {
	block := make(chan struct{})
	orch := &scriptedOrchestrator{block: block}
	r := newTestRunner(orch, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.TriggerManualRound(context.Background())
	}()

	// Wait until the round is actually in flight.
	require.Eventually(t, func() bool {
		return r.Status().CurrentRoundID != ""
	}, time.Second, 5*time.Millisecond)

	err := r.TriggerManualRound(context.Background())
	assert.ErrorIs(t, err, ErrRoundInFlight)

	close(block)
	<-done
	assert.Empty(t, r.Status().CurrentRoundID)
}

func TestExecuteRound_FailureCountsAndAutoPause(t *testing.T) {
	orch := &scriptedOrchestrator{results: []error{errors.New("boom")}}
	r := newTestRunner(orch, Config{MaxConsecutiveFailures: 3})

	for i := 0; i < 3; i++ {
		require.NoError(t, r.TriggerManualRound(context.Background()))
	}
	status := r.Status()
	assert.Equal(t, int64(3), status.Failed)
	assert.Equal(t, 3, status.ConsecutiveFailures)

	// The next tick refuses to run and pauses instead.
	r.executeRound(context.Background(), "scheduled")
	status = r.Status()
	assert.Equal(t, StatusError, status.Status)
	assert.Contains(t, status.PauseReason, "consecutive failures")
	assert.Equal(t, int64(3), status.TotalRounds, "no new round was run")
	assert.Nil(t, status.NextScheduledAt)
}

func TestResume_ResetsConsecutiveFailures(t *testing.T) {
	orch := &scriptedOrchestrator{results: []error{errors.New("boom")}}
	r := newTestRunner(orch, Config{MaxConsecutiveFailures: 2})

	r.TriggerManualRound(context.Background())
	r.TriggerManualRound(context.Background())
	r.executeRound(context.Background(), "scheduled")
	require.Equal(t, StatusError, r.Status().Status)

	r.Resume()
	status := r.Status()
	assert.Equal(t, StatusIdle, status.Status)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.PauseReason)
}

func TestExecuteRound_SkipsWhenHalted(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{})

	r.gate.Emergency().Halt("operator", "drill", 0)
	r.executeRound(context.Background(), "scheduled")

	status := r.Status()
	assert.Equal(t, int64(1), status.Skipped)
	assert.Equal(t, int64(0), status.TotalRounds)
	assert.Equal(t, 0, orch.callCount())
}

func TestExecuteRound_PanicStillClearsRound(t *testing.T) {
	orch := &scriptedOrchestrator{panics: true}
	r := newTestRunner(orch, Config{})

	require.NoError(t, r.TriggerManualRound(context.Background()))

	status := r.Status()
	assert.Empty(t, status.CurrentRoundID, "flag cleared even on panic")
	assert.Equal(t, int64(1), status.Failed)

	history := r.History(HistoryFilter{})
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	require.NotEmpty(t, history[0].Errors)
	assert.Contains(t, history[0].Errors[0], "panicked")
}

func TestExecuteRound_TimeoutIsFailure(t *testing.T) {
	block := make(chan struct{}) // closed after the round hits the 1s gate timeout
	defer close(block)
	orch := &scriptedOrchestrator{block: block, ignoreCtx: true}
	r := newTestRunner(orch, Config{})

	require.NoError(t, r.TriggerManualRound(context.Background()))

	status := r.Status()
	assert.Equal(t, int64(1), status.Failed)
	assert.Empty(t, status.CurrentRoundID)

	history := r.History(HistoryFilter{})
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Errors[0], "timed out")
}

func TestStop_GracefulWithInFlightRound(t *testing.T) {
	block := make(chan struct{})
	orch := &scriptedOrchestrator{block: block}
	r := newTestRunner(orch, Config{})
	require.NoError(t, r.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.TriggerManualRound(context.Background())
	}()
	require.Eventually(t, func() bool {
		return r.Status().CurrentRoundID != ""
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	assert.Equal(t, StatusStopping, r.Status().Status, "in-flight round is not aborted")

	close(block)
	<-done
	assert.Equal(t, StatusIdle, r.Status().Status, "resolved to idle once the round completed")
}

func TestStart_RunImmediately(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{RunImmediately: true, Interval: time.Hour})
	require.NoError(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Status().TotalRounds == 1
	}, time.Second, 10*time.Millisecond, "immediate round fires ~100ms after start")
}

func TestStop_BeforeImmediateRoundFires(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{RunImmediately: true, Interval: time.Hour})
	require.NoError(t, r.Start())
	r.Stop()

	// Past the 100ms arming delay: the pending immediate round must not run
	// against the cancelled loop context.
	time.Sleep(250 * time.Millisecond)
	status := r.Status()
	assert.Equal(t, int64(0), status.TotalRounds)
	assert.Equal(t, StatusIdle, status.Status)
}

func TestTriggerManualRoundAsync_DetachedAndExclusive(t *testing.T) {
	block := make(chan struct{})
	orch := &scriptedOrchestrator{block: block}
	r := newTestRunner(orch, Config{})

	require.NoError(t, r.TriggerManualRoundAsync())
	require.Eventually(t, func() bool {
		return r.Status().CurrentRoundID != ""
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, r.TriggerManualRoundAsync(), ErrRoundInFlight)

	close(block)
	require.Eventually(t, func() bool {
		return r.Status().Succeeded == 1
	}, time.Second, 5*time.Millisecond, "the detached round runs to completion")
	history := r.History(HistoryFilter{})
	require.Len(t, history, 1)
	assert.Equal(t, "manual", history[0].Trigger)
}

func TestStart_Twice(t *testing.T) {
	r := newTestRunner(&scriptedOrchestrator{}, Config{})
	require.NoError(t, r.Start())
	defer r.Stop()
	assert.ErrorIs(t, r.Start(), ErrAlreadyStarted)
}

func TestScheduledTicks(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{Interval: 30 * time.Millisecond})
	require.NoError(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Status().TotalRounds >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPause_StopsScheduledTicks(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{Interval: 20 * time.Millisecond})
	require.NoError(t, r.Start())
	defer r.Stop()

	r.Pause("maintenance")
	time.Sleep(50 * time.Millisecond) // let any armed timer drain
	base := r.Status().TotalRounds

	time.Sleep(100 * time.Millisecond)
	status := r.Status()
	assert.Equal(t, base, status.TotalRounds, "no ticks while paused")
	assert.Equal(t, StatusPaused, status.Status)
	assert.Nil(t, status.NextScheduledAt)
}

func TestMarketHours(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Wednesday 2026-01-07.
	assert.True(t, marketOpen(time.Date(2026, 1, 7, 9, 30, 0, 0, loc)))
	assert.True(t, marketOpen(time.Date(2026, 1, 7, 15, 59, 0, 0, loc)))
	assert.False(t, marketOpen(time.Date(2026, 1, 7, 16, 0, 0, 0, loc)))
	assert.False(t, marketOpen(time.Date(2026, 1, 7, 9, 29, 0, 0, loc)))
	// Saturday.
	assert.False(t, marketOpen(time.Date(2026, 1, 10, 12, 0, 0, 0, loc)))
	// UTC instant inside the NY session.
	assert.True(t, marketOpen(time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)))
}

func TestExecuteRound_SkipsOutsideMarketHours(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{RespectMarketHours: true})

	loc, _ := time.LoadLocation("America/New_York")
	r.now = func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, loc) }

	r.executeRound(context.Background(), "scheduled")
	status := r.Status()
	assert.Equal(t, int64(1), status.Skipped)
	assert.Equal(t, 0, orch.callCount())
}

func TestHistory_BoundedAndFiltered(t *testing.T) {
	orch := &scriptedOrchestrator{results: []error{nil, errors.New("boom"), nil}}
	r := newTestRunner(orch, Config{MaxConsecutiveFailures: 100})

	for i := 0; i < historyCapacity+10; i++ {
		require.NoError(t, r.TriggerManualRound(context.Background()))
	}

	all := r.History(HistoryFilter{})
	assert.Len(t, all, historyCapacity, "history is bounded")

	limited := r.History(HistoryFilter{Limit: 5})
	assert.Len(t, limited, 5)
	assert.Equal(t, all[0].RoundID, limited[0].RoundID, "newest first")

	failed := false
	onlyFailed := r.History(HistoryFilter{Success: &failed})
	require.NotEmpty(t, onlyFailed)
	for _, entry := range onlyFailed {
		assert.False(t, entry.Success)
	}
}

func TestAnalyticsHookFailureIsSwallowed(t *testing.T) {
	orch := &scriptedOrchestrator{}
	r := newTestRunner(orch, Config{EnableAnalytics: true})

	var called bool
	r.AddAnalyticsHook(func(entry HistoryEntry) {
		called = true
		panic("analytics backend down")
	})

	require.NoError(t, r.TriggerManualRound(context.Background()))
	assert.True(t, called)
	assert.Equal(t, int64(1), r.Status().Succeeded, "hook panic never fails the round")
}
