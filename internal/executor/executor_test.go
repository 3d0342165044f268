package executor

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowreflex/agentrun/internal/audit"
	"github.com/flowreflex/agentrun/internal/breaker"
	"github.com/flowreflex/agentrun/internal/budget"
	"github.com/flowreflex/agentrun/internal/killswitch"
	"github.com/flowreflex/agentrun/internal/observation"
	"github.com/flowreflex/agentrun/internal/tenant"
)

type fakeProvider struct {
	outcome RunOutcome
	err     error
	block   chan struct{}
}

func (f *fakeProvider) Run(ctx context.Context, rc RunContext) (RunOutcome, error) {
	if f.block != nil {
		<-f.block // ctx cancellation is ignored while blocked
	}
	return f.outcome, f.err
}

type fakeTimer struct {
	fire chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{fire: make(chan time.Time, 100)}
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	return f.fire
}

func newTestExecutor(provider RunProvider, timer Timer) (*Executor, *tenant.Store, *audit.MemorySink) {
	mem := audit.NewMemorySink(100)
	emitter := audit.NewEmitter(zap.NewNop(), mem)
	store := tenant.NewStore()
	return New(provider, store, budget.New(), killswitch.New(), emitter, func() string { return "fixed-run-id" }, timer, zap.NewNop()), store, mem
}

func runLimits() budget.Limits   { return budget.Limits{MaxRunsPerHour: 100, MaxTokensPerDay: 100000} }
func circuitCfg() breaker.Config { return breaker.Config{FailureThreshold: 3, CooldownMs: 1000} }
func execCfg() Config {
	return Config{RunTimeoutMs: 1000, RunTimeoutGraceMs: 500, RunTimeoutMaxLockHoldMs: 500, RunTimeoutChargeTokens: 7}
}

func TestExecuteSuccess(t *testing.T) {
	provider := &fakeProvider{outcome: RunOutcome{Success: true, TokensUsed: 10}}
	ex, _, mem := newTestExecutor(provider, newFakeTimer())

	res := ex.Execute(context.Background(), "t1", runLimits(), circuitCfg(), execCfg(), 0, observation.NormalizedObservation{})
	if !res.Ran || !res.Outcome.Success {
		t.Fatalf("expected successful run, got %+v", res)
	}

	events := mem.Recent()
	if len(events) != 2 || events[0].Type != "run_started" || events[1].Type != "run_completed" {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestExecuteBlockedByKillSwitch(t *testing.T) {
	provider := &fakeProvider{outcome: RunOutcome{Success: true}}
	ex, _, mem := newTestExecutor(provider, newFakeTimer())
	ex.kill.Trip()

	res := ex.Execute(context.Background(), "t1", runLimits(), circuitCfg(), execCfg(), 0, observation.NormalizedObservation{})
	if res.Ran || res.Blocked != BlockKillSwitch {
		t.Fatalf("expected kill-switch block, got %+v", res)
	}
	if len(mem.Recent()) != 1 || mem.Recent()[0].Type != "run_blocked_kill_switch" {
		t.Fatalf("expected single run_blocked_kill_switch event")
	}
}

func TestExecuteBlockedByBudget(t *testing.T) {
	provider := &fakeProvider{outcome: RunOutcome{Success: true}}
	ex, store, _ := newTestExecutor(provider, newFakeTimer())
	st := store.GetOrCreate("t1", 0)
	st.BeginRun(0)

	res := ex.Execute(context.Background(), "t1", budget.Limits{MaxRunsPerHour: 1, MaxTokensPerDay: 1000}, circuitCfg(), execCfg(), 10, observation.NormalizedObservation{})
	if res.Blocked != BlockBudget {
		t.Fatalf("expected budget block, got %+v", res)
	}
}

func TestExecuteBlockedByOpenCircuit(t *testing.T) {
	provider := &fakeProvider{outcome: RunOutcome{Success: true}}
	ex, store, _ := newTestExecutor(provider, newFakeTimer())
	st := store.GetOrCreate("t1", 0)
	for i := 0; i < 3; i++ {
		st.BeginRun(int64(i))
		st.EndRun(int64(i), false, 0, 3)
	}

	res := ex.Execute(context.Background(), "t1", runLimits(), circuitCfg(), execCfg(), 10, observation.NormalizedObservation{})
	if res.Blocked != BlockCircuitOpen {
		t.Fatalf("expected circuit-open block, got %+v", res)
	}
}

func TestExecuteTimeoutGraceForceReleases(t *testing.T) {
	block := make(chan struct{}) // never closed: provider ignores cancellation
	provider := &fakeProvider{block: block}
	timer := newFakeTimer()
	ex, _, mem := newTestExecutor(provider, timer)

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- ex.Execute(context.Background(), "t1", runLimits(), circuitCfg(), execCfg(), 0, observation.NormalizedObservation{})
	}()

	// fire the run timeout, then the grace timeout
	timer.fire <- time.Now()
	timer.fire <- time.Now()

	res := <-resultCh
	if !res.Ran || res.Outcome.Success {
		t.Fatalf("expected forced failure outcome, got %+v", res)
	}
	if res.Outcome.TokensUsed != 7 {
		t.Fatalf("expected grace charge applied, got %d", res.Outcome.TokensUsed)
	}

	events := mem.Recent()
	if events[len(events)-1].Type != "run_max_lock_hold_released" {
		t.Fatalf("expected max-lock-hold event, got %+v", events)
	}
	for _, e := range events {
		if e.Type == "run_error" {
			t.Fatalf("timeout path must emit exactly one terminal event (run_max_lock_hold_released), not also run_error: %+v", events)
		}
	}
}

// TestExecuteMaxLockHoldShorterThanGraceForcesEarlierRelease exercises a
// maxLockHold bound tighter than the grace period: the lock must be
// force-released at maxLockHold, not at the longer grace duration.
func TestExecuteMaxLockHoldShorterThanGraceForcesEarlierRelease(t *testing.T) {
	block := make(chan struct{}) // never closed: provider ignores cancellation
	provider := &fakeProvider{block: block}
	timer := newFakeTimer()
	ex, _, mem := newTestExecutor(provider, timer)

	cfg := Config{RunTimeoutMs: 1000, RunTimeoutGraceMs: 5000, RunTimeoutMaxLockHoldMs: 200, RunTimeoutChargeTokens: 9}

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- ex.Execute(context.Background(), "t1", runLimits(), circuitCfg(), cfg, 0, observation.NormalizedObservation{})
	}()

	// fire the run timeout, then the (shortened) hold-window timeout —
	// the fake timer fires both select arms off the same channel, so the
	// executor only ever needs these two signals regardless of which
	// duration was actually requested from e.timer.After.
	timer.fire <- time.Now()
	timer.fire <- time.Now()

	res := <-resultCh
	if !res.Ran || res.Outcome.Success {
		t.Fatalf("expected forced failure outcome, got %+v", res)
	}
	if res.Outcome.TokensUsed != 9 {
		t.Fatalf("expected max-lock-hold charge applied, got %d", res.Outcome.TokensUsed)
	}

	events := mem.Recent()
	if events[len(events)-1].Type != "run_max_lock_hold_released" {
		t.Fatalf("expected max-lock-hold event, got %+v", events)
	}
}

func TestExecuteCompletesWithinTimeout(t *testing.T) {
	block := make(chan struct{})
	close(block) // provider returns immediately
	provider := &fakeProvider{block: block, outcome: RunOutcome{Success: true, TokensUsed: 3}}
	timer := newFakeTimer()
	ex, _, _ := newTestExecutor(provider, timer)

	res := ex.Execute(context.Background(), "t1", runLimits(), circuitCfg(), execCfg(), 0, observation.NormalizedObservation{})
	if !res.Outcome.Success || res.Outcome.TokensUsed != 3 {
		t.Fatalf("expected success before timeout fires, got %+v", res)
	}
}
