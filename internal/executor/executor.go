// Package executor drives a single run to completion under the kill
// switch, budget, and circuit-breaker guardrails, then records the
// outcome to the audit trail: consult budget and circuit state before
// transitioning a tenant, write the ledger entry after, log every
// transition with structured fields.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowreflex/agentrun/internal/audit"
	"github.com/flowreflex/agentrun/internal/breaker"
	"github.com/flowreflex/agentrun/internal/budget"
	"github.com/flowreflex/agentrun/internal/killswitch"
	"github.com/flowreflex/agentrun/internal/observation"
	"github.com/flowreflex/agentrun/internal/tenant"
)

// RunContext is what a RunProvider receives for one invocation.
type RunContext struct {
	TenantID    tenant.TenantID
	RunID       string
	Observation observation.NormalizedObservation
}

// RunOutcome is what a RunProvider reports back.
type RunOutcome struct {
	Success    bool
	TokensUsed int64
}

// RunProvider is the opaque agent invocation this runtime drives
// repeatedly. Implementations should respect ctx cancellation promptly;
// a provider that ignores it still only costs the tenant's lock for up
// to RunTimeoutMs+RunTimeoutGraceMs, per the timeout grace phase below.
type RunProvider interface {
	Run(ctx context.Context, rc RunContext) (RunOutcome, error)
}

// RunIDGenerator produces a new, opaque run identifier.
type RunIDGenerator func() string

// DefaultRunIDGenerator combines a monotonic counter with a random UUID
// suffix so run IDs are both sortable by issuance order and globally
// unique without a shared coordination point.
func DefaultRunIDGenerator() RunIDGenerator {
	var counter atomic.Uint64
	return func() string {
		n := counter.Add(1)
		return fmt.Sprintf("run-%d-%s", n, uuid.NewString())
	}
}

// Timer abstracts the wall-clock timers the timeout/grace phase needs so
// tests can drive them without real sleeps.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

// SystemTimer is the default Timer, backed by time.After.
type SystemTimer struct{}

// After returns a channel that fires once after d.
func (SystemTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Config holds per-run timing and charging parameters.
type Config struct {
	RunTimeoutMs            int64
	RunTimeoutGraceMs       int64
	RunTimeoutMaxLockHoldMs int64
	RunTimeoutChargeTokens  int64
}

// Executor drives runs for a RunProvider under the runtime's guardrails.
type Executor struct {
	provider RunProvider
	tenants  *tenant.Store
	budgetEv *budget.Evaluator
	kill     *killswitch.KillSwitch
	emitter  *audit.Emitter
	genRunID RunIDGenerator
	timer    Timer
	log      *zap.Logger
}

// New creates an Executor.
func New(
	provider RunProvider,
	tenants *tenant.Store,
	budgetEv *budget.Evaluator,
	kill *killswitch.KillSwitch,
	emitter *audit.Emitter,
	genRunID RunIDGenerator,
	timer Timer,
	log *zap.Logger,
) *Executor {
	if genRunID == nil {
		genRunID = DefaultRunIDGenerator()
	}
	if timer == nil {
		timer = SystemTimer{}
	}
	return &Executor{
		provider: provider,
		tenants:  tenants,
		budgetEv: budgetEv,
		kill:     kill,
		emitter:  emitter,
		genRunID: genRunID,
		timer:    timer,
		log:      log,
	}
}

// BlockReason explains why Execute declined to run.
type BlockReason string

const (
	BlockNone          BlockReason = ""
	BlockKillSwitch    BlockReason = "kill_switch"
	BlockBudget        BlockReason = "budget_exceeded"
	BlockCircuitOpen   BlockReason = "circuit_open"
)

// Result is what Execute returns to the scheduler.
type Result struct {
	RunID   string
	Ran     bool
	Blocked BlockReason
	Outcome RunOutcome
}

// Execute runs the full admission-through-bookkeeping sequence for
// tenantID: kill switch check, run-id allocation, budget check, circuit
// check, run_started emission, provider invocation under the timeout
// grace phase, bookkeeping update, terminal audit emission.
func (e *Executor) Execute(
	ctx context.Context,
	tenantID tenant.TenantID,
	budgetLimits budget.Limits,
	circuitCfg breaker.Config,
	cfg Config,
	nowMs int64,
	obs observation.NormalizedObservation,
) Result {
	if e.kill.Tripped() {
		e.emitter.Emit(audit.Event{Type: "run_blocked_kill_switch", TenantID: string(tenantID), AtMs: nowMs})
		return Result{Blocked: BlockKillSwitch}
	}

	runID := e.genRunID()
	st := e.tenants.GetOrCreate(tenantID, nowMs)

	if d := e.budgetEv.Allow(st, budgetLimits, nowMs); !d.Allowed {
		e.emitter.Emit(audit.Event{Type: "run_blocked_budget", TenantID: string(tenantID), RunID: runID, AtMs: nowMs,
			Fields: map[string]any{"detail": d.Reason}})
		return Result{RunID: runID, Blocked: BlockBudget}
	}

	blocked, _, recovered := breaker.Check(st, circuitCfg, nowMs)
	if recovered {
		e.emitter.Emit(audit.Event{Type: "circuit_breaker_recovered", TenantID: string(tenantID), RunID: runID, AtMs: nowMs})
	}
	if blocked {
		e.emitter.Emit(audit.Event{Type: "run_blocked_circuit_breaker", TenantID: string(tenantID), RunID: runID, AtMs: nowMs})
		return Result{RunID: runID, Blocked: BlockCircuitOpen}
	}

	e.emitter.Emit(audit.Event{Type: "run_started", TenantID: string(tenantID), RunID: runID, AtMs: nowMs})
	st.BeginRun(nowMs)

	outcome, timedOut := e.runWithTimeout(ctx, RunContext{TenantID: tenantID, RunID: runID, Observation: obs}, cfg, func() {
		if e.log != nil {
			e.log.Warn("run exceeded its timeout, entering grace phase",
				zap.String("tenant_id", string(tenantID)), zap.String("run_id", runID))
		}
	})

	endMs := nowMs
	st.EndRun(endMs, outcome.Success, outcome.TokensUsed, circuitCfg.FailureThreshold)
	if open, openedAt := st.CircuitOpen(); open && openedAt == endMs {
		e.emitter.Emit(audit.Event{Type: "circuit_breaker_opened", TenantID: string(tenantID), RunID: runID, AtMs: endMs})
	}

	// Only one of these three is emitted per runId: run_max_lock_hold_released
	// when the provider never settles inside the timeout+grace window,
	// run_error when it settles with a failure (whether before the timeout or
	// during grace), run_completed otherwise.
	evtType := "run_completed"
	if timedOut {
		evtType = "run_max_lock_hold_released"
	} else if !outcome.Success {
		evtType = "run_error"
	}
	e.emitter.Emit(audit.Event{Type: evtType, TenantID: string(tenantID), RunID: runID, AtMs: endMs,
		Fields: map[string]any{"tokens_used": outcome.TokensUsed, "success": outcome.Success}})

	return Result{RunID: runID, Ran: true, Outcome: outcome}
}

// runWithTimeout invokes the provider, allowing RunTimeoutMs for normal
// completion and an additional grace window for a provider that ignores
// ctx cancellation before the tenant's lock is force released. The grace
// window is min(RunTimeoutGraceMs, RunTimeoutMaxLockHoldMs), measured
// from the moment the primary timeout fires — a provider that stalls
// indefinitely never holds the lock past RunTimeoutMs+RunTimeoutMaxLockHoldMs
// total, even when that is shorter than the full grace period. If the
// window elapses without settlement, the tenant is charged
// RunTimeoutChargeTokens and a failed outcome is returned; the provider's
// goroutine is left to finish (or never does) in the background, since Go
// offers no way to forcibly kill it.
func (e *Executor) runWithTimeout(ctx context.Context, rc RunContext, cfg Config, onSoftTimeout func()) (RunOutcome, bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan RunOutcome, 1)
	go func() {
		outcome, err := e.provider.Run(runCtx, rc)
		if err != nil {
			outcome.Success = false
		}
		done <- outcome
	}()

	timeout := e.timer.After(time.Duration(cfg.RunTimeoutMs) * time.Millisecond)

	select {
	case outcome := <-done:
		return outcome, false
	case <-timeout:
	}

	cancel()
	if onSoftTimeout != nil {
		onSoftTimeout()
	}

	holdMs := cfg.RunTimeoutGraceMs
	if cfg.RunTimeoutMaxLockHoldMs < holdMs {
		holdMs = cfg.RunTimeoutMaxLockHoldMs
	}
	grace := e.timer.After(time.Duration(holdMs) * time.Millisecond)

	select {
	case outcome := <-done:
		return outcome, false
	case <-grace:
	}

	if e.log != nil {
		e.log.Warn("provider ignored cancellation past max lock-hold window, force releasing lock",
			zap.String("tenant_id", string(rc.TenantID)),
			zap.String("run_id", rc.RunID))
	}
	return RunOutcome{Success: false, TokensUsed: cfg.RunTimeoutChargeTokens}, true
}
