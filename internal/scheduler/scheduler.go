// Package scheduler drives the runtime's main loop: a heartbeat ticks
// periodically, enqueueing an admission attempt for every known tenant;
// a single consumer goroutine drains the queue, serializing runs per
// tenant via a CSP-style ticket so two runs for the same tenant never
// execute concurrently; idle tenants are evicted from memory after a
// configurable quiet period.
//
// Goroutine-per-concern wiring (heartbeat timer, queue-drain consumer,
// idle-eviction sweep) starts one goroutine per subsystem off a shared
// root context and waits on all of them during shutdown.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowreflex/agentrun/internal/breaker"
	"github.com/flowreflex/agentrun/internal/budget"
	"github.com/flowreflex/agentrun/internal/clock"
	"github.com/flowreflex/agentrun/internal/executor"
	"github.com/flowreflex/agentrun/internal/observation"
	"github.com/flowreflex/agentrun/internal/tenant"
)

// Ticker abstracts the heartbeat's periodic signal so tests can drive it
// without a real time.Ticker.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// systemTicker wraps time.Ticker.
type systemTicker struct{ t *time.Ticker }

func newSystemTicker(d time.Duration) *systemTicker { return &systemTicker{t: time.NewTicker(d)} }
func (s *systemTicker) Chan() <-chan time.Time       { return s.t.C }
func (s *systemTicker) Stop()                        { s.t.Stop() }

// BudgetAndCircuitConfig bundles the limits the scheduler passes through
// to the executor on every admission attempt: Budget and Circuit are the
// runtime-wide defaults, applied to any tenant absent from
// TenantBudgets/TenantCircuits.
type BudgetAndCircuitConfig struct {
	Budget         budget.Limits
	Circuit        breaker.Config
	Exec           executor.Config
	TenantBudgets  map[tenant.TenantID]budget.Limits
	TenantCircuits map[tenant.TenantID]breaker.Config
}

// Config configures the scheduler's timing.
type Config struct {
	HeartbeatInterval time.Duration
	MaxEventQueueSize int
	TenantIdleEvict   time.Duration
}

// ObservationSource supplies the normalized observation an executor run
// is driven with; typically backed by an observation.Composite.
type ObservationSource interface {
	Observe(ctx context.Context, tenantID string) (observation.NormalizedObservation, error)
}

// Scheduler ties the tenant store, event queue, per-tenant serialization,
// and executor together into the runtime's main loop.
type Scheduler struct {
	cfg      Config
	limits   BudgetAndCircuitConfig
	tenants  *tenant.Store
	queue    *Queue
	tickets  *TicketLocks
	exec     *executor.Executor
	obsSrc   ObservationSource
	clock    clock.Clock
	newTick  func(time.Duration) Ticker
	log      *zap.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ticksTotal atomic.Uint64
}

// New creates a Scheduler. newTicker may be nil to use the real
// time.Ticker-backed implementation; tests substitute a fake.
func New(
	cfg Config,
	limits BudgetAndCircuitConfig,
	tenants *tenant.Store,
	exec *executor.Executor,
	obsSrc ObservationSource,
	clk clock.Clock,
	newTicker func(time.Duration) Ticker,
	log *zap.Logger,
) *Scheduler {
	if newTicker == nil {
		newTicker = func(d time.Duration) Ticker { return newSystemTicker(d) }
	}
	return &Scheduler{
		cfg:     cfg,
		limits:  limits,
		tenants: tenants,
		queue:   NewQueue(cfg.MaxEventQueueSize),
		tickets: NewTicketLocks(),
		exec:    exec,
		obsSrc:  obsSrc,
		clock:   clk,
		newTick: newTicker,
		log:     log,
	}
}

// Start launches the heartbeat, queue-consumer, and idle-eviction
// goroutines. Calling Start again while the scheduler is already running
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(3)
	go s.runHeartbeat(runCtx)
	go s.runConsumer(runCtx)
	go s.runIdleEvictor(runCtx)
}

// Stop cancels all scheduler goroutines and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) runHeartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.newTick(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.ticksTotal.Add(1)
			nowMs := s.clock.NowMs()
			for _, id := range s.tenants.ListAll() {
				s.queue.Push(id, nowMs)
			}
		}
	}
}

func (s *Scheduler) runConsumer(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, ok := s.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		if err := s.tickets.Acquire(ctx, ev.TenantID); err != nil {
			return
		}
		s.admit(ctx, ev.TenantID)
		s.tickets.Release(ev.TenantID)
	}
}

func (s *Scheduler) admit(ctx context.Context, tenantID tenant.TenantID) {
	nowMs := s.clock.NowMs()

	var obs observation.NormalizedObservation
	if s.obsSrc != nil {
		var err error
		obs, err = s.obsSrc.Observe(ctx, string(tenantID))
		if err != nil && s.log != nil {
			s.log.Warn("observation fetch failed, proceeding with empty observation",
				zap.String("tenant_id", string(tenantID)), zap.Error(err))
		}
	}

	budgetLimits := s.limits.Budget
	if tb, ok := s.limits.TenantBudgets[tenantID]; ok {
		budgetLimits = tb
	}
	circuitCfg := s.limits.Circuit
	if tc, ok := s.limits.TenantCircuits[tenantID]; ok {
		circuitCfg = tc
	}

	s.exec.Execute(ctx, tenantID, budgetLimits, circuitCfg, s.limits.Exec, nowMs, obs)
}

func (s *Scheduler) runIdleEvictor(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.TenantIdleEvict / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.newTick(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			nowMs := s.clock.NowMs()
			evicted := s.tenants.EvictIdle(nowMs, s.cfg.TenantIdleEvict.Milliseconds())
			if len(evicted) > 0 && s.log != nil {
				s.log.Info("evicted idle tenants", zap.Int("count", len(evicted)))
			}
		}
	}
}

// EmitNow forces an immediate scheduling event for tenantID, bypassing
// the heartbeat. Used by callers that want to trigger a run in response
// to external activity rather than waiting for the next tick.
func (s *Scheduler) EmitNow(tenantID tenant.TenantID) {
	s.queue.Push(tenantID, s.clock.NowMs())
}

// QueueDepth reports the current event queue length, for metrics.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// QueueDroppedTotal reports the lifetime count of drop-head evictions
// from the event queue, for metrics.
func (s *Scheduler) QueueDroppedTotal() uint64 {
	return s.queue.DroppedTotal()
}

// QueueCoalescedTotal reports the lifetime count of scheduling events
// folded into an already-queued event for the same tenant, for metrics.
func (s *Scheduler) QueueCoalescedTotal() uint64 {
	return s.queue.CoalescedTotal()
}

// TicksTotal reports the lifetime count of heartbeat ticks processed,
// for metrics.
func (s *Scheduler) TicksTotal() uint64 {
	return s.ticksTotal.Load()
}
