package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flowreflex/agentrun/internal/audit"
)

func TestAuditSinkCountsRunOutcomes(t *testing.T) {
	m := NewMetrics()
	sink := NewAuditSink(m)

	events := []audit.Event{
		{Type: "run_started", TenantID: "t1"},
		{Type: "run_completed", TenantID: "t1", Fields: map[string]any{"tokens_used": int64(42), "success": true}},
		{Type: "run_error", TenantID: "t1"},
		{Type: "run_blocked_budget", TenantID: "t1"},
		{Type: "run_blocked_kill_switch", TenantID: "t1"},
		{Type: "run_blocked_circuit_breaker", TenantID: "t1"},
		{Type: "run_max_lock_hold_released", TenantID: "t1"},
		{Type: "circuit_breaker_opened", TenantID: "t1"},
		{Type: "circuit_breaker_recovered", TenantID: "t1"},
	}
	for _, e := range events {
		if err := sink.Emit(e); err != nil {
			t.Fatalf("unexpected error emitting %q: %v", e.Type, err)
		}
	}

	if got := testutil.ToFloat64(m.ExecutorRunsStartedTotal); got != 1 {
		t.Fatalf("runs_started_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutorRunsCompletedTotal.WithLabelValues("true")); got != 1 {
		t.Fatalf("runs_completed_total{success=true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutorRunsCompletedTotal.WithLabelValues("false")); got != 1 {
		t.Fatalf("runs_completed_total{success=false} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutorRunsBlockedTotal.WithLabelValues("budget_exceeded")); got != 1 {
		t.Fatalf("runs_blocked_total{reason=budget_exceeded} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutorRunsBlockedTotal.WithLabelValues("kill_switch")); got != 1 {
		t.Fatalf("runs_blocked_total{reason=kill_switch} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutorRunsBlockedTotal.WithLabelValues("circuit_open")); got != 1 {
		t.Fatalf("runs_blocked_total{reason=circuit_open} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutorRunsTimedOutTotal); got != 1 {
		t.Fatalf("runs_timed_out_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutorMaxLockHoldReleasedTotal); got != 1 {
		t.Fatalf("max_lock_hold_released_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BreakerOpensTotal); got != 1 {
		t.Fatalf("breaker opens_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BreakerRecoveriesTotal); got != 1 {
		t.Fatalf("breaker recoveries_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BudgetTokensConsumed); got != 42 {
		t.Fatalf("tokens_consumed_total = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.AuditEmittedTotal); got != float64(len(events)) {
		t.Fatalf("audit emitted_total = %v, want %d", got, len(events))
	}
}

type fakeSchedulerStats struct {
	ticks, coalesced, dropped uint64
	depth                     int
}

func (f fakeSchedulerStats) TicksTotal() uint64          { return f.ticks }
func (f fakeSchedulerStats) QueueCoalescedTotal() uint64 { return f.coalesced }
func (f fakeSchedulerStats) QueueDroppedTotal() uint64   { return f.dropped }
func (f fakeSchedulerStats) QueueDepth() int             { return f.depth }

func TestRegisterSchedulerExposesLiveCounters(t *testing.T) {
	m := NewMetrics()
	stats := fakeSchedulerStats{ticks: 3, coalesced: 2, dropped: 1, depth: 5}
	m.RegisterScheduler(stats)

	mf, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]float64{}
	for _, f := range mf {
		if len(f.Metric) == 0 {
			continue
		}
		var v float64
		if f.Metric[0].Counter != nil {
			v = f.Metric[0].Counter.GetValue()
		} else if f.Metric[0].Gauge != nil {
			v = f.Metric[0].Gauge.GetValue()
		}
		found[f.GetName()] = v
	}

	if found["agentrun_scheduler_ticks_total"] != 3 {
		t.Fatalf("ticks_total = %v, want 3", found["agentrun_scheduler_ticks_total"])
	}
	if found["agentrun_scheduler_coalesced_total"] != 2 {
		t.Fatalf("coalesced_total = %v, want 2", found["agentrun_scheduler_coalesced_total"])
	}
	if found["agentrun_scheduler_queue_dropped_total"] != 1 {
		t.Fatalf("queue_dropped_total = %v, want 1", found["agentrun_scheduler_queue_dropped_total"])
	}
	if found["agentrun_scheduler_queue_depth"] != 5 {
		t.Fatalf("queue_depth = %v, want 5", found["agentrun_scheduler_queue_depth"])
	}
}
