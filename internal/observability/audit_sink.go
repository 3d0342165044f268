package observability

import (
	"github.com/flowreflex/agentrun/internal/audit"
)

// AuditSink is an audit.Sink that translates emitted events into
// Prometheus counter increments instead of storing anything. It is
// registered alongside the memory/durable sinks so every audit event
// also updates the metrics a dashboard or alert would read — the
// audit trail and the metrics surface observe the same stream rather
// than being independently maintained.
type AuditSink struct {
	m *Metrics
}

// NewAuditSink creates an AuditSink reporting into m.
func NewAuditSink(m *Metrics) *AuditSink {
	return &AuditSink{m: m}
}

// Emit never fails; unrecognized event types are counted only against
// AuditEmittedTotal.
func (a *AuditSink) Emit(e audit.Event) error {
	a.m.AuditEmittedTotal.Inc()

	switch e.Type {
	case "run_started":
		a.m.ExecutorRunsStartedTotal.Inc()
	case "run_completed":
		a.m.ExecutorRunsCompletedTotal.WithLabelValues("true").Inc()
	case "run_error":
		a.m.ExecutorRunsCompletedTotal.WithLabelValues("false").Inc()
	case "run_blocked_kill_switch":
		a.m.ExecutorRunsBlockedTotal.WithLabelValues("kill_switch").Inc()
	case "run_blocked_budget":
		a.m.ExecutorRunsBlockedTotal.WithLabelValues("budget_exceeded").Inc()
	case "run_blocked_circuit_breaker":
		a.m.ExecutorRunsBlockedTotal.WithLabelValues("circuit_open").Inc()
	case "run_max_lock_hold_released":
		a.m.ExecutorRunsTimedOutTotal.Inc()
		a.m.ExecutorMaxLockHoldReleasedTotal.Inc()
	case "circuit_breaker_recovered":
		a.m.BreakerRecoveriesTotal.Inc()
	case "circuit_breaker_opened":
		a.m.BreakerOpensTotal.Inc()
	}

	if tokens, ok := e.Fields["tokens_used"].(int64); ok && tokens > 0 {
		a.m.BudgetTokensConsumed.Add(float64(tokens))
	}

	return nil
}
