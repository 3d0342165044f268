// Package observability — metrics.go
//
// Prometheus metrics for the agentrun runtime.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: agentrun_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Labels use bounded enums (verdict, reason, success).
//   - TenantID and RunID are NEVER used as labels (unbounded cardinality);
//     per-tenant/per-run detail belongs in the audit trail, not metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for agentrun.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Executor ─────────────────────────────────────────────────────────────

	// ExecutorRunsStartedTotal counts runs admitted past every guardrail.
	ExecutorRunsStartedTotal prometheus.Counter

	// ExecutorRunsCompletedTotal counts runs that reached a terminal
	// outcome. Labels: success (true, false)
	ExecutorRunsCompletedTotal *prometheus.CounterVec

	// ExecutorRunsBlockedTotal counts admission attempts that a guardrail
	// declined. Labels: reason (kill_switch, budget_exceeded, circuit_open)
	ExecutorRunsBlockedTotal *prometheus.CounterVec

	// ExecutorRunsTimedOutTotal counts timed-out runs that were
	// force-released; a timed-out run that settles during grace is not
	// counted here.
	ExecutorRunsTimedOutTotal prometheus.Counter

	// ExecutorMaxLockHoldReleasedTotal counts runs force-released after
	// ignoring cancellation past the grace period.
	ExecutorMaxLockHoldReleasedTotal prometheus.Counter

	// ExecutorRunDuration records run wall-clock duration in seconds.
	ExecutorRunDuration prometheus.Histogram

	// ─── Budget ───────────────────────────────────────────────────────────────

	BudgetRunsRemaining  prometheus.Gauge
	BudgetTokensConsumed prometheus.Counter

	// ─── Breaker ──────────────────────────────────────────────────────────────

	BreakerOpensTotal      prometheus.Counter
	BreakerRecoveriesTotal prometheus.Counter

	// ─── Audit ────────────────────────────────────────────────────────────────

	AuditEmittedTotal            prometheus.Counter
	AuditSinkErrorsSuppressedTotal prometheus.Counter

	// ─── SSRF ─────────────────────────────────────────────────────────────────

	// SSRFClassificationsTotal labels: verdict (allowed, blocked)
	SSRFClassificationsTotal *prometheus.CounterVec
	SSRFCacheHitsTotal       prometheus.Counter
	SSRFCacheMissesTotal     prometheus.Counter

	// ─── Observation ──────────────────────────────────────────────────────────

	ObservationSourcesFailedTotal    prometheus.Counter
	ObservationSourcesSucceededTotal prometheus.Counter

	// ObservationRejectedTotal labels: reason (forbidden_key, max_depth_exceeded)
	ObservationRejectedTotal *prometheus.CounterVec

	// ─── Process ──────────────────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all agentrun Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ExecutorRunsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "executor", Name: "runs_started_total",
			Help: "Total runs admitted past kill switch, budget, and circuit checks.",
		}),
		ExecutorRunsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "executor", Name: "runs_completed_total",
			Help: "Total runs that reached a terminal outcome, by success.",
		}, []string{"success"}),
		ExecutorRunsBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "executor", Name: "runs_blocked_total",
			Help: "Total admission attempts declined by a guardrail, by reason.",
		}, []string{"reason"}),
		ExecutorRunsTimedOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "executor", Name: "runs_timed_out_total",
			Help: "Total timed-out runs force-released after the grace period.",
		}),
		ExecutorMaxLockHoldReleasedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "executor", Name: "max_lock_hold_released_total",
			Help: "Total runs force-released after ignoring cancellation past the grace period.",
		}),
		ExecutorRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentrun", Subsystem: "executor", Name: "run_duration_seconds",
			Help:    "Run wall-clock duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		BudgetRunsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun", Subsystem: "budget", Name: "runs_remaining",
			Help: "Runs remaining in the current hour window for the most recently checked tenant.",
		}),
		BudgetTokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "budget", Name: "tokens_consumed_total",
			Help: "Lifetime total tokens charged against tenant budgets.",
		}),

		BreakerOpensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "breaker", Name: "opens_total",
			Help: "Total times a tenant's circuit breaker opened.",
		}),
		BreakerRecoveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "breaker", Name: "recoveries_total",
			Help: "Total times a tenant's circuit breaker closed again after its cooldown elapsed.",
		}),

		AuditEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "audit", Name: "emitted_total",
			Help: "Total audit events emitted.",
		}),
		AuditSinkErrorsSuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "audit", Name: "sink_errors_suppressed_total",
			Help: "Total sink failures absorbed without affecting the run path.",
		}),

		SSRFClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "ssrf", Name: "classifications_total",
			Help: "Total URL classifications, by verdict.",
		}, []string{"verdict"}),
		SSRFCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "ssrf", Name: "cache_hits_total",
			Help: "Total classifier cache hits.",
		}),
		SSRFCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "ssrf", Name: "cache_misses_total",
			Help: "Total classifier cache misses.",
		}),

		ObservationSourcesFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "observation", Name: "sources_failed_total",
			Help: "Total observation source calls that errored.",
		}),
		ObservationSourcesSucceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "observation", Name: "sources_succeeded_total",
			Help: "Total observation source calls that succeeded.",
		}),
		ObservationRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "observation", Name: "rejected_total",
			Help: "Total observations rejected by the normalizer, by reason.",
		}, []string{"reason"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun", Subsystem: "process", Name: "uptime_seconds",
			Help: "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.ExecutorRunsStartedTotal,
		m.ExecutorRunsCompletedTotal,
		m.ExecutorRunsBlockedTotal,
		m.ExecutorRunsTimedOutTotal,
		m.ExecutorMaxLockHoldReleasedTotal,
		m.ExecutorRunDuration,
		m.BudgetRunsRemaining,
		m.BudgetTokensConsumed,
		m.BreakerOpensTotal,
		m.BreakerRecoveriesTotal,
		m.AuditEmittedTotal,
		m.AuditSinkErrorsSuppressedTotal,
		m.SSRFClassificationsTotal,
		m.SSRFCacheHitsTotal,
		m.SSRFCacheMissesTotal,
		m.ObservationSourcesFailedTotal,
		m.ObservationSourcesSucceededTotal,
		m.ObservationRejectedTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// SchedulerStats is the subset of *scheduler.Scheduler's read-only
// accessors RegisterScheduler needs. Declared here rather than
// importing internal/scheduler so observability stays a leaf package
// with no dependency on the runtime it instruments.
type SchedulerStats interface {
	TicksTotal() uint64
	QueueCoalescedTotal() uint64
	QueueDroppedTotal() uint64
	QueueDepth() int
}

// RegisterScheduler wires s's live counters into the registry as
// CounterFunc/GaugeFunc collectors, sampled at scrape time. s already
// owns these as atomics/mutex-guarded fields; mirroring them via a
// periodic Add would double-count, so they are read directly instead.
func (m *Metrics) RegisterScheduler(s SchedulerStats) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "scheduler", Name: "ticks_total",
			Help: "Total heartbeat ticks processed.",
		}, func() float64 { return float64(s.TicksTotal()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "scheduler", Name: "coalesced_total",
			Help: "Total scheduling events folded into an already-queued event for the same tenant.",
		}, func() float64 { return float64(s.QueueCoalescedTotal()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "agentrun", Subsystem: "scheduler", Name: "queue_dropped_total",
			Help: "Total drop-head evictions from the event queue under backpressure.",
		}, func() float64 { return float64(s.QueueDroppedTotal()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "agentrun", Subsystem: "scheduler", Name: "queue_depth",
			Help: "Current depth of the coalescing event queue.",
		}, func() float64 { return float64(s.QueueDepth()) }),
	)
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. The
// server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics
// and GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
