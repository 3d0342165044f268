// Package budget evaluates whether a tenant is allowed to start another
// run, given a sliding-window run-rate cap and a sliding-window token
// cap: count of run timestamps in the last hour, and sum of a token
// ledger in the last 24h.
package budget

import (
	"sync/atomic"
	"time"

	"github.com/flowreflex/agentrun/internal/tenant"
)

const (
	runWindow   = int64(time.Hour / time.Millisecond)
	tokenWindow = int64(24 * time.Hour / time.Millisecond)
)

// Limits is a tenant's budget configuration.
type Limits struct {
	MaxRunsPerHour  int
	MaxTokensPerDay int64
}

// Decision is the result of a budget check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator checks tenant run/token budgets. It is stateless over the
// tenant data itself — all bookkeeping lives in *tenant.State — and only
// tracks aggregate metrics counters.
type Evaluator struct {
	allowedTotal atomic.Uint64
	blockedTotal atomic.Uint64
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Allow reports whether st may begin another run at nowMs under limits.
func (e *Evaluator) Allow(st *tenant.State, limits Limits, nowMs int64) Decision {
	runs := st.RunsInWindow(nowMs, runWindow)
	if runs >= limits.MaxRunsPerHour {
		e.blockedTotal.Add(1)
		return Decision{Allowed: false, Reason: "max_runs_per_hour_exceeded"}
	}

	tokens := st.TokensInWindow(nowMs, tokenWindow)
	if tokens >= limits.MaxTokensPerDay {
		e.blockedTotal.Add(1)
		return Decision{Allowed: false, Reason: "max_tokens_per_day_exceeded"}
	}

	e.allowedTotal.Add(1)
	return Decision{Allowed: true}
}

// AllowedTotal returns the lifetime count of admitted runs.
func (e *Evaluator) AllowedTotal() uint64 {
	return e.allowedTotal.Load()
}

// BlockedTotal returns the lifetime count of budget-blocked runs.
func (e *Evaluator) BlockedTotal() uint64 {
	return e.blockedTotal.Load()
}

// RunsRemaining reports how many more runs st may start in the current
// hour window under limits, clamped to zero.
func RunsRemaining(st *tenant.State, limits Limits, nowMs int64) int {
	used := st.RunsInWindow(nowMs, runWindow)
	remaining := limits.MaxRunsPerHour - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TokensRemaining reports how many more tokens st may spend in the
// current day window under limits, clamped to zero.
func TokensRemaining(st *tenant.State, limits Limits, nowMs int64) int64 {
	used := st.TokensInWindow(nowMs, tokenWindow)
	remaining := limits.MaxTokensPerDay - used
	if remaining < 0 {
		return 0
	}
	return remaining
}
