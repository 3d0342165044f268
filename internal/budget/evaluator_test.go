package budget

import (
	"testing"

	"github.com/flowreflex/agentrun/internal/tenant"
)

func TestAllowUnderLimits(t *testing.T) {
	e := New()
	s := tenant.NewStore()
	st := s.GetOrCreate("t1", 0)

	d := e.Allow(st, Limits{MaxRunsPerHour: 10, MaxTokensPerDay: 1000}, 0)
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
}

func TestBlockedOverRunLimit(t *testing.T) {
	e := New()
	s := tenant.NewStore()
	st := s.GetOrCreate("t1", 0)
	for i := 0; i < 5; i++ {
		st.BeginRun(int64(i))
	}

	d := e.Allow(st, Limits{MaxRunsPerHour: 5, MaxTokensPerDay: 1000}, 10)
	if d.Allowed || d.Reason != "max_runs_per_hour_exceeded" {
		t.Fatalf("expected run-limit block, got %+v", d)
	}
}

func TestBlockedOverTokenLimit(t *testing.T) {
	e := New()
	s := tenant.NewStore()
	st := s.GetOrCreate("t1", 0)
	st.BeginRun(0)
	st.EndRun(0, true, 1000, 5)

	d := e.Allow(st, Limits{MaxRunsPerHour: 100, MaxTokensPerDay: 500}, 10)
	if d.Allowed || d.Reason != "max_tokens_per_day_exceeded" {
		t.Fatalf("expected token-limit block, got %+v", d)
	}
}

func TestRunsAndTokensRemaining(t *testing.T) {
	s := tenant.NewStore()
	st := s.GetOrCreate("t1", 0)
	st.BeginRun(0)
	st.EndRun(0, true, 300, 5)

	if got := RunsRemaining(st, Limits{MaxRunsPerHour: 5}, 10); got != 4 {
		t.Fatalf("expected 4 runs remaining, got %d", got)
	}
	if got := TokensRemaining(st, Limits{MaxTokensPerDay: 1000}, 10); got != 700 {
		t.Fatalf("expected 700 tokens remaining, got %d", got)
	}
}
