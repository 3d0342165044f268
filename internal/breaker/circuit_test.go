package breaker

import (
	"testing"

	"github.com/flowreflex/agentrun/internal/tenant"
)

func TestCheckClosedByDefault(t *testing.T) {
	s := tenant.NewStore()
	st := s.GetOrCreate("t1", 0)

	blocked, state, recovered := Check(st, Config{FailureThreshold: 3, CooldownMs: 1000}, 0)
	if blocked || state != Closed || recovered {
		t.Fatalf("expected closed circuit, got blocked=%v state=%v recovered=%v", blocked, state, recovered)
	}
}

func TestCheckBlocksWhileOpen(t *testing.T) {
	s := tenant.NewStore()
	st := s.GetOrCreate("t1", 0)
	for i := 0; i < 3; i++ {
		st.BeginRun(int64(i))
		st.EndRun(int64(i), false, 0, 3)
	}

	blocked, state, recovered := Check(st, Config{FailureThreshold: 3, CooldownMs: 1000}, 10)
	if !blocked || state != Open || recovered {
		t.Fatalf("expected open circuit blocking, got blocked=%v state=%v recovered=%v", blocked, state, recovered)
	}
}

func TestCheckAdmitsProbeAfterCooldown(t *testing.T) {
	s := tenant.NewStore()
	st := s.GetOrCreate("t1", 0)
	for i := 0; i < 3; i++ {
		st.BeginRun(int64(i))
		st.EndRun(int64(i), false, 0, 3)
	}

	blocked, state, recovered := Check(st, Config{FailureThreshold: 3, CooldownMs: 1000}, 2000)
	if blocked || state != Closed || !recovered {
		t.Fatalf("expected probe admitted after cooldown, got blocked=%v state=%v recovered=%v", blocked, state, recovered)
	}

	// A second Check call after the circuit is already closed must not
	// report recovered again.
	blocked, state, recovered = Check(st, Config{FailureThreshold: 3, CooldownMs: 1000}, 2001)
	if blocked || state != Closed || recovered {
		t.Fatalf("expected steady closed state, got blocked=%v state=%v recovered=%v", blocked, state, recovered)
	}
}
