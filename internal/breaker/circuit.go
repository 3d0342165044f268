// Package breaker implements the per-tenant circuit breaker: a tenant's
// circuit opens after a run of consecutive failures and stays open for a
// cooldown window, after which the circuit closes and runs are admitted
// again (there is no limit of one probe run; a failing run after the
// cooldown counts toward the threshold afresh). Two states only (closed/open) rather than a richer severity
// ladder, since admission blocking only ever has one threshold to
// cross; each transition method reports whether it actually
// transitioned, so a caller can emit a one-time event on the boundary
// crossing instead of diffing two reads.
package breaker

import "github.com/flowreflex/agentrun/internal/tenant"

// State is the circuit breaker's current position for a tenant.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Config is a tenant's circuit breaker configuration.
type Config struct {
	FailureThreshold int
	CooldownMs       int64
}

// Check reports whether st's circuit currently blocks a run at nowMs. If
// the circuit is open but the cooldown has elapsed, it is closed and a
// probe run is admitted — recovered reports that this call performed
// that transition, so the caller can emit a one-time recovery event. The
// caller remains responsible for recording the probe's outcome via
// tenant.State.EndRun as usual.
func Check(st *tenant.State, cfg Config, nowMs int64) (blocked bool, state State, recovered bool) {
	open, openedAt := st.CircuitOpen()
	if !open {
		return false, Closed, false
	}
	if nowMs-openedAt >= cfg.CooldownMs {
		st.CloseCircuit()
		return false, Closed, true
	}
	return true, Open, false
}
