// Package killswitch provides the process-wide emergency stop flag. A
// KillSwitch is shared by reference: the scheduler and executor hold the
// same instance an operator (or admin socket) toggles, so tripping it
// takes effect on the next check with no channel or callback plumbing.
package killswitch

import "sync/atomic"

// KillSwitch is a concurrency-safe on/off flag checked on every run
// admission decision.
type KillSwitch struct {
	tripped atomic.Bool
}

// New returns a KillSwitch in the untripped state.
func New() *KillSwitch {
	return &KillSwitch{}
}

// Trip sets the kill switch, blocking all future run admissions until Reset.
func (k *KillSwitch) Trip() {
	k.tripped.Store(true)
}

// Reset clears the kill switch.
func (k *KillSwitch) Reset() {
	k.tripped.Store(false)
}

// Tripped reports whether the kill switch is currently set.
func (k *KillSwitch) Tripped() bool {
	return k.tripped.Load()
}
