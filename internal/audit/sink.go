// Package audit records what the scheduler and executor do to a
// best-effort Sink. Emission must never block or fail the run path: a
// sink that panics or errors is caught, logged, and counted, never
// propagated to the caller.
package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a single audit record. RunID is empty for tenant- or
// scheduler-level events that are not tied to one run.
type Event struct {
	Type      string
	TenantID  string
	RunID     string
	AtMs      int64
	Fields    map[string]any
}

// Sink receives audit events. Implementations must not block the caller
// for long and must never panic across the call boundary in a way that
// escapes Emit — Emitter already recovers, but a well-behaved Sink
// should not rely on that as its only safety net.
type Sink interface {
	Emit(e Event) error
}

// Emitter fans an event out to every registered Sink, absorbing any
// error or panic a sink produces so a broken audit backend can never
// take down a run. Causal ordering per RunID is preserved by calling
// sinks synchronously, in registration order, on the caller's goroutine.
type Emitter struct {
	sinks []Sink
	log   *zap.Logger

	mu              sync.Mutex
	suppressedTotal uint64
}

// NewEmitter creates an Emitter over the given sinks.
func NewEmitter(log *zap.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, log: log}
}

// Emit sends e to every sink, logging and counting (never returning) any
// failure.
func (em *Emitter) Emit(e Event) {
	if e.AtMs == 0 {
		e.AtMs = time.Now().UnixMilli()
	}
	for _, s := range em.sinks {
		em.emitOne(s, e)
	}
}

func (em *Emitter) emitOne(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			em.suppress(e, "panic")
			if em.log != nil {
				em.log.Error("audit sink panicked",
					zap.String("event_type", e.Type),
					zap.Any("recovered", r))
			}
		}
	}()

	if err := s.Emit(e); err != nil {
		em.suppress(e, err.Error())
		if em.log != nil {
			em.log.Warn("audit sink emit failed",
				zap.String("event_type", e.Type),
				zap.String("tenant_id", e.TenantID),
				zap.String("run_id", e.RunID),
				zap.Error(err))
		}
	}
}

func (em *Emitter) suppress(_ Event, _ string) {
	em.mu.Lock()
	em.suppressedTotal++
	em.mu.Unlock()
}

// SuppressedTotal returns the lifetime count of sink failures absorbed.
func (em *Emitter) SuppressedTotal() uint64 {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.suppressedTotal
}

// MemorySink is the always-on best-effort in-memory sink: a bounded ring
// buffer of the most recent events, useful for debugging and tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// NewMemorySink creates a MemorySink retaining at most capacity events.
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{cap: capacity}
}

// Emit appends e, dropping the oldest event if at capacity.
func (m *MemorySink) Emit(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if len(m.events) > m.cap {
		m.events = m.events[len(m.events)-m.cap:]
	}
	return nil
}

// Recent returns a snapshot of the retained events, oldest first.
func (m *MemorySink) Recent() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
