package scheduler

import (
	"context"
	"sync"

	"github.com/flowreflex/agentrun/internal/tenant"
)

// TicketLocks is a get-or-create registry of per-tenant mutual-exclusion
// tickets, realized as the CSP-style token the design calls for: a
// buffered channel of capacity 1, pre-filled with a single token.
// Acquiring is receiving from the channel; releasing is sending back.
// This gives strict FIFO-ish mutual exclusion per tenant without a
// sync.Mutex, so Acquire can respect ctx cancellation while waiting.
type TicketLocks struct {
	mu      sync.Mutex
	tickets map[tenant.TenantID]chan struct{}
}

// NewTicketLocks creates an empty TicketLocks registry.
func NewTicketLocks() *TicketLocks {
	return &TicketLocks{tickets: make(map[tenant.TenantID]chan struct{})}
}

func (t *TicketLocks) ticketFor(id tenant.TenantID) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.tickets[id]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		t.tickets[id] = ch
	}
	return ch
}

// Acquire blocks until tenantID's ticket is available or ctx is done.
func (t *TicketLocks) Acquire(ctx context.Context, id tenant.TenantID) error {
	ch := t.ticketFor(id)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns tenantID's ticket, unblocking the next waiter.
func (t *TicketLocks) Release(id tenant.TenantID) {
	ch := t.ticketFor(id)
	select {
	case ch <- struct{}{}:
	default:
		// already released; guards against a double-release bug from
		// ever deadlocking the tenant permanently.
	}
}
