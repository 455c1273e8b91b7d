// File: api/ticket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ticket is a one-time ownership token for a raw transport mid-transfer.

package api

import "sync/atomic"

// TicketID identifies a ticket; the server keys pending upgrades by it.
type TicketID uint64

// Ticket carries a Descriptor that can be taken exactly once.
type Ticket struct {
	id   TicketID
	desc atomic.Pointer[Descriptor]
}

// NewTicket wraps desc into a fresh ticket.
func NewTicket(id TicketID, desc Descriptor) *Ticket {
	t := &Ticket{id: id}
	t.desc.Store(&desc)
	return t
}

// ID returns the ticket identifier.
func (t *Ticket) ID() TicketID {
	return t.id
}

// Take consumes the ticket and returns the descriptor. Only the first call succeeds.
func (t *Ticket) Take() (Descriptor, error) {
	d := t.desc.Swap(nil)
	if d == nil {
		return Descriptor{}, ErrTicketConsumed
	}
	return *d, nil
}

// Consumed reports whether Take already succeeded.
func (t *Ticket) Consumed() bool {
	return t.desc.Load() == nil
}
