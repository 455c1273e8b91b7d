// File: server/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "fmt"

// Event names a connection event slot.
type Event string

const (
	EventMessage Event = "message"
	EventClose   Event = "close"
	EventPing    Event = "ping"
	EventPong    Event = "pong"
)

// Listener signatures.
type (
	MessageHandler func(data []byte, binary bool)
	CloseHandler   func(code int, reason string)
	PingHandler    func(payload []byte)
	PongHandler    func(payload []byte)
)

// Subscription identifies one registered listener for RemoveListener.
type Subscription struct {
	event Event
}

// Event returns the slot the subscription belongs to.
func (s *Subscription) Event() Event {
	return s.event
}

// slot holds at most one listener.
type slot[F any] struct {
	fn  F
	sub *Subscription
}

func (s *slot[F]) set(ev Event, fn F) (*Subscription, error) {
	if s.sub != nil {
		return nil, fmt.Errorf("%w: %s", ErrListenerExists, ev)
	}
	s.fn = fn
	s.sub = &Subscription{event: ev}
	return s.sub, nil
}

func (s *slot[F]) clear() {
	var zero F
	s.fn = zero
	s.sub = nil
}

// clearIf empties the slot when sub is the stored subscription.
func (s *slot[F]) clearIf(sub *Subscription) bool {
	if sub == nil || s.sub != sub {
		return false
	}
	s.clear()
	return true
}

// SendOption adjusts a single Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	binary    bool
	binarySet bool
}

// Binary forces the frame type instead of inferring it from the data type.
func Binary(on bool) SendOption {
	return func(o *sendOptions) {
		o.binary = on
		o.binarySet = true
	}
}
