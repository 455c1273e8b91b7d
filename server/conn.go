// File: server/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn is the application handle of one WebSocket connection. Every method
// must be called on the event loop; listeners are invoked there too.

package server

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bridge/api"
)

// ReadyState is the connection state.
type ReadyState int

const (
	StateOpen ReadyState = iota
	StateClosed
)

func (s ReadyState) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return "CLOSED"
}

// Conn is a connected WebSocket client.
type Conn struct {
	srv      *Server
	engine   api.FrameEngine
	h        api.Handle // zero once closed
	id       uuid.UUID
	req      *Request
	log      zerolog.Logger
	userData any

	message slot[MessageHandler]
	close   slot[CloseHandler]
	ping    slot[PingHandler]
	pong    slot[PongHandler]
}

func newConn(s *Server, h api.Handle, req *Request) *Conn {
	id := uuid.New()
	if addr, err := s.engine.LookupAddress(h); err == nil {
		req.RemoteAddr = addr
	}
	return &Conn{
		srv:    s,
		engine: s.engine,
		h:      h,
		id:     id,
		req:    req,
		log:    s.log.With().Str("conn_id", id.String()).Logger(),
	}
}

// ID returns the connection id.
func (c *Conn) ID() uuid.UUID { return c.id }

// Request returns the snapshot of the upgrade request.
func (c *Conn) Request() *Request { return c.req }

// ReadyState reports StateOpen until the connection is closed locally or by the peer.
func (c *Conn) ReadyState() ReadyState {
	if c.h == 0 {
		return StateClosed
	}
	return StateOpen
}

// RemoteAddr returns the peer address, or the zero Address once closed.
func (c *Conn) RemoteAddr() api.Address {
	if c.h == 0 {
		return api.Address{}
	}
	addr, err := c.engine.LookupAddress(c.h)
	if err != nil {
		return api.Address{}
	}
	return addr
}

// BufferedAmount returns payload bytes queued for this connection but not yet written.
func (c *Conn) BufferedAmount() int {
	if c.h == 0 {
		return 0
	}
	return c.engine.BufferedAmount(c.h)
}

// SetUserData attaches an application value.
func (c *Conn) SetUserData(v any) { c.userData = v }

// UserData returns the application value.
func (c *Conn) UserData() any { return c.userData }

// OnMessage registers the message listener.
func (c *Conn) OnMessage(fn MessageHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventMessage)
	}
	return c.message.set(EventMessage, fn)
}

// OnceMessage registers a message listener that is removed before its first call.
func (c *Conn) OnceMessage(fn MessageHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventMessage)
	}
	var sub *Subscription
	sub, err := c.message.set(EventMessage, func(data []byte, binary bool) {
		c.message.clearIf(sub)
		fn(data, binary)
	})
	return sub, err
}

// OnClose registers the close listener.
func (c *Conn) OnClose(fn CloseHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventClose)
	}
	return c.close.set(EventClose, fn)
}

// OnceClose registers a close listener that is removed before its first call.
func (c *Conn) OnceClose(fn CloseHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventClose)
	}
	var sub *Subscription
	sub, err := c.close.set(EventClose, func(code int, reason string) {
		c.close.clearIf(sub)
		fn(code, reason)
	})
	return sub, err
}

// OnPing registers the ping listener. Pongs are sent by the engine regardless.
func (c *Conn) OnPing(fn PingHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventPing)
	}
	return c.ping.set(EventPing, fn)
}

// OncePing registers a ping listener that is removed before its first call.
func (c *Conn) OncePing(fn PingHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventPing)
	}
	var sub *Subscription
	sub, err := c.ping.set(EventPing, func(p []byte) {
		c.ping.clearIf(sub)
		fn(p)
	})
	return sub, err
}

// OnPong registers the pong listener.
func (c *Conn) OnPong(fn PongHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventPong)
	}
	return c.pong.set(EventPong, fn)
}

// OncePong registers a pong listener that is removed before its first call.
func (c *Conn) OncePong(fn PongHandler) (*Subscription, error) {
	if fn == nil {
		return nil, nilListener(EventPong)
	}
	var sub *Subscription
	sub, err := c.pong.set(EventPong, func(p []byte) {
		c.pong.clearIf(sub)
		fn(p)
	})
	return sub, err
}

// RemoveListener clears the slot of sub if sub is still registered there.
func (c *Conn) RemoveListener(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	switch sub.event {
	case EventMessage:
		return c.message.clearIf(sub)
	case EventClose:
		return c.close.clearIf(sub)
	case EventPing:
		return c.ping.clearIf(sub)
	case EventPong:
		return c.pong.clearIf(sub)
	}
	return false
}

// RemoveAllListeners clears the named slots, or every slot when none is named.
func (c *Conn) RemoveAllListeners(events ...Event) {
	if len(events) == 0 {
		events = []Event{EventMessage, EventClose, EventPing, EventPong}
	}
	for _, ev := range events {
		switch ev {
		case EventMessage:
			c.message.clear()
		case EventClose:
			c.close.clear()
		case EventPing:
			c.ping.clear()
		case EventPong:
			c.pong.clear()
		}
	}
}

// Send queues data as one message. A string is sent as text and a []byte as
// binary unless Binary overrides it. done, if not nil, receives the write
// result on the loop; on a closed connection it is called immediately with
// ErrConnectionClosed.
func (c *Conn) Send(data any, done func(error), opts ...SendOption) {
	if c.h == 0 {
		if done != nil {
			done(ErrConnectionClosed)
		}
		return
	}
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}

	var (
		payload []byte
		binary  bool
	)
	switch v := data.(type) {
	case string:
		payload, binary = []byte(v), false
	case []byte:
		payload, binary = v, true
	default:
		if done != nil {
			done(fmt.Errorf("%w: %T", ErrUnsupportedPayload, data))
		}
		return
	}
	if o.binarySet {
		binary = o.binary
	}
	op := api.OpText
	if binary {
		op = api.OpBinary
	}
	c.engine.Send(c.h, payload, op, done)
	c.srv.metrics.MessageSent(binary)
}

// SendPrepared queues a prepared message. No-op once closed.
func (c *Conn) SendPrepared(pm api.PreparedMessage) {
	if c.h == 0 || pm == nil {
		return
	}
	c.engine.SendPrepared(c.h, pm)
	c.srv.metrics.MessageSent(pm.Binary())
}

// Ping sends a ping frame. No-op once closed.
func (c *Conn) Ping(payload []byte) {
	if c.h == 0 {
		return
	}
	c.engine.Send(c.h, payload, api.OpPing, nil)
}

// Close starts the closing handshake. The connection reads as closed right
// away; the engine is told on the next loop turn. A zero code sends a close
// frame without status. Closing twice is a no-op.
func (c *Conn) Close(code int, reason string) {
	if c.h == 0 {
		return
	}
	h := c.h
	c.h = 0
	c.srv.loop.Defer(func() {
		c.engine.CloseConnection(h, code, reason)
	})
}

func (c *Conn) emitMessage(data []byte, binary bool) {
	if fn := c.message.fn; fn != nil {
		fn(data, binary)
	}
}

func (c *Conn) emitPing(p []byte) {
	if fn := c.ping.fn; fn != nil {
		fn(p)
	}
}

func (c *Conn) emitPong(p []byte) {
	if fn := c.pong.fn; fn != nil {
		fn(p)
	}
}

// disconnected is called when the engine reports the connection gone.
func (c *Conn) disconnected(code int, reason string) {
	c.h = 0
	if fn := c.close.fn; fn != nil {
		fn(code, reason)
	}
}

func nilListener(ev Event) error {
	return fmt.Errorf("%w: nil %s listener", api.ErrInvalidArgument, ev)
}
