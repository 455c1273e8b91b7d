// File: engine/engine.go
// Package engine provides the native frame engine: it takes ownership of
// upgraded sockets through tickets and runs RFC 6455 framing on gobwas/ws.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/protocol"
)

const (
	defaultCloseTimeout   = 5 * time.Second
	handshakeWriteTimeout = 5 * time.Second
)

func init() {
	Register(DefaultName, func(cfg api.EngineConfig, cb api.Callbacks) (api.FrameEngine, error) {
		return New(cfg, cb)
	})
}

// Engine is the native FrameEngine. Each connection gets a reader and a
// writer goroutine; every callback is posted to the configured Dispatcher.
type Engine struct {
	cfg  api.EngineConfig
	cb   api.Callbacks
	loop api.Dispatcher
	log  zerolog.Logger

	nextHandle atomic.Uint64
	nextTicket atomic.Uint64

	mu      sync.Mutex
	conns   map[api.Handle]*conn
	tickets map[api.TicketID]*api.Ticket
	closed  bool
}

var _ api.FrameEngine = (*Engine)(nil)

// New validates cfg and returns a ready engine.
func New(cfg api.EngineConfig, cb api.Callbacks) (*Engine, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: engine requires a dispatcher", api.ErrInvalidArgument)
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	e := &Engine{
		cfg:     cfg,
		cb:      cb,
		loop:    cfg.Dispatcher,
		log:     cfg.Logger.With().Str("component", "engine").Logger(),
		conns:   make(map[api.Handle]*conn),
		tickets: make(map[api.TicketID]*api.Ticket),
	}
	e.log.Debug().
		Int("threads", cfg.Threads).
		Bool("compression", cfg.Compression.Enabled).
		Int64("max_payload", cfg.MaxPayload).
		Msg("engine created")
	return e, nil
}

// RequestTicket records desc as in transfer and returns its one-time ticket.
func (e *Engine) RequestTicket(desc api.Descriptor) (*api.Ticket, error) {
	if desc.Conn == nil {
		return nil, fmt.Errorf("%w: descriptor without socket", api.ErrInvalidArgument)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, api.ErrEngineClosed
	}
	t := api.NewTicket(api.TicketID(e.nextTicket.Add(1)), desc)
	e.tickets[t.ID()] = t
	return t, nil
}

// CompleteUpgrade consumes t and starts framing. The 101 response is the
// first thing the connection's writer sends, so the loop never waits on the
// socket. A failed 101 write surfaces as an abnormal disconnection.
func (e *Engine) CompleteUpgrade(t *api.Ticket, key, extensions string) error {
	if t == nil {
		return fmt.Errorf("%w: nil ticket", api.ErrInvalidArgument)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.discard(t)
		return api.ErrEngineClosed
	}
	if _, ok := e.tickets[t.ID()]; !ok {
		e.mu.Unlock()
		return api.ErrUnknownTicket
	}
	delete(e.tickets, t.ID())
	e.mu.Unlock()

	desc, err := t.Take()
	if err != nil {
		return api.NewError(api.ErrCodeTransfer, "take descriptor", err).WithContext("ticket", t.ID())
	}
	if !protocol.ValidKey(key) {
		desc.Conn.Close()
		return api.ErrBadHandshakeKey
	}

	accept, params := negotiate(e.cfg.Compression, extensions)
	var resp bytes.Buffer
	if err := protocol.WriteSwitchingProtocols(&resp, key, accept); err != nil {
		desc.Conn.Close()
		return api.NewError(api.ErrCodeTransfer, "encode handshake response", err).WithContext("ticket", t.ID())
	}

	c := newConn(e, api.Handle(e.nextHandle.Add(1)), desc, params)
	// queued before the handle is visible, so the writer sends the 101 first
	c.mu.Lock()
	c.push(outFrame{data: resp.Bytes(), handshake: true})
	c.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		desc.Conn.Close()
		return api.ErrEngineClosed
	}
	e.conns[c.h] = c
	e.mu.Unlock()

	c.start(t.ID())
	e.log.Debug().Uint64("handle", uint64(c.h)).Bool("deflate", params != nil).Msg("connection upgraded")
	return nil
}

// CancelTicket drops a ticket whose upgrade will never complete.
func (e *Engine) CancelTicket(t *api.Ticket) {
	if t == nil {
		return
	}
	e.mu.Lock()
	delete(e.tickets, t.ID())
	e.mu.Unlock()
	e.discard(t)
}

func (e *Engine) discard(t *api.Ticket) {
	if desc, err := t.Take(); err == nil {
		desc.Conn.Close()
	}
}

func (e *Engine) lookup(h api.Handle) *conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[h]
}

func (e *Engine) forget(h api.Handle) {
	e.mu.Lock()
	delete(e.conns, h)
	e.mu.Unlock()
}

func (e *Engine) snapshot() []*conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// post schedules fn on the loop; it is dropped once the loop has stopped.
func (e *Engine) post(fn func()) {
	e.loop.Post(fn)
}

func (e *Engine) complete(done func(error), err error) {
	if done != nil {
		e.post(func() { done(err) })
	}
}

// Send queues one message on h. done runs on the loop after the frame is
// written, or with an error if it never will be.
func (e *Engine) Send(h api.Handle, payload []byte, op api.Opcode, done func(error)) {
	c := e.lookup(h)
	if c == nil {
		e.complete(done, api.ErrUnknownHandle)
		return
	}
	if err := c.sendMessage(ws.OpCode(op), payload, done); err != nil {
		e.complete(done, err)
	}
}

// PrepareMessage encodes payload once for repeated sends.
func (e *Engine) PrepareMessage(payload []byte, op api.Opcode) (api.PreparedMessage, error) {
	return newPrepared(payload, ws.OpCode(op))
}

// SendPrepared queues a prepared frame on h.
func (e *Engine) SendPrepared(h api.Handle, pm api.PreparedMessage) {
	p, ok := pm.(*Prepared)
	if !ok {
		e.log.Error().Msgf("foreign prepared message %T", pm)
		return
	}
	c := e.lookup(h)
	if c == nil {
		return
	}
	if err := c.sendPrepared(p); err != nil {
		e.log.Debug().Err(err).Uint64("handle", uint64(h)).Msg("prepared send dropped")
	}
}

// FinalizeMessage releases a prepared message. Frames already queued are unaffected.
func (e *Engine) FinalizeMessage(pm api.PreparedMessage) {
	if p, ok := pm.(*Prepared); ok {
		p.finalize()
	}
}

// Broadcast sends payload to every live connection.
func (e *Engine) Broadcast(payload []byte, binary bool) {
	op := ws.OpText
	if binary {
		op = ws.OpBinary
	}
	p, err := newPrepared(payload, op)
	if err != nil {
		e.log.Error().Err(err).Msg("broadcast encode failed")
		return
	}
	defer p.finalize()
	for _, c := range e.snapshot() {
		c.sendPrepared(p)
	}
}

// LookupAddress returns the remote endpoint of h.
func (e *Engine) LookupAddress(h api.Handle) (api.Address, error) {
	c := e.lookup(h)
	if c == nil {
		return api.Address{}, api.ErrUnknownHandle
	}
	return c.addr, nil
}

// AttachUserData stores v on h. Loop goroutine only.
func (e *Engine) AttachUserData(h api.Handle, v any) {
	if c := e.lookup(h); c != nil {
		c.userData = v
	}
}

// UserData returns the value attached to h, or nil.
func (e *Engine) UserData(h api.Handle) any {
	if c := e.lookup(h); c != nil {
		return c.userData
	}
	return nil
}

// BufferedAmount reports payload bytes queued but not yet written on h.
func (e *Engine) BufferedAmount(h api.Handle) int {
	if c := e.lookup(h); c != nil {
		return c.buffered()
	}
	return 0
}

// CloseConnection starts the closing handshake on h.
func (e *Engine) CloseConnection(h api.Handle, code int, reason string) {
	if c := e.lookup(h); c != nil {
		c.initiateClose(code, reason)
	}
}

// Terminate drops h immediately, without a closing handshake.
func (e *Engine) Terminate(h api.Handle) {
	if c := e.lookup(h); c != nil {
		c.terminate()
	}
}

// Close aborts outstanding tickets and sends going-away to every live
// connection, dropping each once the frame is out. Disconnection callbacks
// are still posted for each of them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return api.ErrEngineClosed
	}
	e.closed = true
	tickets := make([]*api.Ticket, 0, len(e.tickets))
	for id, t := range e.tickets {
		tickets = append(tickets, t)
		delete(e.tickets, id)
	}
	e.mu.Unlock()

	for _, t := range tickets {
		e.discard(t)
	}
	conns := e.snapshot()
	for _, c := range conns {
		c.goAway()
	}
	e.log.Info().Int("connections", len(conns)).Int("tickets", len(tickets)).Msg("engine closed")
	return nil
}
