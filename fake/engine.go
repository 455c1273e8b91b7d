// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-bridge/api"
)

// Completion records one CompleteUpgrade call.
type Completion struct {
	Ticket     api.TicketID
	Key        string
	Extensions string
}

// Sent records one Send or SendPrepared call.
type Sent struct {
	Handle   api.Handle
	Payload  []byte
	Op       api.Opcode
	Prepared *Prepared
}

// CloseCall records one CloseConnection call.
type CloseCall struct {
	Handle api.Handle
	Code   int
	Reason string
}

// Prepared is the fake engine's prepared message.
type Prepared struct {
	Payload   []byte
	IsBinary  bool
	Finalized bool
}

func (p *Prepared) Binary() bool { return p.IsBinary }
func (p *Prepared) Len() int     { return len(p.Payload) }

// Engine is a scriptable api.FrameEngine. Tests drive the callbacks through
// Connect, Message, Ping, Pong and Disconnect, which post to the loop.
type Engine struct {
	mu         sync.Mutex
	cfg        api.EngineConfig
	cb         api.Callbacks
	nextTicket api.TicketID
	nextHandle api.Handle
	tickets    map[api.TicketID]*api.Ticket
	live       map[api.Handle]bool
	userData   map[api.Handle]any
	completed  []Completion
	cancelled  []api.TicketID
	sent       []Sent
	broadcasts [][]byte
	closes     []CloseCall
	closed     bool

	// CompleteErr, if set, is returned by CompleteUpgrade.
	CompleteErr error
	// SendErr is passed to every send completion.
	SendErr error
	// Buffered is reported by BufferedAmount for live handles.
	Buffered int
}

var _ api.FrameEngine = (*Engine)(nil)

// NewEngine creates an idle fake engine.
func NewEngine() *Engine {
	return &Engine{
		tickets:  make(map[api.TicketID]*api.Ticket),
		live:     make(map[api.Handle]bool),
		userData: make(map[api.Handle]any),
	}
}

// Factory returns an api.EngineFactory that hands out e.
func (e *Engine) Factory() api.EngineFactory {
	return func(cfg api.EngineConfig, cb api.Callbacks) (api.FrameEngine, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.cfg, e.cb = cfg, cb
		return e, nil
	}
}

// Config returns the configuration the factory received.
func (e *Engine) Config() api.EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) RequestTicket(desc api.Descriptor) (*api.Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, api.ErrEngineClosed
	}
	e.nextTicket++
	t := api.NewTicket(e.nextTicket, desc)
	e.tickets[t.ID()] = t
	return t, nil
}

func (e *Engine) CompleteUpgrade(t *api.Ticket, key, extensions string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tickets[t.ID()]; !ok {
		return api.ErrUnknownTicket
	}
	delete(e.tickets, t.ID())
	if _, err := t.Take(); err != nil {
		return err
	}
	e.completed = append(e.completed, Completion{Ticket: t.ID(), Key: key, Extensions: extensions})
	return e.CompleteErr
}

func (e *Engine) CancelTicket(t *api.Ticket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tickets, t.ID())
	t.Take()
	e.cancelled = append(e.cancelled, t.ID())
}

func (e *Engine) Send(h api.Handle, payload []byte, op api.Opcode, done func(error)) {
	e.mu.Lock()
	e.sent = append(e.sent, Sent{Handle: h, Payload: append([]byte(nil), payload...), Op: op})
	err := e.SendErr
	if !e.live[h] {
		err = api.ErrUnknownHandle
	}
	e.mu.Unlock()
	if done != nil {
		e.post(func() { done(err) })
	}
}

func (e *Engine) SendPrepared(h api.Handle, pm api.PreparedMessage) {
	p := pm.(*Prepared)
	e.mu.Lock()
	defer e.mu.Unlock()
	op := api.OpText
	if p.IsBinary {
		op = api.OpBinary
	}
	e.sent = append(e.sent, Sent{Handle: h, Payload: p.Payload, Op: op, Prepared: p})
}

func (e *Engine) PrepareMessage(payload []byte, op api.Opcode) (api.PreparedMessage, error) {
	return &Prepared{Payload: append([]byte(nil), payload...), IsBinary: op == api.OpBinary}, nil
}

func (e *Engine) FinalizeMessage(pm api.PreparedMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pm.(*Prepared).Finalized = true
}

func (e *Engine) Broadcast(payload []byte, binary bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcasts = append(e.broadcasts, append([]byte(nil), payload...))
}

func (e *Engine) LookupAddress(h api.Handle) (api.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live[h] {
		return api.Address{}, api.ErrUnknownHandle
	}
	return api.Address{Port: 40000 + int(h), IP: "127.0.0.1", Family: "IPv4"}, nil
}

func (e *Engine) AttachUserData(h api.Handle, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.userData[h] = v
}

func (e *Engine) UserData(h api.Handle) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userData[h]
}

func (e *Engine) BufferedAmount(h api.Handle) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live[h] {
		return 0
	}
	return e.Buffered
}

func (e *Engine) CloseConnection(h api.Handle, code int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes = append(e.closes, CloseCall{Handle: h, Code: code, Reason: reason})
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return api.ErrEngineClosed
	}
	e.closed = true
	for id, t := range e.tickets {
		t.Take()
		delete(e.tickets, id)
	}
	return nil
}

func (e *Engine) post(fn func()) {
	e.mu.Lock()
	d := e.cfg.Dispatcher
	e.mu.Unlock()
	d.Post(fn)
}

// Connect reports a completed upgrade for ticket and returns the new handle.
func (e *Engine) Connect(ticket api.TicketID) api.Handle {
	e.mu.Lock()
	e.nextHandle++
	h := e.nextHandle
	e.live[h] = true
	cb := e.cb.OnConnection
	e.mu.Unlock()
	e.post(func() { cb(h, ticket) })
	return h
}

// Message delivers an inbound message on h.
func (e *Engine) Message(h api.Handle, payload []byte, binary bool) {
	e.post(func() { e.cb.OnMessage(h, payload, binary) })
}

// Ping delivers an inbound ping on h.
func (e *Engine) Ping(h api.Handle, payload []byte) {
	e.post(func() { e.cb.OnPing(h, payload) })
}

// Pong delivers an inbound pong on h.
func (e *Engine) Pong(h api.Handle, payload []byte) {
	e.post(func() { e.cb.OnPong(h, payload) })
}

// Disconnect reports h gone with code and reason.
func (e *Engine) Disconnect(h api.Handle, code int, reason string) {
	e.mu.Lock()
	delete(e.live, h)
	e.mu.Unlock()
	e.post(func() { e.cb.OnDisconnection(h, code, reason) })
}

// Completions returns the CompleteUpgrade calls so far.
func (e *Engine) Completions() []Completion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Completion(nil), e.completed...)
}

// Cancelled returns the cancelled ticket ids.
func (e *Engine) Cancelled() []api.TicketID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]api.TicketID(nil), e.cancelled...)
}

// Sends returns the Send and SendPrepared calls so far.
func (e *Engine) Sends() []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sent(nil), e.sent...)
}

// Broadcasts returns broadcast payloads.
func (e *Engine) Broadcasts() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.broadcasts...)
}

// Closes returns the CloseConnection calls so far.
func (e *Engine) Closes() []CloseCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]CloseCall(nil), e.closes...)
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
