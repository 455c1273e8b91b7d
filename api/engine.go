// File: api/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FrameEngine contract: the handle-based surface the server drives and the
// callbacks the engine posts back onto the event loop.

package api

import (
	"time"

	"github.com/rs/zerolog"
)

// Opcode is the WebSocket frame type marker.
type Opcode byte

const (
	OpText   Opcode = 0x1
	OpBinary Opcode = 0x2
	OpClose  Opcode = 0x8
	OpPing   Opcode = 0x9
	OpPong   Opcode = 0xA
)

// Handle is an opaque native connection handle. Zero means "no connection".
type Handle uint64

// Dispatcher runs callbacks on the single event-loop goroutine.
type Dispatcher interface {
	// Post schedules fn for the current or next loop iteration. Safe from any
	// goroutine, including the loop itself; it must not block.
	Post(fn func()) bool
	// Defer schedules fn after all immediate work of the current turn. Loop goroutine only.
	Defer(fn func())
}

// Compression describes the permessage-deflate policy.
type Compression struct {
	Enabled                 bool
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

// EngineConfig is passed to an EngineFactory.
type EngineConfig struct {
	Threads      int
	Compression  Compression
	MaxPayload   int64
	CloseTimeout time.Duration
	Dispatcher   Dispatcher
	Logger       zerolog.Logger
}

// Callbacks are invoked by the engine on the Dispatcher goroutine, in wire order
// per connection.
type Callbacks struct {
	OnConnection    func(h Handle, ticket TicketID)
	OnMessage       func(h Handle, payload []byte, binary bool)
	OnPing          func(h Handle, payload []byte)
	OnPong          func(h Handle, payload []byte)
	OnDisconnection func(h Handle, code int, reason string)
}

// Address is the remote endpoint triple of a connection.
type Address struct {
	Port   int
	IP     string
	Family string
}

// PreparedMessage is an engine-owned encoded frame reusable across sends.
type PreparedMessage interface {
	Binary() bool
	Len() int
}

// FrameEngine owns raw transports after handoff and performs framing,
// masking and compression.
type FrameEngine interface {
	RequestTicket(desc Descriptor) (*Ticket, error)
	CompleteUpgrade(t *Ticket, key, extensions string) error
	CancelTicket(t *Ticket)

	Send(h Handle, payload []byte, op Opcode, done func(error))
	SendPrepared(h Handle, pm PreparedMessage)
	PrepareMessage(payload []byte, op Opcode) (PreparedMessage, error)
	FinalizeMessage(pm PreparedMessage)
	Broadcast(payload []byte, binary bool)

	LookupAddress(h Handle) (Address, error)
	AttachUserData(h Handle, v any)
	UserData(h Handle) any
	BufferedAmount(h Handle) int

	CloseConnection(h Handle, code int, reason string)
	Close() error
}

// EngineFactory constructs a FrameEngine; see engine.Register.
type EngineFactory func(cfg EngineConfig, cb Callbacks) (FrameEngine, error)
