// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server is the registry of one WebSocket endpoint: it filters and verifies
// upgrade requests from the HTTP layer, hands accepted sockets to the frame
// engine and turns engine callbacks into Conn events. Engine and HTTP layer
// callbacks arrive on the event loop; Server state is guarded so that the
// exported methods may also be called from other goroutines.

package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/engine"
	"github.com/momentics/hioload-bridge/httplayer"
	"github.com/momentics/hioload-bridge/protocol"
)

var (
	// ErrListenerExists is returned when an event slot is already occupied.
	ErrListenerExists = errors.New("listener already registered")
	// ErrConnectionClosed is reported to send callbacks on a closed connection.
	ErrConnectionClosed = errors.New("connection is not open")
	// ErrUnsupportedPayload is reported for Send data that is neither string nor []byte.
	ErrUnsupportedPayload = errors.New("unsupported payload type")
	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("server closed")
)

// Loop is the event loop the server runs on.
type Loop interface {
	api.Dispatcher
	// Do runs fn on the loop and waits. Must not be called from the loop.
	Do(fn func()) error
}

// UpgradeSource publishes upgrade requests, see httplayer.Layer.
type UpgradeSource interface {
	OnUpgrade(fn httplayer.UpgradeHandler) (unsubscribe func())
}

type pendingUpgrade struct {
	req     *Request
	deliver func(*Conn)
}

// Server owns one frame engine and the connections it produced.
type Server struct {
	cfg         Config
	loop        Loop
	engine      api.FrameEngine
	log         zerolog.Logger
	metrics     *control.Metrics
	verify      func(ClientInfo) bool
	verifyAsync func(ClientInfo, VerifyDone)

	unsubscribe func()
	clients     atomic.Int64

	mu         sync.Mutex
	closed     bool
	pending    map[api.TicketID]*pendingUpgrade
	listeners  map[uint64]func(*Conn)
	order      []uint64
	nextListen uint64
}

// New creates a server on loop. If src is non-nil the server subscribes to
// its upgrade events; otherwise upgrades are fed through HandleUpgrade.
func New(src UpgradeSource, loop Loop, opts ...ServerOption) (*Server, error) {
	if loop == nil {
		return nil, fmt.Errorf("%w: server requires an event loop", api.ErrInvalidArgument)
	}
	s := &Server{
		cfg:       *DefaultConfig(),
		loop:      loop,
		log:       zerolog.Nop(),
		pending:   make(map[api.TicketID]*pendingUpgrade),
		listeners: make(map[uint64]func(*Conn)),
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg.Path = normalizePath(s.cfg.Path)
	s.log = s.log.With().Str("component", "server").Logger()

	eng, err := engine.Open(s.cfg.Engine, api.EngineConfig{
		Threads: s.cfg.Threads,
		Compression: api.Compression{
			Enabled:                 s.cfg.Compression,
			ServerNoContextTakeover: s.cfg.ServerNoContextTakeover,
			ClientNoContextTakeover: s.cfg.ClientNoContextTakeover,
		},
		MaxPayload:   s.cfg.MaxPayload,
		CloseTimeout: s.cfg.CloseTimeout,
		Dispatcher:   loop,
		Logger:       s.log,
	}, api.Callbacks{
		OnConnection:    s.onEngineConnection,
		OnMessage:       s.onEngineMessage,
		OnPing:          s.onEnginePing,
		OnPong:          s.onEnginePong,
		OnDisconnection: s.onEngineDisconnection,
	})
	if err != nil {
		return nil, err
	}
	s.engine = eng

	if src != nil {
		s.unsubscribe = src.OnUpgrade(s.handleUpgradeEvent)
	}
	s.log.Info().
		Str("engine", s.cfg.Engine).
		Str("path", s.cfg.Path).
		Bool("compression", s.cfg.Compression).
		Int64("max_payload", s.cfg.MaxPayload).
		Msg("server ready")
	return s, nil
}

// Config returns a copy of the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// OnConnection subscribes fn to new connections and returns its unsubscribe func.
func (s *Server) OnConnection(fn func(*Conn)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextListen++
	id := s.nextListen
	s.listeners[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Server) emitConnection(c *Conn) {
	s.mu.Lock()
	fns := make([]func(*Conn), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// ClientCount returns the number of open connections. Safe from any goroutine.
func (s *Server) ClientCount() int {
	return int(s.clients.Load())
}

// Do runs fn on the event loop and waits for it.
func (s *Server) Do(fn func()) error {
	return s.loop.Do(fn)
}

// Broadcast sends payload to every open connection.
func (s *Server) Broadcast(payload []byte, binary bool) error {
	if s.isClosed() {
		return ErrServerClosed
	}
	s.engine.Broadcast(payload, binary)
	s.metrics.Broadcast()
	return nil
}

// PrepareMessage encodes payload once for SendPrepared on many connections.
// The result stays valid until FinalizeMessage.
func (s *Server) PrepareMessage(payload []byte, binary bool) (api.PreparedMessage, error) {
	if s.isClosed() {
		return nil, ErrServerClosed
	}
	op := api.OpText
	if binary {
		op = api.OpBinary
	}
	return s.engine.PrepareMessage(payload, op)
}

// FinalizeMessage releases a prepared message.
func (s *Server) FinalizeMessage(pm api.PreparedMessage) {
	if pm != nil {
		s.engine.FinalizeMessage(pm)
	}
}

// Close stops accepting upgrades, drops pending handshakes and closes the
// engine, which disconnects every open connection. Calling it again is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := len(s.pending)
	s.pending = make(map[api.TicketID]*pendingUpgrade)
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	for i := 0; i < dropped; i++ {
		s.metrics.Handshake(control.HandshakeAborted)
	}
	err := s.engine.Close()
	if errors.Is(err, api.ErrEngineClosed) {
		err = nil
	}
	s.log.Info().Int("pending_dropped", dropped).Int("clients", s.ClientCount()).Msg("server closed")
	return err
}

// RegisterProbes publishes client and pending-handshake counts on dp.
func (s *Server) RegisterProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("ws.clients", func() any { return s.ClientCount() })
	dp.RegisterProbe("ws.pending_upgrades", func() any { return s.PendingUpgrades() })
}

// PendingUpgrades returns the number of detached sockets still waiting for
// the engine to report the connection.
func (s *Server) PendingUpgrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleUpgradeEvent runs on the loop for every upgrade request.
func (s *Server) handleUpgradeEvent(r *http.Request, tr api.RawTransport, _ []byte) {
	if s.isClosed() {
		tr.Destroy()
		return
	}
	if s.cfg.Path != "" && r.URL.Path != s.cfg.Path {
		s.log.Debug().Str("path", r.URL.Path).Msg("upgrade path mismatch")
		s.metrics.Handshake(control.HandshakePathMismatch)
		tr.Destroy()
		return
	}
	s.verifyClient(r, tr, func(ok bool, code int, reason string) {
		if !ok {
			s.reject(tr, code, reason)
			return
		}
		s.HandleUpgrade(r, tr, s.emitConnection)
	})
}

func (s *Server) verifyClient(r *http.Request, tr api.RawTransport, next func(ok bool, code int, reason string)) {
	info := ClientInfo{
		Origin:  r.Header.Get("Origin"),
		Secure:  tr.Secure(),
		Request: r,
	}
	switch {
	case s.verifyAsync != nil:
		var once sync.Once
		s.verifyAsync(info, func(ok bool, code int, reason string) {
			once.Do(func() {
				posted := s.loop.Post(func() {
					if s.isClosed() {
						tr.Destroy()
						return
					}
					next(ok, code, reason)
				})
				if !posted {
					s.log.Warn().Msg("verification result dropped, loop stopped")
				}
			})
		})
	case s.verify != nil:
		next(s.verify(info), 0, "")
	default:
		next(true, 0, "")
	}
}

func (s *Server) reject(tr api.RawTransport, code int, reason string) {
	s.metrics.Handshake(control.HandshakeRejected)
	if s.cfg.RejectResponse {
		if code == 0 {
			code = http.StatusUnauthorized
		}
		if err := tr.WriteStatus(code, reason); err != nil {
			s.log.Debug().Err(err).Msg("reject response not written")
		}
	}
	s.log.Debug().Int("code", code).Msg("upgrade rejected")
	tr.Destroy()
}

// Engine callbacks. All run on the loop.

func (s *Server) onEngineConnection(h api.Handle, ticket api.TicketID) {
	s.mu.Lock()
	p, ok := s.pending[ticket]
	delete(s.pending, ticket)
	s.mu.Unlock()
	if !ok {
		s.log.Warn().Uint64("ticket", uint64(ticket)).Msg("connection without pending upgrade")
		s.engine.CloseConnection(h, protocol.CloseInternalServerErr, "")
		return
	}

	c := newConn(s, h, p.req)
	s.engine.AttachUserData(h, c)
	s.clients.Add(1)
	s.metrics.Handshake(control.HandshakeAccepted)
	s.metrics.ConnectionOpened()
	c.log.Debug().Str("remote", c.req.RemoteAddr.IP).Msg("connection open")

	p.deliver(c)
}

func (s *Server) connFor(h api.Handle) *Conn {
	c, _ := s.engine.UserData(h).(*Conn)
	return c
}

func (s *Server) onEngineMessage(h api.Handle, payload []byte, binary bool) {
	if c := s.connFor(h); c != nil {
		s.metrics.MessageReceived(binary, len(payload))
		c.emitMessage(payload, binary)
	}
}

func (s *Server) onEnginePing(h api.Handle, payload []byte) {
	if c := s.connFor(h); c != nil {
		c.emitPing(payload)
	}
}

func (s *Server) onEnginePong(h api.Handle, payload []byte) {
	if c := s.connFor(h); c != nil {
		c.emitPong(payload)
	}
}

func (s *Server) onEngineDisconnection(h api.Handle, code int, reason string) {
	c := s.connFor(h)
	if c == nil {
		return
	}
	s.engine.AttachUserData(h, nil)
	s.clients.Add(-1)
	s.metrics.ConnectionClosed(code)
	c.log.Debug().Int("code", code).Str("reason", reason).Msg("connection closed")
	c.disconnected(code, reason)
}
