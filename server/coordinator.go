// File: server/coordinator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handshake handoff: the HTTP layer keeps the socket until it reports the
// transport detached; only then is the pending upgrade recorded and the
// engine asked to finish the protocol upgrade.

package server

import (
	"errors"
	"net/http"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/protocol"
)

// HandleUpgrade transfers tr to the frame engine and calls deliver with the
// new connection once the engine reports it. It must run on the event loop.
// An invalid Sec-WebSocket-Key destroys tr and deliver is never called.
func (s *Server) HandleUpgrade(r *http.Request, tr api.RawTransport, deliver func(*Conn)) {
	if s.isClosed() {
		tr.Destroy()
		return
	}
	key := r.Header.Get(protocol.HeaderSecWebSocketKey)
	if !protocol.ValidKey(key) {
		s.log.Debug().Int("key_len", len(key)).Msg("invalid handshake key")
		s.metrics.Handshake(control.HandshakeInvalidKey)
		tr.Destroy()
		return
	}

	if err := tr.SetNoDelay(s.cfg.NoDelay); err != nil && !errors.Is(err, api.ErrNotSupported) {
		s.log.Debug().Err(err).Msg("set no-delay")
	}

	desc, err := tr.Descriptor()
	if err != nil {
		s.transferFailed(tr, err)
		return
	}
	ticket, err := s.engine.RequestTicket(desc)
	if err != nil {
		s.transferFailed(tr, err)
		return
	}

	req := snapshotRequest(r, tr.Secure())
	extensions := r.Header.Get(protocol.HeaderSecWebSocketExtensions)

	tr.OnClose(func(detached bool) {
		if !detached {
			s.engine.CancelTicket(ticket)
			s.metrics.Handshake(control.HandshakeAborted)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.engine.CancelTicket(ticket)
			return
		}
		s.pending[ticket.ID()] = &pendingUpgrade{req: req, deliver: deliver}
		s.mu.Unlock()

		if err := s.engine.CompleteUpgrade(ticket, key, extensions); err != nil {
			s.mu.Lock()
			delete(s.pending, ticket.ID())
			s.mu.Unlock()
			s.log.Debug().Err(err).Uint64("ticket", uint64(ticket.ID())).Msg("complete upgrade failed")
			s.metrics.Handshake(control.HandshakeTransferFailed)
		}
	})
	tr.Detach()
}

func (s *Server) transferFailed(tr api.RawTransport, err error) {
	s.log.Warn().Err(err).Msg("transport transfer failed")
	s.metrics.Handshake(control.HandshakeTransferFailed)
	tr.Destroy()
}
