// File: httplayer/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport is a hijacked socket owned by the HTTP layer until it is detached
// (handed to the frame engine) or destroyed. Its methods run on the loop.

package httplayer

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/transport"
	"github.com/momentics/hioload-bridge/protocol"
)

const statusWriteTimeout = 2 * time.Second

// Transport implements api.RawTransport over a hijacked net.Conn.
type Transport struct {
	loop    api.Dispatcher
	conn    net.Conn // nil once detached or destroyed
	tls     *tls.ConnectionState
	head    []byte
	remote  net.Addr
	onClose func(detached bool)
}

var _ api.RawTransport = (*Transport)(nil)

func newTransport(loop api.Dispatcher, conn net.Conn, state *tls.ConnectionState, head []byte) *Transport {
	return &Transport{
		loop:   loop,
		conn:   conn,
		tls:    state,
		head:   head,
		remote: conn.RemoteAddr(),
	}
}

// SetNoDelay toggles TCP_NODELAY on the socket.
func (t *Transport) SetNoDelay(noDelay bool) error {
	if t.conn == nil {
		return api.ErrTransportDetached
	}
	return transport.SetNoDelay(t.conn, noDelay)
}

// OnClose registers the close/detach signal. A later call replaces an earlier one.
func (t *Transport) OnClose(fn func(detached bool)) {
	t.onClose = fn
}

// Detach releases the socket without closing it. The close signal fires on
// the next loop turn.
func (t *Transport) Detach() {
	if t.conn == nil {
		return
	}
	t.conn = nil
	t.loop.Defer(func() { t.signal(true) })
}

// Destroy closes the socket. The close signal fires on the next loop turn.
func (t *Transport) Destroy() {
	if t.conn == nil {
		return
	}
	c := t.conn
	t.conn = nil
	c.Close()
	t.loop.Defer(func() { t.signal(false) })
}

// Descriptor exposes the socket while the HTTP layer owns it.
func (t *Transport) Descriptor() (api.Descriptor, error) {
	if t.conn == nil {
		return api.Descriptor{}, api.ErrTransportDetached
	}
	return api.Descriptor{Conn: t.conn, TLS: t.tls, Head: t.head}, nil
}

// WriteStatus writes an HTTP status response on the socket.
func (t *Transport) WriteStatus(code int, reason string) error {
	if t.conn == nil {
		return api.ErrTransportDetached
	}
	t.conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
	defer t.conn.SetWriteDeadline(time.Time{})
	return protocol.WriteStatus(t.conn, code, reason)
}

// Secure reports whether the socket carries TLS.
func (t *Transport) Secure() bool {
	return t.tls != nil
}

// RemoteAddr returns the peer address captured at hijack time.
func (t *Transport) RemoteAddr() net.Addr {
	return t.remote
}

func (t *Transport) signal(detached bool) {
	fn := t.onClose
	t.onClose = nil
	if fn != nil {
		fn(detached)
	}
}
