// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Raw transport abstraction handed from the HTTP layer to the frame engine.

package api

import (
	"crypto/tls"
	"net"
)

// Descriptor is the underlying I/O of a raw transport: the socket, its TLS
// state (nil for plaintext) and any bytes already buffered past the request head.
type Descriptor struct {
	Conn net.Conn
	TLS  *tls.ConnectionState
	Head []byte
}

// RawTransport is a hijacked connection still owned by the HTTP layer.
type RawTransport interface {
	// SetNoDelay toggles TCP_NODELAY on the socket.
	SetNoDelay(noDelay bool) error

	// OnClose registers the close/detach signal. detached is true when the
	// HTTP layer released the socket without closing it.
	OnClose(fn func(detached bool))

	// Detach drops the HTTP layer's reference without closing the socket.
	Detach()

	// Destroy closes the socket.
	Destroy()

	// Descriptor exposes the socket while the HTTP layer still owns it.
	Descriptor() (Descriptor, error)

	// WriteStatus writes a bare HTTP status response on the socket.
	WriteStatus(code int, reason string) error

	Secure() bool
	RemoteAddr() net.Addr
}
