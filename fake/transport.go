// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the bridge contracts.

package fake

import (
	"net"
	"sync"

	"github.com/momentics/hioload-bridge/api"
)

// Transport is a fake api.RawTransport. Like the real HTTP layer it fires
// the close signal through loop.Defer, never synchronously.
type Transport struct {
	loop   api.Dispatcher
	conn   net.Conn
	peer   net.Conn
	secure bool

	mu            sync.Mutex
	released      bool
	detached      bool
	destroyed     bool
	noDelay       []bool
	statuses      []int
	onClose       func(detached bool)
	DescriptorErr error
	NoDelayErr    error
}

var _ api.RawTransport = (*Transport)(nil)

// NewTransport creates a transport backed by one end of a net.Pipe.
func NewTransport(loop api.Dispatcher, secure bool) *Transport {
	a, b := net.Pipe()
	return &Transport{loop: loop, conn: a, peer: b, secure: secure}
}

// Peer returns the other end of the pipe.
func (t *Transport) Peer() net.Conn { return t.peer }

// SetNoDelay implements api.RawTransport.
func (t *Transport) SetNoDelay(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noDelay = append(t.noDelay, on)
	return t.NoDelayErr
}

// OnClose implements api.RawTransport.
func (t *Transport) OnClose(fn func(detached bool)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// Detach implements api.RawTransport.
func (t *Transport) Detach() {
	if !t.release(true) {
		return
	}
	t.loop.Defer(func() { t.signal(true) })
}

// Destroy implements api.RawTransport.
func (t *Transport) Destroy() {
	if !t.release(false) {
		return
	}
	t.conn.Close()
	t.peer.Close()
	t.loop.Defer(func() { t.signal(false) })
}

func (t *Transport) release(detach bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return false
	}
	t.released = true
	t.detached = detach
	t.destroyed = !detach
	return true
}

func (t *Transport) signal(detached bool) {
	t.mu.Lock()
	fn := t.onClose
	t.onClose = nil
	t.mu.Unlock()
	if fn != nil {
		fn(detached)
	}
}

// Descriptor implements api.RawTransport.
func (t *Transport) Descriptor() (api.Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DescriptorErr != nil {
		return api.Descriptor{}, t.DescriptorErr
	}
	if t.released {
		return api.Descriptor{}, api.ErrTransportDetached
	}
	return api.Descriptor{Conn: t.conn}, nil
}

// WriteStatus implements api.RawTransport and records the code.
func (t *Transport) WriteStatus(code int, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return api.ErrTransportDetached
	}
	t.statuses = append(t.statuses, code)
	return nil
}

// Secure implements api.RawTransport.
func (t *Transport) Secure() bool { return t.secure }

// RemoteAddr implements api.RawTransport.
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Detached reports whether Detach released the transport.
func (t *Transport) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

// Destroyed reports whether Destroy released the transport.
func (t *Transport) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// NoDelayCalls returns the values passed to SetNoDelay.
func (t *Transport) NoDelayCalls() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.noDelay...)
}

// Statuses returns the codes passed to WriteStatus.
func (t *Transport) Statuses() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.statuses...)
}
