// File: httplayer/layer.go
// Package httplayer is the HTTP side of the bridge: an http.Handler that
// hijacks WebSocket upgrade requests and publishes them, together with a
// detachable raw transport, on the event loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package httplayer

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/protocol"
)

// UpgradeHandler receives an upgrade request on the loop goroutine. head holds
// bytes the client sent after the request head.
type UpgradeHandler func(r *http.Request, tr api.RawTransport, head []byte)

// Option customizes a Layer.
type Option func(*Layer)

// WithLogger sets the logger used for hijack failures.
func WithLogger(l zerolog.Logger) Option {
	return func(ly *Layer) {
		ly.log = l.With().Str("component", "httplayer").Logger()
	}
}

// Layer implements http.Handler.
type Layer struct {
	loop api.Dispatcher
	log  zerolog.Logger

	mu     sync.Mutex
	subs   map[uint64]UpgradeHandler
	order  []uint64
	nextID uint64
}

var _ http.Handler = (*Layer)(nil)

// New creates a Layer that dispatches upgrade events through loop.
func New(loop api.Dispatcher, opts ...Option) *Layer {
	l := &Layer{
		loop: loop,
		log:  zerolog.Nop(),
		subs: make(map[uint64]UpgradeHandler),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OnUpgrade subscribes fn to upgrade events and returns its unsubscribe func.
func (l *Layer) OnUpgrade(fn UpgradeHandler) (unsubscribe func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Subscribers returns the number of upgrade subscribers.
func (l *Layer) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// ServeHTTP answers plain requests with 426 and hijacks upgrade requests.
func (l *Layer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !protocol.IsUpgradeRequest(r) {
		w.Header().Set(protocol.HeaderUpgrade, "websocket")
		http.Error(w, http.StatusText(http.StatusUpgradeRequired), http.StatusUpgradeRequired)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		l.log.Warn().Err(err).Msg("hijack failed")
		return
	}

	var head []byte
	if n := brw.Reader.Buffered(); n > 0 {
		peek, _ := brw.Reader.Peek(n)
		head = append([]byte(nil), peek...)
	}
	tr := newTransport(l.loop, conn, r.TLS, head)

	if !l.loop.Post(func() { l.dispatch(r, tr, head) }) {
		conn.Close()
	}
}

func (l *Layer) dispatch(r *http.Request, tr *Transport, head []byte) {
	l.mu.Lock()
	handlers := make([]UpgradeHandler, 0, len(l.order))
	for _, id := range l.order {
		handlers = append(handlers, l.subs[id])
	}
	l.mu.Unlock()

	if len(handlers) == 0 {
		l.log.Debug().Str("path", r.URL.Path).Msg("no upgrade subscriber, destroying transport")
		tr.Destroy()
		return
	}
	for _, h := range handlers {
		h(r, tr, head)
	}
}
