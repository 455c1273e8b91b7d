// File: engine/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection framing. The reader goroutine parses client frames and
// posts events to the loop; the writer goroutine drains an outbox of
// pre-encoded frames. Data frames are encoded on the loop goroutine.

package engine

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/gobwas/pool/pbytes"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/internal/transport"
	"github.com/momentics/hioload-bridge/protocol"
)

const readBufferSize = 4096

var rsv1 = ws.Rsv(true, false, false)

type outFrame struct {
	data      []byte
	size      int
	done      func(error)
	close     bool
	handshake bool
}

type conn struct {
	e    *Engine
	h    api.Handle
	nc   net.Conn
	br   *bufio.Reader
	addr api.Address
	log  zerolog.Logger

	// compression state, nil without permessage-deflate
	params *wsflate.Parameters
	comp   *compressor
	decomp *decompressor

	userData any // loop only

	mu         sync.Mutex
	out        *queue.Queue
	queued     int
	closing    bool // close frame queued, no more data
	closeSent  bool
	peerClosed bool
	noPeerWait bool // drop once our close frame is out
	code       int
	reason     string

	wake     chan struct{}
	done     chan struct{}
	shutOnce sync.Once
}

func newConn(e *Engine, h api.Handle, desc api.Descriptor, params *wsflate.Parameters) *conn {
	var src io.Reader = desc.Conn
	if len(desc.Head) > 0 {
		src = io.MultiReader(bytes.NewReader(desc.Head), desc.Conn)
	}
	c := &conn{
		e:      e,
		h:      h,
		nc:     desc.Conn,
		br:     bufio.NewReaderSize(src, readBufferSize),
		addr:   transport.AddressOf(desc.Conn.RemoteAddr()),
		log:    e.log.With().Uint64("handle", uint64(h)).Logger(),
		params: params,
		out:    queue.New(),
		code:   protocol.CloseAbnormalClosure,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if params != nil {
		c.comp = newCompressor(params.ServerNoContextTakeover)
		c.decomp = newDecompressor(params.ClientNoContextTakeover)
	}
	return c
}

func (c *conn) start(ticket api.TicketID) {
	// posted before the reader can post any message for this handle
	c.e.post(func() {
		if c.e.cb.OnConnection != nil {
			c.e.cb.OnConnection(c.h, ticket)
		}
	})
	go c.writeLoop()
	go c.readLoop()
}

// acceptsSharedDeflate reports whether a fresh-stream compressed frame is
// valid on this connection.
func (c *conn) acceptsSharedDeflate() bool {
	return c.params != nil && c.params.ServerNoContextTakeover
}

func (c *conn) buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// sendMessage encodes and queues a data frame. Loop goroutine only.
func (c *conn) sendMessage(op ws.OpCode, payload []byte, done func(error)) error {
	if op.IsControl() && len(payload) > protocol.MaxControlPayloadLen {
		return api.NewError(api.ErrCodeInvalidArgument, "control payload over 125 bytes", api.ErrInvalidArgument)
	}
	body, compressed := payload, false
	if c.comp != nil && op.IsData() && len(payload) > 0 {
		z, err := c.comp.compress(payload)
		if err != nil {
			return err
		}
		body, compressed = z, true
	}
	frame, err := encodeFrame(op, body, compressed)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{data: frame, size: len(payload), done: done})
}

func (c *conn) sendPrepared(p *Prepared) error {
	frame, err := p.frameFor(c.acceptsSharedDeflate())
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{data: frame, size: p.Len()})
}

func (c *conn) sendControl(op ws.OpCode, payload []byte) {
	frame, err := encodeFrame(op, payload, false)
	if err != nil {
		c.log.Debug().Err(err).Msg("control frame dropped")
		return
	}
	c.enqueue(outFrame{data: frame, size: len(payload)})
}

func (c *conn) enqueue(f outFrame) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return api.NewError(api.ErrCodeClosed, "connection closing", api.ErrTransportClosed).
			WithContext("handle", c.h)
	}
	c.push(f)
	c.mu.Unlock()
	return nil
}

// push appends f to the outbox. c.mu must be held.
func (c *conn) push(f outFrame) {
	c.out.Add(f)
	c.queued += f.size
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// initiateClose queues a close frame; further data is refused.
func (c *conn) initiateClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.closing = true
	body := closeBody(code, reason)
	frame, err := encodeFrame(ws.OpClose, body, false)
	if err != nil {
		return
	}
	c.push(outFrame{data: frame, close: true})
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			c.drain()
			return
		}
		for {
			c.mu.Lock()
			if c.out.Length() == 0 {
				c.mu.Unlock()
				break
			}
			f := c.out.Remove().(outFrame)
			c.mu.Unlock()

			if f.handshake {
				c.nc.SetWriteDeadline(time.Now().Add(handshakeWriteTimeout))
			}
			_, err := c.nc.Write(f.data)
			if f.handshake {
				c.nc.SetWriteDeadline(time.Time{})
			}

			c.mu.Lock()
			c.queued -= f.size
			c.mu.Unlock()
			c.e.complete(f.done, err)

			if err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.shutdown()
				c.drain()
				return
			}
			if f.close {
				c.afterCloseSent()
			}
		}
	}
}

func (c *conn) afterCloseSent() {
	c.mu.Lock()
	c.closeSent = true
	finish := c.peerClosed || c.noPeerWait
	c.mu.Unlock()
	if finish {
		c.shutdown()
		return
	}
	c.nc.SetReadDeadline(time.Now().Add(c.e.cfg.CloseTimeout))
}

// drain fails whatever is left in the outbox after shutdown.
func (c *conn) drain() {
	c.mu.Lock()
	var pending []outFrame
	for c.out.Length() > 0 {
		pending = append(pending, c.out.Remove().(outFrame))
	}
	c.queued = 0
	c.mu.Unlock()
	for _, f := range pending {
		c.e.complete(f.done, api.ErrTransportClosed)
	}
}

func (c *conn) readLoop() {
	var (
		msgOp      ws.OpCode
		msg        []byte
		compressed bool
		fragmented bool
	)
	limit := c.e.cfg.MaxPayload

	for {
		h, err := ws.ReadHeader(c.br)
		if err != nil {
			c.readFailed(err)
			return
		}

		state := ws.StateServerSide
		if c.params != nil {
			state |= ws.StateExtended
		}
		if fragmented {
			state |= ws.StateFragmented
		}
		if err := ws.CheckHeader(h, state); err != nil {
			c.protocolError(protocol.CloseProtocolError, err, h.Length)
			return
		}
		if h.Rsv&^rsv1 != 0 || (h.Rsv1() && (h.OpCode.IsControl() || h.OpCode == ws.OpContinuation)) {
			c.protocolError(protocol.CloseProtocolError, errors.New("unexpected rsv bits"), h.Length)
			return
		}
		if h.Length > limit || int64(len(msg))+h.Length > limit {
			c.protocolError(protocol.CloseMessageTooBig, api.ErrMessageTooBig, h.Length)
			return
		}

		payload, err := c.readPayload(h)
		if err != nil {
			c.readFailed(err)
			return
		}

		if h.OpCode.IsControl() {
			if stop := c.handleControl(h.OpCode, payload); stop {
				return
			}
			continue
		}

		if h.OpCode != ws.OpContinuation {
			msgOp, compressed, msg = h.OpCode, h.Rsv1(), msg[:0]
		}
		msg = append(msg, payload...)
		fragmented = !h.Fin
		if fragmented {
			continue
		}

		data := append([]byte(nil), msg...)
		msg = msg[:0]
		if compressed {
			data, err = c.decomp.decompress(data, limit)
			if errors.Is(err, api.ErrMessageTooBig) {
				c.protocolError(protocol.CloseMessageTooBig, err, 0)
				return
			}
			if err != nil {
				c.protocolError(protocol.CloseInvalidPayloadData, err, 0)
				return
			}
		}
		if msgOp == ws.OpText && !utf8.Valid(data) {
			c.protocolError(protocol.CloseInvalidPayloadData, errors.New("invalid utf-8 in text message"), 0)
			return
		}
		binary := msgOp == ws.OpBinary
		c.e.post(func() {
			if c.e.cb.OnMessage != nil {
				c.e.cb.OnMessage(c.h, data, binary)
			}
		})
	}
}

// readPayload reads and unmasks one frame payload into a fresh slice.
func (c *conn) readPayload(h ws.Header) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	buf := pbytes.GetLen(int(h.Length))
	defer pbytes.Put(buf)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	ws.Cipher(buf, h.Mask, 0)
	return append([]byte(nil), buf...), nil
}

func (c *conn) handleControl(op ws.OpCode, payload []byte) (stop bool) {
	switch op {
	case ws.OpPing:
		c.sendControl(ws.OpPong, payload)
		c.e.post(func() {
			if c.e.cb.OnPing != nil {
				c.e.cb.OnPing(c.h, payload)
			}
		})
	case ws.OpPong:
		c.e.post(func() {
			if c.e.cb.OnPong != nil {
				c.e.cb.OnPong(c.h, payload)
			}
		})
	case ws.OpClose:
		code, reason, err := parseClose(payload)
		if err != nil {
			c.protocolError(protocol.CloseProtocolError, err, 0)
			return true
		}
		c.peerClose(code, reason)
		return true
	}
	return false
}

// peerClose records the peer's close frame and finishes the handshake.
func (c *conn) peerClose(code int, reason string) {
	c.mu.Lock()
	c.peerClosed = true
	c.noPeerWait = true
	c.code, c.reason = code, reason
	if c.closing {
		sent := c.closeSent
		c.mu.Unlock()
		if sent {
			c.shutdown()
		}
		return
	}
	c.closing = true
	echo := code
	if code == protocol.CloseNoStatusRcvd {
		echo = 0
	}
	frame, err := encodeFrame(ws.OpClose, closeBody(echo, ""), false)
	if err == nil {
		c.push(outFrame{data: frame, close: true})
	}
	c.mu.Unlock()
	if err != nil {
		c.shutdown()
	}
}

// protocolError fails the connection with code. The reader keeps consuming
// input until the peer answers the close frame or the socket goes away.
// skip is the unread payload length of the offending frame.
func (c *conn) protocolError(code int, err error, skip int64) {
	c.log.Debug().Err(err).Int("code", code).Msg("protocol error")
	c.initiateClose(code, "")
	if _, err := io.CopyN(io.Discard, c.br, skip); err != nil {
		c.readFailed(err)
		return
	}
	for {
		h, err := ws.ReadHeader(c.br)
		if err != nil {
			c.readFailed(err)
			return
		}
		if h.OpCode != ws.OpClose || h.Length > protocol.MaxControlPayloadLen {
			if _, err := io.CopyN(io.Discard, c.br, h.Length); err != nil {
				c.readFailed(err)
				return
			}
			continue
		}
		payload, err := c.readPayload(h)
		if err != nil {
			c.readFailed(err)
			return
		}
		code, reason, err := parseClose(payload)
		if err != nil {
			code, reason = protocol.CloseProtocolError, ""
		}
		c.peerClose(code, reason)
		return
	}
}

func (c *conn) readFailed(err error) {
	c.mu.Lock()
	c.noPeerWait = true
	c.mu.Unlock()
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.log.Debug().Err(err).Msg("read failed")
	}
	c.shutdown()
}

// terminate drops the connection without a closing handshake.
func (c *conn) terminate() {
	c.shutdown()
}

// goAway sends a going-away close frame and tears the connection down as
// soon as it is written, without waiting for the peer.
func (c *conn) goAway() {
	c.mu.Lock()
	c.noPeerWait = true
	c.mu.Unlock()
	c.initiateClose(protocol.CloseGoingAway, "server shutting down")
	c.mu.Lock()
	sent := c.closeSent
	c.mu.Unlock()
	if sent {
		c.shutdown()
		return
	}
	time.AfterFunc(c.e.cfg.CloseTimeout, c.shutdown)
}

// shutdown closes the socket and posts OnDisconnection exactly once.
func (c *conn) shutdown() {
	c.shutOnce.Do(func() {
		close(c.done)
		c.nc.Close()
		c.mu.Lock()
		c.closing = true
		code, reason := c.code, c.reason
		c.mu.Unlock()
		h := c.h
		c.e.post(func() {
			if c.e.cb.OnDisconnection != nil {
				c.e.cb.OnDisconnection(h, code, reason)
			}
			c.e.forget(h)
		})
	})
}

func encodeFrame(op ws.OpCode, payload []byte, compressed bool) ([]byte, error) {
	f := ws.NewFrame(op, true, payload)
	if compressed {
		f.Header.Rsv = rsv1
	}
	return ws.CompileFrame(f)
}

// parseClose decodes a close frame payload. An empty payload means no status.
func parseClose(payload []byte) (int, string, error) {
	switch {
	case len(payload) == 0:
		return protocol.CloseNoStatusRcvd, "", nil
	case len(payload) == 1:
		return 0, "", errors.New("close frame with one byte payload")
	}
	sc, reason := ws.ParseCloseFrameData(payload)
	if !utf8.ValidString(reason) {
		return 0, "", errors.New("invalid utf-8 in close reason")
	}
	return int(sc), reason, nil
}

// closeBody builds a close payload; code 0 yields an empty body.
func closeBody(code int, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > protocol.MaxControlPayloadLen-2 {
		reason = reason[:protocol.MaxControlPayloadLen-2]
	}
	return ws.NewCloseFrameBody(ws.StatusCode(code), reason)
}
