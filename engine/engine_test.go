package engine_test

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/engine"
	"github.com/momentics/hioload-bridge/httplayer"
	"github.com/momentics/hioload-bridge/internal/concurrency"
)

const waitTimeout = 3 * time.Second

type message struct {
	h      api.Handle
	data   string
	binary bool
}

type disconnect struct {
	h      api.Handle
	code   int
	reason string
}

type harness struct {
	t      *testing.T
	loop   *concurrency.EventLoop
	eng    api.FrameEngine
	srv    *httptest.Server
	conns  chan api.Handle
	msgs   chan message
	pings  chan string
	closes chan disconnect
}

func newHarness(t *testing.T, comp api.Compression) *harness {
	t.Helper()
	loop := concurrency.NewEventLoop(0, 0)
	go loop.Run()

	h := &harness{
		t:      t,
		loop:   loop,
		conns:  make(chan api.Handle, 16),
		msgs:   make(chan message, 16),
		pings:  make(chan string, 16),
		closes: make(chan disconnect, 16),
	}
	eng, err := engine.Open(engine.DefaultName, api.EngineConfig{
		Compression:  comp,
		MaxPayload:   1024,
		CloseTimeout: time.Second,
		Dispatcher:   loop,
		Logger:       zerolog.Nop(),
	}, api.Callbacks{
		OnConnection: func(hd api.Handle, _ api.TicketID) { h.conns <- hd },
		OnMessage: func(hd api.Handle, p []byte, binary bool) {
			h.msgs <- message{h: hd, data: string(p), binary: binary}
		},
		OnPing: func(_ api.Handle, p []byte) { h.pings <- string(p) },
		OnDisconnection: func(hd api.Handle, code int, reason string) {
			h.closes <- disconnect{h: hd, code: code, reason: reason}
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.eng = eng

	layer := httplayer.New(loop)
	layer.OnUpgrade(func(r *http.Request, tr api.RawTransport, _ []byte) {
		desc, err := tr.Descriptor()
		if err != nil {
			t.Errorf("Descriptor: %v", err)
			return
		}
		ticket, err := eng.RequestTicket(desc)
		if err != nil {
			t.Errorf("RequestTicket: %v", err)
			tr.Destroy()
			return
		}
		key := r.Header.Get("Sec-WebSocket-Key")
		ext := r.Header.Get("Sec-WebSocket-Extensions")
		tr.OnClose(func(detached bool) {
			if !detached {
				eng.CancelTicket(ticket)
				return
			}
			if err := eng.CompleteUpgrade(ticket, key, ext); err != nil {
				t.Errorf("CompleteUpgrade: %v", err)
			}
		})
		tr.Detach()
	})
	h.srv = httptest.NewServer(layer)
	t.Cleanup(func() {
		h.srv.Close()
		eng.Close()
		loop.Stop()
	})
	return h
}

func (h *harness) dial(compress bool) (*websocket.Conn, *http.Response, api.Handle) {
	h.t.Helper()
	return h.dialWith(websocket.Dialer{EnableCompression: compress, HandshakeTimeout: waitTimeout})
}

func (h *harness) dialWith(d websocket.Dialer) (*websocket.Conn, *http.Response, api.Handle) {
	h.t.Helper()
	c, resp, err := d.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws", nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { c.Close() })
	select {
	case hd := <-h.conns:
		return c, resp, hd
	case <-time.After(waitTimeout):
		h.t.Fatal("OnConnection not posted")
	}
	return nil, nil, 0
}

func (h *harness) send(hd api.Handle, data string, op api.Opcode) error {
	h.t.Helper()
	result := make(chan error, 1)
	if err := h.loop.Do(func() {
		h.eng.Send(hd, []byte(data), op, func(err error) { result <- err })
	}); err != nil {
		h.t.Fatalf("Do: %v", err)
	}
	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("send completion not delivered")
	}
	return nil
}

func (h *harness) nextMessage() message {
	h.t.Helper()
	select {
	case m := <-h.msgs:
		return m
	case <-time.After(waitTimeout):
		h.t.Fatal("no message")
	}
	return message{}
}

func (h *harness) nextClose() disconnect {
	h.t.Helper()
	select {
	case d := <-h.closes:
		return d
	case <-time.After(waitTimeout):
		h.t.Fatal("no disconnection")
	}
	return disconnect{}
}

func TestEngine_EchoTextAndBinary(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, resp, hd := h.dial(false)
	if ext := resp.Header.Get("Sec-WebSocket-Extensions"); ext != "" {
		t.Fatalf("unexpected extensions %q", ext)
	}

	if err := c.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if m := h.nextMessage(); m.h != hd || m.data != "hello" || m.binary {
		t.Fatalf("got %+v", m)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if m := h.nextMessage(); m.data != "\x01\x02\x03" || !m.binary {
		t.Fatalf("got %+v", m)
	}

	if err := h.send(hd, "world", api.OpText); err != nil {
		t.Fatalf("send: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	typ, data, err := c.ReadMessage()
	if err != nil || typ != websocket.TextMessage || string(data) != "world" {
		t.Fatalf("ReadMessage = %d %q %v", typ, data, err)
	}

	addr, err := h.eng.LookupAddress(hd)
	if err != nil || addr.IP != "127.0.0.1" || addr.Family != "IPv4" || addr.Port == 0 {
		t.Fatalf("LookupAddress = %+v, %v", addr, err)
	}
}

func TestEngine_FragmentedMessage(t *testing.T) {
	h := newHarness(t, api.Compression{})
	// a small write buffer makes the client split the message into frames
	c, _, _ := h.dialWith(websocket.Dialer{WriteBufferSize: 256, HandshakeTimeout: waitTimeout})
	w, err := c.NextWriter(websocket.TextMessage)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(strings.Repeat("a", 600)))
	w.Close()
	if m := h.nextMessage(); len(m.data) != 600 {
		t.Fatalf("len = %d", len(m.data))
	}
}

func TestEngine_Compression(t *testing.T) {
	h := newHarness(t, api.Compression{Enabled: true})
	c, resp, hd := h.dial(true)
	if ext := resp.Header.Get("Sec-WebSocket-Extensions"); !strings.Contains(ext, "permessage-deflate") {
		t.Fatalf("extensions = %q", ext)
	}
	payload := strings.Repeat("compressible ", 50)
	if err := c.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatal(err)
	}
	if m := h.nextMessage(); m.data != payload {
		t.Fatalf("inbound mismatch, len %d", len(m.data))
	}
	for i := 0; i < 3; i++ {
		if err := h.send(hd, payload, api.OpText); err != nil {
			t.Fatalf("send: %v", err)
		}
		c.SetReadDeadline(time.Now().Add(waitTimeout))
		_, data, err := c.ReadMessage()
		if err != nil || string(data) != payload {
			t.Fatalf("outbound #%d: %v", i, err)
		}
	}
}

func TestEngine_MessageTooBig(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, _ := h.dial(false)
	if err := c.WriteMessage(websocket.BinaryMessage, make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err = %v, want close 1009", err)
	}
	h.nextClose()
}

func TestEngine_InvalidUTF8(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, _ := h.dial(false)
	if err := c.WriteMessage(websocket.TextMessage, []byte{0xff, 0xfe}); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData) {
		t.Fatalf("err = %v, want close 1007", err)
	}
}

func TestEngine_ServerCloseHandshake(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, hd := h.dial(false)
	refused := make(chan error, 1)
	h.loop.Do(func() {
		h.eng.CloseConnection(hd, 4000, "bye")
		h.eng.Send(hd, []byte("after close"), api.OpText, func(err error) { refused <- err })
	})
	select {
	case err := <-refused:
		if !errors.Is(err, api.ErrTransportClosed) || api.CodeOf(err) != api.ErrCodeClosed {
			t.Fatalf("send while closing err = %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("send while closing not completed")
	}

	c.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != 4000 || ce.Text != "bye" {
		t.Fatalf("err = %v, want close 4000 bye", err)
	}
	d := h.nextClose()
	if d.h != hd || d.code != 4000 {
		t.Fatalf("disconnect = %+v", d)
	}
	if err := h.send(hd, "late", api.OpText); !errors.Is(err, api.ErrUnknownHandle) {
		t.Fatalf("send after close err = %v", err)
	}
}

func TestEngine_ClientCloseHandshake(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, hd := h.dial(false)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	d := h.nextClose()
	if d.h != hd || d.code != 1000 || d.reason != "done" {
		t.Fatalf("disconnect = %+v", d)
	}
}

func TestEngine_AbruptDisconnect(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, _ := h.dial(false)
	c.UnderlyingConn().Close()
	if d := h.nextClose(); d.code != 1006 {
		t.Fatalf("code = %d, want 1006", d.code)
	}
}

func TestEngine_PingIsAnswered(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, _ := h.dial(false)
	pongs := make(chan string, 1)
	c.SetPongHandler(func(s string) error {
		pongs <- s
		return nil
	})
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()
	if err := c.WriteControl(websocket.PingMessage, []byte("p1"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-h.pings:
		if p != "p1" {
			t.Fatalf("OnPing payload %q", p)
		}
	case <-time.After(waitTimeout):
		t.Fatal("OnPing not posted")
	}
	select {
	case p := <-pongs:
		if p != "p1" {
			t.Fatalf("pong payload %q", p)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no pong")
	}
}

func TestEngine_BroadcastAndClose(t *testing.T) {
	h := newHarness(t, api.Compression{Enabled: true, ServerNoContextTakeover: true})
	plain, _, _ := h.dial(false)
	deflated, _, _ := h.dial(true)

	h.loop.Do(func() { h.eng.Broadcast([]byte(strings.Repeat("news ", 30)), false) })
	for _, c := range []*websocket.Conn{plain, deflated} {
		c.SetReadDeadline(time.Now().Add(waitTimeout))
		_, data, err := c.ReadMessage()
		if err != nil || string(data) != strings.Repeat("news ", 30) {
			t.Fatalf("broadcast read: %q %v", data, err)
		}
	}

	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i := 0; i < 2; i++ {
		if d := h.nextClose(); d.code != 1006 {
			t.Fatalf("code = %d, want 1006", d.code)
		}
	}
	if err := h.eng.Close(); !errors.Is(err, api.ErrEngineClosed) {
		t.Fatalf("second Close err = %v", err)
	}
	if _, err := h.eng.RequestTicket(api.Descriptor{Conn: &net.TCPConn{}}); !errors.Is(err, api.ErrEngineClosed) {
		t.Fatalf("RequestTicket after Close err = %v", err)
	}
}

func TestEngine_PreparedMessage(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, hd := h.dial(false)
	var pm api.PreparedMessage
	h.loop.Do(func() {
		var err error
		pm, err = h.eng.PrepareMessage([]byte{9, 9}, api.OpBinary)
		if err != nil {
			t.Errorf("PrepareMessage: %v", err)
			return
		}
		h.eng.SendPrepared(hd, pm)
		h.eng.SendPrepared(hd, pm)
		h.eng.FinalizeMessage(pm)
		h.eng.SendPrepared(hd, pm)
	})
	if pm == nil || !pm.Binary() || pm.Len() != 2 {
		t.Fatalf("prepared = %v", pm)
	}
	for i := 0; i < 2; i++ {
		c.SetReadDeadline(time.Now().Add(waitTimeout))
		typ, data, err := c.ReadMessage()
		if err != nil || typ != websocket.BinaryMessage || len(data) != 2 {
			t.Fatalf("read #%d: %d %v %v", i, typ, data, err)
		}
	}
	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("finalized message was still sent")
	}
}

// recordingConn keeps every byte read from the server.
type recordingConn struct {
	net.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.mu.Lock()
	c.buf.Write(p[:n])
	c.mu.Unlock()
	return n, err
}

// frames returns what the server sent after the 101 response.
func (c *recordingConn) frames() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := c.buf.Bytes()
	i := bytes.Index(raw, []byte("\r\n\r\n"))
	if i < 0 {
		return nil
	}
	return append([]byte(nil), raw[i+4:]...)
}

func (h *harness) dialRecorded(compress bool) (*websocket.Conn, *recordingConn, api.Handle) {
	h.t.Helper()
	var rc *recordingConn
	d := websocket.Dialer{
		EnableCompression: compress,
		HandshakeTimeout:  waitTimeout,
		NetDial: func(network, addr string) (net.Conn, error) {
			nc, err := net.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			rc = &recordingConn{Conn: nc}
			return rc, nil
		},
	}
	c, _, hd := h.dialWith(d)
	return c, rc, hd
}

func TestEngine_PreparedFrameIsSharedAcrossConnections(t *testing.T) {
	payload := strings.Repeat("same bytes for everyone ", 20)
	for _, tc := range []struct {
		name     string
		comp     api.Compression
		deflated bool
	}{
		{"plain", api.Compression{}, false},
		{"deflate", api.Compression{Enabled: true, ServerNoContextTakeover: true}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.comp)
			a, ra, ha := h.dialRecorded(tc.deflated)
			b, rb, hb := h.dialRecorded(tc.deflated)

			h.loop.Do(func() {
				pm, err := h.eng.PrepareMessage([]byte(payload), api.OpText)
				if err != nil {
					t.Errorf("PrepareMessage: %v", err)
					return
				}
				h.eng.SendPrepared(ha, pm)
				h.eng.SendPrepared(hb, pm)
				h.eng.FinalizeMessage(pm)
			})
			for _, c := range []*websocket.Conn{a, b} {
				c.SetReadDeadline(time.Now().Add(waitTimeout))
				typ, data, err := c.ReadMessage()
				if err != nil || typ != websocket.TextMessage || string(data) != payload {
					t.Fatalf("read: %d %d bytes %v", typ, len(data), err)
				}
			}

			fa, fb := ra.frames(), rb.frames()
			if len(fa) == 0 || !bytes.Equal(fa, fb) {
				t.Fatalf("frames differ:\n%x\n%x", fa, fb)
			}
			if rsv1 := fa[0]&0x40 != 0; rsv1 != tc.deflated {
				t.Fatalf("rsv1 = %v, want %v", rsv1, tc.deflated)
			}
			if !tc.deflated && len(fa) != 4+len(payload) {
				t.Fatalf("plain frame is %d bytes, want %d", len(fa), 4+len(payload))
			}
		})
	}
}

// TestEngine_CompleteUpgradeDoesNotWaitOnPeer completes an upgrade on a socket
// nobody reads yet. The 101 goes out from the connection's writer.
func TestEngine_CompleteUpgradeDoesNotWaitOnPeer(t *testing.T) {
	h := newHarness(t, api.Compression{})
	server, client := net.Pipe()
	defer client.Close()

	ticket, err := h.eng.RequestTicket(api.Descriptor{Conn: server})
	if err != nil {
		t.Fatal(err)
	}
	returned := make(chan error, 1)
	go h.loop.Do(func() {
		returned <- h.eng.CompleteUpgrade(ticket, "dGhlIHNhbXBsZSBub25jZQ==", "")
	})
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("CompleteUpgrade: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CompleteUpgrade waited on the peer")
	}

	var hd api.Handle
	select {
	case hd = <-h.conns:
	case <-time.After(waitTimeout):
		t.Fatal("OnConnection not posted")
	}

	client.SetReadDeadline(time.Now().Add(waitTimeout))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read 101: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols ||
		resp.Header.Get("Sec-WebSocket-Accept") != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Fatalf("response = %d %v", resp.StatusCode, resp.Header)
	}

	client.Close()
	if d := h.nextClose(); d.h != hd || d.code != 1006 {
		t.Fatalf("disconnect = %+v", d)
	}
}

func TestEngine_TicketLifecycle(t *testing.T) {
	h := newHarness(t, api.Compression{})
	a, b := net.Pipe()
	defer b.Close()

	ticket, err := h.eng.RequestTicket(api.Descriptor{Conn: a})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.eng.CompleteUpgrade(ticket, "too-short", ""); !errors.Is(err, api.ErrBadHandshakeKey) {
		t.Fatalf("err = %v, want ErrBadHandshakeKey", err)
	}
	if err := h.eng.CompleteUpgrade(ticket, "dGhlIHNhbXBsZSBub25jZQ==", ""); !errors.Is(err, api.ErrUnknownTicket) {
		t.Fatalf("reuse err = %v, want ErrUnknownTicket", err)
	}
	if !ticket.Consumed() {
		t.Fatal("ticket not consumed")
	}

	c, d := net.Pipe()
	defer d.Close()
	t2, err := h.eng.RequestTicket(api.Descriptor{Conn: c})
	if err != nil {
		t.Fatal(err)
	}
	h.eng.CancelTicket(t2)
	if !t2.Consumed() {
		t.Fatal("cancelled ticket still holds its descriptor")
	}
	if _, err := h.eng.RequestTicket(api.Descriptor{}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("empty descriptor err = %v", err)
	}
}

func TestOpen_UnknownEngine(t *testing.T) {
	loop := concurrency.NewEventLoop(0, 0)
	_, err := engine.Open("uws", api.EngineConfig{Dispatcher: loop}, api.Callbacks{})
	if !errors.Is(err, api.ErrEngineUnavailable) {
		t.Fatalf("err = %v, want ErrEngineUnavailable", err)
	}
	if !strings.Contains(err.Error(), engine.DefaultName) {
		t.Fatalf("error %q does not list available engines", err)
	}
}

func TestOpen_RequiresDispatcher(t *testing.T) {
	if _, err := engine.Open("", api.EngineConfig{}, api.Callbacks{}); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestEngine_Terminate(t *testing.T) {
	h := newHarness(t, api.Compression{})
	c, _, hd := h.dial(false)
	h.loop.Do(func() { h.eng.(*engine.Engine).Terminate(hd) })
	if d := h.nextClose(); d.h != hd || d.code != 1006 {
		t.Fatalf("disconnect = %+v", d)
	}
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("read succeeded on terminated connection")
	}
}

func TestEngine_BufferedAmountAndUserData(t *testing.T) {
	h := newHarness(t, api.Compression{})
	_, _, hd := h.dial(false)
	var (
		ud       any
		buffered int
		missing  any
	)
	h.loop.Do(func() {
		h.eng.AttachUserData(hd, "owner")
		ud = h.eng.UserData(hd)
		missing = h.eng.UserData(hd + 100)
		buffered = h.eng.BufferedAmount(hd + 100)
	})
	if ud != "owner" || missing != nil || buffered != 0 {
		t.Fatalf("ud=%v missing=%v buffered=%d", ud, missing, buffered)
	}
}
