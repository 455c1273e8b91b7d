// File: engine/prepared.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"

	"github.com/momentics/hioload-bridge/api"
)

// Prepared is a message encoded once and shared by many connections. The
// plain frame is valid everywhere; the compressed frame is a fresh deflate
// stream and only goes to connections without server context takeover.
type Prepared struct {
	op      ws.OpCode
	payload []byte
	plain   []byte

	once     sync.Once
	deflated []byte
	deflErr  error

	finalized atomic.Bool
}

var _ api.PreparedMessage = (*Prepared)(nil)

func newPrepared(payload []byte, op ws.OpCode) (*Prepared, error) {
	if op != ws.OpText && op != ws.OpBinary {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "prepared message must be text or binary", api.ErrInvalidArgument)
	}
	p := &Prepared{op: op, payload: append([]byte(nil), payload...)}
	frame, err := encodeFrame(op, p.payload, false)
	if err != nil {
		return nil, err
	}
	p.plain = frame
	return p, nil
}

// Binary reports whether the message is a binary frame.
func (p *Prepared) Binary() bool { return p.op == ws.OpBinary }

// Len returns the uncompressed payload length.
func (p *Prepared) Len() int { return len(p.payload) }

func (p *Prepared) frameFor(sharedDeflate bool) ([]byte, error) {
	if p.finalized.Load() {
		return nil, api.ErrPreparedFinalized
	}
	if !sharedDeflate || len(p.payload) == 0 {
		return p.plain, nil
	}
	p.once.Do(func() {
		z, err := compressOnce(p.payload)
		if err != nil {
			p.deflErr = err
			return
		}
		p.deflated, p.deflErr = encodeFrame(p.op, z, true)
	})
	if p.deflErr != nil {
		return p.plain, nil
	}
	return p.deflated, nil
}

func (p *Prepared) finalize() {
	p.finalized.Store(true)
}
