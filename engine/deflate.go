// File: engine/deflate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// permessage-deflate codec (RFC 7692) with optional context takeover.
// A compressor is driven by the loop goroutine only; a decompressor by the
// connection's reader only.

package engine

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/momentics/hioload-bridge/api"
)

const maxWindow = 1 << 15

var (
	deflateTail  = []byte{0x00, 0x00, 0xff, 0xff}
	inflateTrail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}
)

type compressor struct {
	noContextTakeover bool
	buf               bytes.Buffer
	fw                *flate.Writer
}

func newCompressor(noContextTakeover bool) *compressor {
	return &compressor{noContextTakeover: noContextTakeover}
}

// compress returns the deflated payload without the trailing empty block.
func (c *compressor) compress(p []byte) ([]byte, error) {
	c.buf.Reset()
	if c.fw == nil {
		fw, err := flate.NewWriter(&c.buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		c.fw = fw
	} else if c.noContextTakeover {
		c.fw.Reset(&c.buf)
	}
	if _, err := c.fw.Write(p); err != nil {
		return nil, fmt.Errorf("deflate write: %w", err)
	}
	if err := c.fw.Flush(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}
	out := c.buf.Bytes()
	out = bytes.TrimSuffix(out, deflateTail)
	return append([]byte(nil), out...), nil
}

// compressOnce deflates p with a fresh stream; used for prepared messages,
// which must not depend on any connection's compression history.
func compressOnce(p []byte) ([]byte, error) {
	return newCompressor(true).compress(p)
}

type decompressor struct {
	noContextTakeover bool
	window            []byte
}

func newDecompressor(noContextTakeover bool) *decompressor {
	return &decompressor{noContextTakeover: noContextTakeover}
}

// decompress inflates a message payload, refusing output larger than limit.
func (d *decompressor) decompress(p []byte, limit int64) ([]byte, error) {
	src := io.MultiReader(bytes.NewReader(p), bytes.NewReader(inflateTrail))
	var fr io.ReadCloser
	if d.noContextTakeover || len(d.window) == 0 {
		fr = flate.NewReader(src)
	} else {
		fr = flate.NewReaderDict(src, d.window)
	}
	defer fr.Close()

	out, err := io.ReadAll(io.LimitReader(fr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, api.ErrMessageTooBig
	}
	if !d.noContextTakeover {
		d.window = append(d.window, out...)
		if len(d.window) > maxWindow {
			d.window = append([]byte(nil), d.window[len(d.window)-maxWindow:]...)
		}
	}
	return out, nil
}
