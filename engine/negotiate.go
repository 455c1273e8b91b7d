// File: engine/negotiate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"bytes"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws/wsflate"

	"github.com/momentics/hioload-bridge/api"
)

// negotiate picks the first acceptable permessage-deflate offer from the
// client's Sec-WebSocket-Extensions value. It returns the response header
// value and the agreed parameters, or empty and nil when compression is off.
func negotiate(policy api.Compression, header string) (string, *wsflate.Parameters) {
	if !policy.Enabled || header == "" {
		return "", nil
	}
	offers, ok := httphead.ParseOptions([]byte(header), nil)
	if !ok {
		return "", nil
	}
	for _, offer := range offers {
		ext := wsflate.Extension{
			Parameters: wsflate.Parameters{
				ServerNoContextTakeover: policy.ServerNoContextTakeover,
				ClientNoContextTakeover: policy.ClientNoContextTakeover,
			},
		}
		if accept, err := ext.Negotiate(offer); err != nil || len(accept.Name) == 0 {
			continue
		}
		params, ok := ext.Accepted()
		if !ok {
			continue
		}
		// compress/flate always uses a 32K window
		if params.ServerMaxWindowBits != 0 && params.ServerMaxWindowBits != 15 {
			continue
		}
		params.ServerNoContextTakeover = params.ServerNoContextTakeover || policy.ServerNoContextTakeover
		params.ClientNoContextTakeover = params.ClientNoContextTakeover || policy.ClientNoContextTakeover
		params.ServerMaxWindowBits = 0
		params.ClientMaxWindowBits = 0

		var buf bytes.Buffer
		if _, err := httphead.WriteOptions(&buf, []httphead.Option{params.Option()}); err != nil {
			continue
		}
		return buf.String(), &params
	}
	return "", nil
}
