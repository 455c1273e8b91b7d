// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

const (
	WebSocketGUID      = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HandshakeKeyLength = 24

	HeaderConnection             = "Connection"
	HeaderUpgrade                = "Upgrade"
	HeaderOrigin                 = "Origin"
	HeaderSecWebSocketKey        = "Sec-WebSocket-Key"
	HeaderSecWebSocketAccept     = "Sec-WebSocket-Accept"
	HeaderSecWebSocketExtensions = "Sec-WebSocket-Extensions"
	HeaderSecWebSocketVersion    = "Sec-WebSocket-Version"

	// Frame limit settings
	MaxControlPayloadLen = 125
	DefaultMaxPayload    = 1 << 20 // 1 MiB

	// Close codes
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)
