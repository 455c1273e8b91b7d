// File: protocol/handshake.go
// Package protocol implements the HTTP side of the RFC 6455 opening handshake:
// upgrade detection, key validation, accept computation and response writing.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// IsUpgradeRequest reports whether r asks for a WebSocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		headerContainsToken(r.Header, HeaderConnection, "upgrade") &&
		headerContainsToken(r.Header, HeaderUpgrade, "websocket")
}

// ValidKey reports whether key has the shape of a Sec-WebSocket-Key: the
// base64 encoding of a 16-byte nonce, i.e. exactly 24 characters.
func ValidKey(key string) bool {
	return len(key) == HandshakeKeyLength
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WriteSwitchingProtocols writes the 101 response completing the handshake.
// extensions is the negotiated Sec-WebSocket-Extensions value, or empty.
func WriteSwitchingProtocols(w io.Writer, key, extensions string) error {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString(HeaderSecWebSocketAccept + ": " + ComputeAcceptKey(key) + "\r\n")
	if extensions != "" {
		sb.WriteString(HeaderSecWebSocketExtensions + ": " + extensions + "\r\n")
	}
	sb.WriteString("\r\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("write handshake response: %w", err)
	}
	return nil
}

// WriteStatus writes a minimal HTTP error response on a hijacked connection.
// Codes outside the known 4xx and 5xx range are sent as 401.
func WriteStatus(w io.Writer, code int, reason string) error {
	if code < 400 || code > 599 || http.StatusText(code) == "" {
		code = http.StatusUnauthorized
	}
	if reason == "" {
		reason = http.StatusText(code)
	}
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		code, http.StatusText(code), len(reason), reason)
	if _, err := io.WriteString(w, resp); err != nil {
		return fmt.Errorf("write status response: %w", err)
	}
	return nil
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	token = strings.ToLower(token)
	for _, v := range vals {
		parts := strings.Split(v, ",")
		for _, p := range parts {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}
