// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/momentics/hioload-bridge/api"
	"github.com/momentics/hioload-bridge/engine"
	"github.com/momentics/hioload-bridge/protocol"
)

// Config holds all server-side configuration parameters. Field tags are used
// by internal/config when loading from files or environment.
type Config struct {
	ListenAddr              string        `mapstructure:"listen_addr"`   // HTTP bind address, e.g. ":9000"
	Path                    string        `mapstructure:"path"`          // accepted upgrade path, empty = any
	Compression             bool          `mapstructure:"compression"`   // permessage-deflate offered
	ServerNoContextTakeover bool          `mapstructure:"server_no_context_takeover"`
	ClientNoContextTakeover bool          `mapstructure:"client_no_context_takeover"`
	MaxPayload              int64         `mapstructure:"max_payload"`   // bytes per message
	NoDelay                 bool          `mapstructure:"no_delay"`      // TCP_NODELAY on upgraded sockets
	Engine                  string        `mapstructure:"engine"`        // registered frame engine name
	Threads                 int           `mapstructure:"threads"`       // engine worker hint
	CloseTimeout            time.Duration `mapstructure:"close_timeout"` // closing handshake bound
	RejectResponse          bool          `mapstructure:"reject_response"`
	MetricsAddr             string        `mapstructure:"metrics_addr"`
	LogLevel                string        `mapstructure:"log_level"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":9000",
		MaxPayload:   protocol.DefaultMaxPayload,
		NoDelay:      true,
		Engine:       engine.DefaultName,
		Threads:      1,
		CloseTimeout: 5 * time.Second,
		LogLevel:     "info",
	}
}

// CompressionOptions selects the permessage-deflate context takeover policy.
type CompressionOptions struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

// ClientInfo is passed to client verification.
type ClientInfo struct {
	Origin  string
	Secure  bool
	Request *http.Request
}

// VerifyDone completes an asynchronous verification. code and reason are
// only used for the optional reject response; zero code means 401.
type VerifyDone func(ok bool, code int, reason string)

// Request is the snapshot of an upgrade request kept by each connection.
type Request struct {
	URL        *url.URL
	Header     http.Header
	Host       string
	Secure     bool
	RemoteAddr api.Address
}

func snapshotRequest(r *http.Request, secure bool) *Request {
	u := *r.URL
	return &Request{
		URL:    &u,
		Header: r.Header.Clone(),
		Host:   r.Host,
		Secure: secure,
	}
}

// normalizePath makes p start with a slash; empty stays empty.
func normalizePath(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
