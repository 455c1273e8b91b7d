// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-bridge/control"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithConfig replaces the whole configuration. Options after it still apply.
func WithConfig(cfg *Config) ServerOption {
	return func(s *Server) {
		if cfg != nil {
			s.cfg = *cfg
		}
	}
}

// WithCompression enables permessage-deflate with the given takeover policy.
func WithCompression(opts CompressionOptions) ServerOption {
	return func(s *Server) {
		s.cfg.Compression = true
		s.cfg.ServerNoContextTakeover = opts.ServerNoContextTakeover
		s.cfg.ClientNoContextTakeover = opts.ClientNoContextTakeover
	}
}

// WithoutCompression disables permessage-deflate.
func WithoutCompression() ServerOption {
	return func(s *Server) {
		s.cfg.Compression = false
		s.cfg.ServerNoContextTakeover = false
		s.cfg.ClientNoContextTakeover = false
	}
}

// WithMaxPayload limits the size of a single inbound message.
func WithMaxPayload(n int64) ServerOption {
	return func(s *Server) {
		s.cfg.MaxPayload = n
	}
}

// WithNoDelay toggles TCP_NODELAY on upgraded sockets.
func WithNoDelay(on bool) ServerOption {
	return func(s *Server) {
		s.cfg.NoDelay = on
	}
}

// WithPath accepts upgrades only for path.
func WithPath(path string) ServerOption {
	return func(s *Server) {
		s.cfg.Path = path
	}
}

// WithVerifyClient installs a synchronous verification predicate.
func WithVerifyClient(fn func(ClientInfo) bool) ServerOption {
	return func(s *Server) {
		s.verify = fn
		s.verifyAsync = nil
	}
}

// WithVerifyClientAsync installs a verification callback that answers
// through done, possibly from another goroutine.
func WithVerifyClientAsync(fn func(ClientInfo, VerifyDone)) ServerOption {
	return func(s *Server) {
		s.verifyAsync = fn
		s.verify = nil
	}
}

// WithRejectResponse makes rejected upgrades receive an HTTP status before
// the socket is closed.
func WithRejectResponse(on bool) ServerOption {
	return func(s *Server) {
		s.cfg.RejectResponse = on
	}
}

// WithEngine selects the frame engine by registered name.
func WithEngine(name string) ServerOption {
	return func(s *Server) {
		s.cfg.Engine = name
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics records lifecycle metrics into m.
func WithMetrics(m *control.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}
