// Package logging builds the zerolog loggers used by the bridge binaries.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New returns a console logger tagged with app and installs it as the global
// zerolog logger. Unknown levels fall back to info.
func New(app, level string) zerolog.Logger {
	logger := NewWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, app, level)
	log.Logger = logger
	return logger
}

// NewWriter returns a logger writing to w without touching global state.
func NewWriter(w io.Writer, app, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("app", app).
		Logger()
}

// ParseLevel maps a level name to a zerolog level; "" and unknown names are info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
