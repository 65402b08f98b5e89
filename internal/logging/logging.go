// Package logging builds the slog loggers used across Denobo and fixes the
// attribute keys they share.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Formats accepted by NewLogger.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a configured level name to a slog.Level. Names are case
// insensitive.
func ParseLevel(name string) (slog.Level, error) {
	lvl, ok := levels[strings.ToLower(name)]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// ValidFormat reports whether NewLogger knows format.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case FormatText, FormatJSON:
		return true
	}
	return false
}

// NewLogger writes to stderr. Unknown levels fall back to info and unknown
// formats to text; config validation rejects both before we get here.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter is NewLogger with a caller supplied sink.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, _ := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.ToLower(format) == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys.
const (
	KeyAgent      = "agent"
	KeyPeer       = "peer"
	KeyConnID     = "conn_id"
	KeyCode       = "code"
	KeyState      = "state"
	KeyMessageID  = "message_id"
	KeySearchID   = "search_id"
	KeyDest       = "destination"
	KeyAddress    = "address"
	KeyTransport  = "transport"
	KeyRoute      = "route"
	KeyHops       = "hops"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyCount      = "count"
)

// Component returns a child logger tagged with the component name.
// A nil logger yields a discarding logger.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}
