// Package logging builds the diagnostic logger shared by procsup components.
// Supervised process output never goes through this logger; it flows through
// runtime sinks instead.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	LevelOff = "off"

	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps a configured level name to a slog level. The second result
// is false for "off".
func ParseLevel(level string) (slog.Level, bool, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true, nil
	case "info":
		return slog.LevelInfo, true, nil
	case "", "warn", "warning":
		return slog.LevelWarn, true, nil
	case "error":
		return slog.LevelError, true, nil
	case LevelOff:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("unknown log level %q", level)
	}
}

// New returns a logger writing to w. An "off" level or a nil writer yields a
// logger that discards everything.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, enabled, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if !enabled || w == nil {
		return Discard(), nil
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		handler = slog.NewTextHandler(w, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(handler).With("component", "procsup"), nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
