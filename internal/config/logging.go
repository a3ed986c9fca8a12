package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is one step below debug. Full request and response bodies
// exchanged with Home Assistant and the model provider log at this level.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a case-insensitive level name (trace, debug, info,
// warn, error) to a level. The empty string is info.
func ParseLogLevel(s string) (slog.Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q invalid (expected trace, debug, info, warn or error)", s)
}

// ReplaceLogLevelNames prints LevelTrace as TRACE rather than DEBUG-4.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}

// NewLogger builds a text or JSON logger writing to w.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogLevelNames}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger described by log_level and log_format. An
// invalid level, which Validate reports, falls back to info.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	return NewLogger(w, level, c.LogFormat)
}
