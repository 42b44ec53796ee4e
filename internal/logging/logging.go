// Package logging builds the structured logger used throughout the
// injector. Rope itself never logs beyond fmt.Println in main.go;
// console-slog is grounded on yaklabco-dot's internal/adapters/slogger.go,
// which wires the same library for human-readable terminal output.
package logging

import (
	"io"
	"log/slog"
	"strings"

	console "github.com/phsym/console-slog"
)

// New returns a slog.Logger writing level-colored, human-readable lines
// to w via console-slog. level is parsed case-insensitively; an
// unrecognized value falls back to info.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(console.NewHandler(w, &console.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel converts the injector's --log-level flag / ZEROINSTALL_LOG_LEVEL
// value into an slog.Level, defaulting to info on anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
