// Package logging builds the structured loggers used across taskforge.
// Loggers are plain *slog.Logger values passed explicitly to constructors;
// the helpers here only cover handler selection and the common attribute keys.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Attribute keys shared by every component.
const (
	KeyTask     = "task_id"
	KeyClass    = "class"
	KeyStage    = "stage"
	KeyHandle   = "handle_id"
	KeyDuration = "duration"
)

// Config selects the handler, level and destination.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
	File   string `mapstructure:"file"`
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
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

// New creates a logger according to cfg. The returned closer releases the log
// file when one is configured and is a no-op otherwise.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closer = f
	}

	return NewWithWriter(cfg, w), closer, nil
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Nop returns a logger that discards everything. Intended for tests.
func Nop() *slog.Logger {
	return slog.New(discardHandler{})
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// ForTask returns a child logger carrying the task id.
func ForTask(l *slog.Logger, taskID string) *slog.Logger {
	return OrNop(l).With(slog.String(KeyTask, taskID))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
