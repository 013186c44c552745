// Package logging sets up the process-wide slog logger. stdout carries the
// editor protocol, so logs go to stderr or a file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name to a slog level. The empty string is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Logger is the configured logger plus the knob to change its level later.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// Setup builds a text logger writing to path, or to stderr when path is
// empty, and installs it as the slog default.
func Setup(level, path string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var w io.Writer = os.Stderr
	var closer io.Closer
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w, closer = f, f
	}

	l := New(w, lvl)
	l.closer = closer
	slog.SetDefault(l.Logger)
	return l, nil
}

// New builds a text logger on w without touching the slog default.
func New(w io.Writer, level slog.Level) *Logger {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})),
		level:  lv,
	}
}

// SetLevel changes the level at runtime. Unknown names are rejected and the
// level is left unchanged.
func (l *Logger) SetLevel(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	if l.level.Level() != lvl {
		l.level.Set(lvl)
		l.Info("log level changed", "level", lvl.String())
	}
	return nil
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
