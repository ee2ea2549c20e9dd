// Package logging builds the slog loggers used by the gocycle binaries.
// Diagnostics go to stderr; stdout is left to command output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SchedulerLogFile is the scheduler log inside a run directory.
const SchedulerLogFile = "log/scheduler.log"

// New creates a logger writing to w. An empty level means info and an
// empty format means text; anything else unknown is an error.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatText, "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
}

// NewStderr is New writing to stderr, with debug forcing the debug level.
func NewStderr(level, format string, debug bool) (*slog.Logger, error) {
	if debug {
		level = "debug"
	}
	return New(os.Stderr, level, format)
}

// ParseLevel converts a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
}

// OpenRunLog opens the scheduler log of a run directory for appending,
// creating the log directory as needed.
func OpenRunLog(runDir string) (*os.File, error) {
	path := filepath.Join(runDir, SchedulerLogFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return f, nil
}
