// Package logging builds the process-wide log sink.
//
// Components receive plain *log.Logger values with a "[component] " prefix;
// the sink decides where the bytes go. When a log file is configured the
// sink writes to both stderr and a size-rotated file (lumberjack), so the
// daemon can run unattended without eating the disk.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level controls which log calls the sink lets through.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a config string into a Level.
// Unknown values default to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Options configures the sink.
type Options struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	Level string

	// File is the rotated log file path. Empty means stderr only.
	File string

	// MaxSizeMB is the rotation threshold (default 10).
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (default 5).
	MaxBackups int
}

// Sink is the shared destination for all component loggers.
type Sink struct {
	w      io.Writer
	level  Level
	closer io.Closer
}

// Setup creates the sink. The log file's directory is created if needed.
func Setup(opts Options) (*Sink, error) {
	s := &Sink{
		w:     os.Stderr,
		level: ParseLevel(opts.Level),
	}

	if opts.File == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	rotated := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}

	s.w = io.MultiWriter(os.Stderr, rotated)
	s.closer = rotated
	return s, nil
}

// Discard returns a sink that drops everything. Used in tests.
func Discard() *Sink {
	return &Sink{w: io.Discard, level: LevelError}
}

// Logger returns a component logger writing through the sink.
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Debug reports whether debug logging is enabled. Components use this to
// gate chatty per-record output.
func (s *Sink) Debug() bool {
	return s.level <= LevelDebug
}

// Close flushes and closes the rotated file, if any.
func (s *Sink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
