// Structured logging for the auto speed calibration host
//
// Per-component loggers on top of logrus:
// - Log levels (DEBUG, INFO, WARN, ERROR)
// - Structured fields (key-value pairs)
// - Text output with full timestamps on a terminal, JSON for log collectors
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Fields is a map of structured logging fields
type Fields = logrus.Fields

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable text format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// ParseFormat parses "text" or "json"
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format %q", s)
	}
}

// root is shared by every component logger unless a test supplies its own.
var root = logrus.New()

// Setup configures the shared logger. Level accepts the logrus names
// (trace, debug, info, warn, error).
func Setup(level string, format OutputFormat, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	root.SetLevel(lvl)
	if out != nil {
		root.SetOutput(out)
	}

	switch format {
	case FormatJSON:
		root.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		tf := &logrus.TextFormatter{DisableColors: os.Getenv("NO_COLOR") != ""}
		if f, ok := root.Out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			tf.FullTimestamp = true
			tf.TimestampFormat = "2006-01-02 15:04:05.000"
		}
		root.SetFormatter(tf)
	}
	return nil
}

// Logger is a component logger
type Logger struct {
	entry *logrus.Entry
}

// Entry represents a single log entry with fields
type Entry struct {
	entry *logrus.Entry
}

// New creates a new logger with the given component prefix
func New(prefix string) *Logger {
	return NewWithBase(root, prefix)
}

// NewWithBase creates a component logger on a caller supplied logrus logger
func NewWithBase(base *logrus.Logger, prefix string) *Logger {
	return &Logger{entry: base.WithField("component", prefix)}
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{entry: l.entry.WithField(key, value)}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{entry: l.entry.WithFields(fields)}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return &Entry{entry: l.entry.WithError(err)}
}

// WithPrefix returns a logger for a sub-component
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{entry: l.entry.WithField("component", prefix)}
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.entry.Debugf(msg, args...)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.entry.Infof(msg, args...)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.entry.Warnf(msg, args...)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.entry.Errorf(msg, args...)
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{entry: e.entry.WithField(key, value)}
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{entry: e.entry.WithFields(fields)}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return &Entry{entry: e.entry.WithError(err)}
}

func (e *Entry) Debug(msg string) { e.entry.Debug(msg) }
func (e *Entry) Info(msg string)  { e.entry.Info(msg) }
func (e *Entry) Warn(msg string)  { e.entry.Warn(msg) }
func (e *Entry) Error(msg string) { e.entry.Error(msg) }

// Debugf logs formatted message at DEBUG level with fields
func (e *Entry) Debugf(format string, args ...interface{}) {
	e.entry.Debugf(format, args...)
}

// Infof logs formatted message at INFO level with fields
func (e *Entry) Infof(format string, args ...interface{}) {
	e.entry.Infof(format, args...)
}

// Warnf logs formatted message at WARN level with fields
func (e *Entry) Warnf(format string, args ...interface{}) {
	e.entry.Warnf(format, args...)
}

// Errorf logs formatted message at ERROR level with fields
func (e *Entry) Errorf(format string, args ...interface{}) {
	e.entry.Errorf(format, args...)
}

// Discard returns a logger that drops everything, for tests and library
// callers that do not configure logging.
func Discard() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return NewWithBase(base, "discard")
}
