// Package logging provides the structured logger used across the sensor node.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Level represents the logging level.
type Level int

const (
	// LevelDebug is the debug log level.
	LevelDebug Level = iota
	// LevelInfo is the info log level.
	LevelInfo
	// LevelWarn is the warn log level.
	LevelWarn
	// LevelError is the error log level.
	LevelError
	// LevelNone disables all logging.
	LevelNone
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string to a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Fields represents key-value pairs for structured logging.
type Fields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields Fields)

	// Info logs an info message.
	Info(msg string, fields Fields)

	// Warn logs a warning message.
	Warn(msg string, fields Fields)

	// Error logs an error message.
	Error(msg string, fields Fields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields Fields) Logger

	// Level returns the current log level.
	Level() Level

	// SetLevel sets the log level.
	SetLevel(level Level)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct {
	level Level
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: LevelNone}
}

// Debug does nothing.
func (n *NoOpLogger) Debug(_ string, _ Fields) {}

// Info does nothing.
func (n *NoOpLogger) Info(_ string, _ Fields) {}

// Warn does nothing.
func (n *NoOpLogger) Warn(_ string, _ Fields) {}

// Error does nothing.
func (n *NoOpLogger) Error(_ string, _ Fields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(_ Fields) Logger {
	return n
}

// Level returns the log level.
func (n *NoOpLogger) Level() Level {
	return n.level
}

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level Level) {
	n.level = level
}

// StdLogger is a simple logger using the standard library log package.
type StdLogger struct {
	logger *log.Logger
	level  Level
	fields Fields
}

// NewStdLogger creates a new standard library based logger.
func NewStdLogger(w io.Writer, level Level) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	return &StdLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
		fields: make(Fields),
	}
}

// Debug logs a debug message.
func (s *StdLogger) Debug(msg string, fields Fields) {
	if s.level <= LevelDebug {
		s.log("DEBUG", msg, fields)
	}
}

// Info logs an info message.
func (s *StdLogger) Info(msg string, fields Fields) {
	if s.level <= LevelInfo {
		s.log("INFO", msg, fields)
	}
}

// Warn logs a warning message.
func (s *StdLogger) Warn(msg string, fields Fields) {
	if s.level <= LevelWarn {
		s.log("WARN", msg, fields)
	}
}

// Error logs an error message.
func (s *StdLogger) Error(msg string, fields Fields) {
	if s.level <= LevelError {
		s.log("ERROR", msg, fields)
	}
}

// WithFields returns a new logger with the given fields added.
func (s *StdLogger) WithFields(fields Fields) Logger {
	return &StdLogger{
		logger: s.logger,
		level:  s.level,
		fields: merge(s.fields, fields),
	}
}

// Level returns the current log level.
func (s *StdLogger) Level() Level {
	return s.level
}

// SetLevel sets the log level.
func (s *StdLogger) SetLevel(level Level) {
	s.level = level
}

func (s *StdLogger) log(level, msg string, fields Fields) {
	all := merge(s.fields, fields)
	if len(all) == 0 {
		s.logger.Printf("[%s] %s", level, msg)
		return
	}

	s.logger.Printf("[%s] %s %v", level, msg, all)
}

func merge(base, extra Fields) Fields {
	out := make(Fields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Standard field names.
const (
	FieldState      = "state"
	FieldEvent      = "event"
	FieldTopic      = "topic"
	FieldPacketID   = "packet_id"
	FieldPacketType = "packet_type"
	FieldQoS        = "qos"
	FieldError      = "error"
	FieldRemoteAddr = "remote_addr"
	FieldDuration   = "duration"
	FieldBytes      = "bytes"
	FieldActivity   = "activity"
	FieldSensor     = "sensor"
)
