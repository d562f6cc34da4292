package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// SlogLogger adapts log/slog to the Logger interface.
//
// The handler format is chosen by the logging config: "json" for deployed nodes,
// "text" for a bench terminal.
type SlogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	none   *atomic.Bool
}

// NewSlogLogger creates a slog-backed logger writing to w.
// A nil writer logs to stdout.
func NewSlogLogger(w io.Writer, format string, level Level, attrs ...slog.Attr) *SlogLogger {
	if w == nil {
		w = os.Stdout
	}

	lv := new(slog.LevelVar)
	none := new(atomic.Bool)
	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}

	l := &SlogLogger{logger: slog.New(handler), level: lv, none: none}
	l.SetLevel(level)
	return l
}

// Debug logs a debug message.
func (s *SlogLogger) Debug(msg string, fields Fields) { s.log(slog.LevelDebug, msg, fields) }

// Info logs an info message.
func (s *SlogLogger) Info(msg string, fields Fields) { s.log(slog.LevelInfo, msg, fields) }

// Warn logs a warning message.
func (s *SlogLogger) Warn(msg string, fields Fields) { s.log(slog.LevelWarn, msg, fields) }

// Error logs an error message.
func (s *SlogLogger) Error(msg string, fields Fields) { s.log(slog.LevelError, msg, fields) }

// WithFields returns a new logger with the given fields added.
func (s *SlogLogger) WithFields(fields Fields) Logger {
	return &SlogLogger{
		logger: s.logger.With(toArgs(fields)...),
		level:  s.level,
		none:   s.none,
	}
}

// Level returns the current log level.
func (s *SlogLogger) Level() Level {
	if s.none.Load() {
		return LevelNone
	}
	switch l := s.level.Level(); {
	case l <= slog.LevelDebug:
		return LevelDebug
	case l <= slog.LevelInfo:
		return LevelInfo
	case l <= slog.LevelWarn:
		return LevelWarn
	default:
		return LevelError
	}
}

// SetLevel sets the log level.
func (s *SlogLogger) SetLevel(level Level) {
	s.none.Store(level == LevelNone)
	switch level {
	case LevelDebug:
		s.level.Set(slog.LevelDebug)
	case LevelWarn:
		s.level.Set(slog.LevelWarn)
	case LevelError, LevelNone:
		s.level.Set(slog.LevelError)
	default:
		s.level.Set(slog.LevelInfo)
	}
}

func (s *SlogLogger) log(level slog.Level, msg string, fields Fields) {
	if s.none.Load() {
		return
	}
	s.logger.Log(context.Background(), level, msg, toArgs(fields)...)
}

func toArgs(fields Fields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		args = append(args, k, v)
	}
	return args
}
