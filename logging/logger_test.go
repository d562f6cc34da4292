package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	t.Run("string representation", func(t *testing.T) {
		assert.Equal(t, "DEBUG", LevelDebug.String())
		assert.Equal(t, "INFO", LevelInfo.String())
		assert.Equal(t, "WARN", LevelWarn.String())
		assert.Equal(t, "ERROR", LevelError.String())
		assert.Equal(t, "NONE", LevelNone.String())
		assert.Equal(t, "UNKNOWN", Level(99).String())
	})

	t.Run("parse", func(t *testing.T) {
		assert.Equal(t, LevelDebug, ParseLevel("debug"))
		assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
		assert.Equal(t, LevelError, ParseLevel("error"))
		assert.Equal(t, LevelNone, ParseLevel("off"))
		assert.Equal(t, LevelInfo, ParseLevel("bogus"))
	})
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("with fields returns same logger", func(t *testing.T) {
		assert.Equal(t, logger, logger.WithFields(Fields{"key": "value"}))
	})

	t.Run("level operations", func(t *testing.T) {
		assert.Equal(t, LevelNone, logger.Level())

		logger.SetLevel(LevelDebug)
		assert.Equal(t, LevelDebug, logger.Level())
	})
}

func TestStdLogger(t *testing.T) {
	t.Run("info level skips debug", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LevelInfo)

		logger.Debug("debug message", nil)
		logger.Info("info message", nil)

		output := buf.String()
		assert.NotContains(t, output, "debug message")
		assert.Contains(t, output, "[INFO] info message")
	})

	t.Run("with fields carries fields", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LevelDebug).WithFields(Fields{FieldState: "Provisioned"})

		logger.Warn("dropped", Fields{FieldEvent: "SensorSample"})

		output := buf.String()
		assert.Contains(t, output, "[WARN] dropped")
		assert.Contains(t, output, "state:Provisioned")
		assert.Contains(t, output, "event:SensorSample")
	})
}

func TestSlogLogger(t *testing.T) {
	t.Run("json output", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewSlogLogger(buf, "json", LevelInfo)

		logger.WithFields(Fields{FieldActivity: "fsm"}).Error("enter failed", Fields{FieldError: errors.New("boom")})

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "enter failed", rec["msg"])
		assert.Equal(t, "fsm", rec["activity"])
		assert.Equal(t, "boom", rec["error"])
	})

	t.Run("level filtering", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewSlogLogger(buf, "text", LevelWarn)

		logger.Info("hidden", nil)
		logger.Warn("shown", nil)

		assert.NotContains(t, buf.String(), "hidden")
		assert.True(t, strings.Contains(buf.String(), "shown"))
		assert.Equal(t, LevelWarn, logger.Level())
	})

	t.Run("none silences everything", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewSlogLogger(buf, "text", LevelNone)

		logger.Error("hidden", nil)

		assert.Empty(t, buf.String())
		assert.Equal(t, LevelNone, logger.Level())
	})
}
