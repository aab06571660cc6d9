package logging

import (
	"bytes"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := New()
	logger.SetLevel(level)
	logger.SetOutput(log.New(&buf, "", 0))
	return logger, &buf
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		minLevel  Level
		logLevel  Level
		shouldLog bool
	}{
		{"debug allowed at debug", LevelDebug, LevelDebug, true},
		{"error allowed at debug", LevelDebug, LevelError, true},
		{"debug blocked at info", LevelInfo, LevelDebug, false},
		{"info allowed at info", LevelInfo, LevelInfo, true},
		{"info blocked at warn", LevelWarn, LevelInfo, false},
		{"warn allowed at warn", LevelWarn, LevelWarn, true},
		{"warn blocked at error", LevelError, LevelWarn, false},
		{"error allowed at error", LevelError, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferedLogger(tt.minLevel)

			switch tt.logLevel {
			case LevelDebug:
				logger.Debug("frame received")
			case LevelInfo:
				logger.Info("frame received")
			case LevelWarn:
				logger.Warn("frame received")
			case LevelError:
				logger.Error("frame received")
			}

			if tt.shouldLog {
				assert.Contains(t, buf.String(), tt.logLevel.String()+": frame received")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestLoggerFieldsAreSorted(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	logger.With("client_id", "abc").Warn("reconnecting", "delay", 2*time.Second, "attempt", 1)

	assert.Equal(t, "WARN: reconnecting | attempt=1 client_id=abc delay=2s\n", buf.String())
}

func TestLoggerWithFields(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	child := logger.WithFields(map[string]any{
		"client_id": "c-1",
		"printer":   "voron",
	})
	child.Error("status rejected")

	out := buf.String()
	assert.Contains(t, out, "ERROR: status rejected")
	assert.Contains(t, out, "client_id=c-1")
	assert.Contains(t, out, "printer=voron")
}

func TestLoggerChildDoesNotModifyParent(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	_ = logger.With("client_id", "abc")
	logger.Info("parent")

	assert.NotContains(t, buf.String(), "client_id")
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"simple string", "ws://host/ws/1", "ws://host/ws/1"},
		{"string with spaces", "connection refused", `"connection refused"`},
		{"empty string", "", `""`},
		{"integer", 42, "42"},
		{"error", errors.New("eof"), `"eof"`},
		{"stringer", LevelInfo, "INFO"},
		{"duration", 30 * time.Second, "30s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatValue(tt.input))
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelWarn, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "LEVEL(9)", Level(9).String())
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(log.New(&buf, "", 0))
	SetLevel(LevelWarn)
	t.Cleanup(func() { SetLevel(LevelWarn) })

	Debug("ping sent")
	assert.Empty(t, buf.String())

	Warn("dropping frame")
	assert.Contains(t, buf.String(), "WARN: dropping frame")

	buf.Reset()
	With("component", "stream").Error("gave up")
	assert.Contains(t, buf.String(), "component=stream")
	assert.Same(t, defaultLogger, Default())
}
