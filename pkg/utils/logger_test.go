package utils

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	for input, want := range map[string]LogLevel{
		"debug":   LevelDebug,
		"Debug":   LevelDebug,
		"info":    LevelInfo,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"Warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"trace":   LevelInfo,
		"verbose": LevelInfo,
	} {
		assert.Equal(t, want, ParseLogLevel(input), input)
	}
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
	assert.Equal(t, "UNKNOWN", LogLevel(-1).String())

	for l := LevelDebug; l <= LevelError; l++ {
		assert.Equal(t, l, ParseLogLevel(l.String()))
	}
}

func TestDefaultLogger_TextRecord(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewDefaultLogger(LevelInfo, buf)

	logger.WithField("uid", 3).Info("snapshot %q: %d entries", "boot", 42)

	line := strings.TrimSpace(buf.String())
	assert.Regexp(t, regexp.MustCompile(`^\[\d{4}-[^\]]+\] \[INFO\] snapshot "boot": 42 entries uid=3$`), line)
}

func TestDefaultLogger_Levels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewDefaultLogger(LevelWarn, buf)

	logger.Debug("sampler tick")
	logger.Info("profile started")
	logger.Warn("event queue full")
	logger.Error("archive failed")

	out := buf.String()
	assert.NotContains(t, out, "sampler tick")
	assert.NotContains(t, out, "profile started")
	assert.Contains(t, out, "[WARN] event queue full")
	assert.Contains(t, out, "[ERROR] archive failed")
	assert.Equal(t, LevelWarn, logger.Level())
}

func TestDefaultLogger_WithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewDefaultLogger(LevelInfo, buf)

	logger.WithFields(map[string]any{"component": "archiver", "key": "snapshots/1"}).Info("stored")

	out := buf.String()
	assert.Contains(t, out, "component=archiver")
	assert.Contains(t, out, "key=snapshots/1")
}

func TestDefaultLogger_DerivedLoggersShareLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewDefaultLogger(LevelInfo, buf)
	child := logger.WithField("component", "processor")

	child.Debug("hidden")
	logger.SetLevel(LevelDebug)
	child.Debug("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[DEBUG] shown component=processor")
}

func TestDefaultLogger_PercentWithoutArgs(t *testing.T) {
	buf := &bytes.Buffer{}
	NewDefaultLogger(LevelInfo, buf).Info("100% done")
	assert.Contains(t, buf.String(), "100% done")
}

func TestJSONLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LevelInfo, FormatJSON, buf)

	logger.WithField("uid", 7).Info("snapshot %s taken", "heap-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "info", record["level"])
	assert.Equal(t, "snapshot heap-1 taken", record["message"])
	assert.Equal(t, float64(7), record["uid"])
	assert.Contains(t, record, "time")
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	t.Cleanup(func() { SetGlobalLogger(original) })

	buf := &bytes.Buffer{}
	SetGlobalLogger(NewDefaultLogger(LevelInfo, buf))
	GetGlobalLogger().Info("global log")
	assert.Contains(t, buf.String(), "global log")
}

func TestNullLogger(t *testing.T) {
	var logger Logger = &NullLogger{}
	logger.Error("dropped %d", 1)
	assert.Same(t, logger, logger.WithField("key", "value"))
	assert.Same(t, logger, logger.WithFields(map[string]any{"key": "value"}))
}

func TestDefaultLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDefaultLogger(LevelInfo, &buf)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				logger.WithField("g", g).Info("record %d", i)
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 400)
	for _, line := range lines {
		assert.Contains(t, line, "[INFO] record ")
	}
}
