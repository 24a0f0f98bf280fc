package logging

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Use(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestLoggerLevels(t *testing.T) {
	logs := observe(t)
	logger := NewLogger("worker")

	logger.Debugf("debug %d", 1)
	logger.Infof("info %d", 2)
	logger.Warnf("warn %d", 3)
	logger.Errorf("error %d", 4)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "debug 1", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	for _, e := range entries {
		assert.Equal(t, "worker", e.LoggerName)
	}
}

func TestLoggerWithFields(t *testing.T) {
	logs := observe(t)
	logger := NewLogger("ipc").With("execution_id", "exec-1")

	logger.Infow("call", "command", "launch")

	entries := logs.FilterMessage("call").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "exec-1", ctx["execution_id"])
	assert.Equal(t, "launch", ctx["command"])
}

func TestLoggerCreatedBeforeUse(t *testing.T) {
	logger := NewLogger("early")
	logs := observe(t)

	logger.Infof("late sink")
	assert.Equal(t, 1, logs.FilterMessage("late sink").Len())
}

func TestInitWithDirectory(t *testing.T) {
	prev := base.Load()
	t.Cleanup(func() { base.Store(prev) })

	dir := t.TempDir()
	require.NoError(t, Init(Config{Level: "debug", Format: "json", Dir: dir}))

	NewLogger("file").Infof("written to file")
	_ = Sync()

	path := LogPath()
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(path, dir))
	assert.Contains(t, path, ProcessID())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestInitInvalidLevel(t *testing.T) {
	err := Init(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	observe(t)
	logger := NewLogger("close")
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}
