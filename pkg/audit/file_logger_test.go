package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
	require.NoError(t, err)
	defer logger.Close()

	event := &AuditEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    EventTypeAuthzDecision,
		Status:       EventStatusDenied,
		Principal:    "user:abc",
		ResourceType: "connection",
		Action:       "read",
		Message:      "deny_default",
		Metadata:     map[string]interface{}{},
	}
	require.NoError(t, logger.Log(context.Background(), event))
	for i := 0; i < 4; i++ {
		require.NoError(t, logger.Log(context.Background(), newTestEvent()))
	}

	events, err := logger.ReadLogs(0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, EventTypeAuthzDecision, events[0].EventType)
	assert.Equal(t, "user:abc", events[0].Principal)

	events, err = logger.ReadLogs(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFileLogger_RotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: dir,
		Rotate:   true,
		MaxSize:  64,
		MaxFiles: 2,
	})
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 6; i++ {
		require.NoError(t, logger.Log(context.Background(), newTestEvent()))
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Len(t, rotated, 2)

	// every event is larger than MaxSize, so each file holds exactly one
	events, err := logger.ReadLogs(0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFileLogger_NoRotationWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir, MaxSize: 64})
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Log(context.Background(), newTestEvent()))
	}
	rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Empty(t, rotated)
}

func TestFileLogger_ReopenCountsExistingSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.log"), make([]byte, 128), 0o644))

	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir, Rotate: true, MaxSize: 64, MaxFiles: 3})
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Log(context.Background(), newTestEvent()))
	rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Len(t, rotated, 1)
}

func TestFileLogger_LogAfterClose(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	assert.Error(t, logger.Log(context.Background(), newTestEvent()))
	assert.NoError(t, logger.Close())
}

func TestDefaultFileLoggerConfig(t *testing.T) {
	cfg := DefaultFileLoggerConfig()
	assert.Equal(t, "/var/log/bastion/audit", cfg.BasePath)
	assert.True(t, cfg.Rotate)
	assert.Equal(t, int64(100<<20), cfg.MaxSize)
	assert.Equal(t, 10, cfg.MaxFiles)
}
