package logger

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var entries []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestNewLogger_FileOutputWithFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "conductor.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), OperationIDKey, "s1#3")
	log.WithContext(ctx).WithSessionID("s1").WithProjectID("p1").Info("turn complete", zap.Int("sequence", 2))
	log.WithContext(context.Background()).Debug("plain")
	require.NoError(t, log.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "turn complete", first["msg"])
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "s1#3", first["operation_id"])
	assert.Equal(t, "s1", first["session_id"])
	assert.Equal(t, "p1", first["project_id"])
	assert.EqualValues(t, 2, first["sequence"])
	assert.Contains(t, first, "timestamp")

	assert.NotContains(t, entries[1], "operation_id")
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	log, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
}

func TestDefault_ReplacedBySetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	nop := NewNop()
	SetDefault(nop)
	assert.Same(t, nop, Default())
}
