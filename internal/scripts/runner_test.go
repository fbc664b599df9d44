//go:build !windows

package scripts

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestResolve(t *testing.T) {
	got := Resolve("cd {{worktree.path}} && echo {{unknown}}", map[string]string{
		PlaceholderWorktreePath: "/tmp/wt",
	})
	assert.Equal(t, "cd /tmp/wt && echo {{unknown}}", got)
	assert.Equal(t, "", Resolve("", map[string]string{"a": "b"}))
}

func TestRun_CapturesOutput(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner(newTestLogger(), 10*time.Second)

	res, err := r.Run(context.Background(), Request{
		Dir:    dir,
		Script: "echo building {{session.name}} && pwd",
		Vars:   map[string]string{PlaceholderSessionName: "demo"},
	})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Contains(t, res.Output, "building demo")
	assert.Contains(t, strings.ReplaceAll(res.Output, "\r", ""), dir)
}

func TestRun_NonzeroExitIsNotAnError(t *testing.T) {
	r := NewRunner(newTestLogger(), 10*time.Second)
	res, err := r.Run(context.Background(), Request{Dir: t.TempDir(), Script: "echo failing; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "failing")
}

func TestRun_EmptyScript(t *testing.T) {
	r := NewRunner(newTestLogger(), 0)
	res, err := r.Run(context.Background(), Request{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Empty(t, res.Output)
}

func TestRun_Timeout(t *testing.T) {
	r := NewRunner(newTestLogger(), 100*time.Millisecond)
	_, err := r.Run(context.Background(), Request{Dir: t.TempDir(), Script: "sleep 5"})
	require.Error(t, err)
}
