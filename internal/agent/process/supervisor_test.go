package process

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent/mockagent"
	"github.com/kandev/conductor/internal/agent/protocol"
	"github.com/kandev/conductor/internal/common/config"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/session/models"
)

const mockAgentEnv = "CONDUCTOR_MOCK_AGENT"

// TestMain doubles as the mock agent when re-executed by the supervisor.
func TestMain(m *testing.M) {
	if os.Getenv(mockAgentEnv) == "1" {
		os.Exit(mockagent.Run(mockagent.EnvFromOS(), os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func mockAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Executable:  os.Args[0],
		Env:         map[string]string{mockAgentEnv: "1"},
		KillGraceMs: 2000,
	}
}

type fakeEndpoint struct {
	path      string
	available bool
}

func (f fakeEndpoint) SocketPath() string { return f.path }
func (f fakeEndpoint) Available() bool    { return f.available }

// recorder collects handler calls.
type recorder struct {
	mu      sync.Mutex
	events  map[string][]protocol.Event
	outputs map[string][]string
	exits   map[string]ExitResult
	exitCh  chan string
	turnCh  chan string
}

func newRecorder() *recorder {
	return &recorder{
		events:  make(map[string][]protocol.Event),
		outputs: make(map[string][]string),
		exits:   make(map[string]ExitResult),
		exitCh:  make(chan string, 16),
		turnCh:  make(chan string, 64),
	}
}

func (r *recorder) HandleEvent(sessionID string, ev protocol.Event) {
	r.mu.Lock()
	r.events[sessionID] = append(r.events[sessionID], ev)
	r.mu.Unlock()
	if _, ok := ev.(protocol.TurnComplete); ok {
		r.turnCh <- sessionID
	}
}

func (r *recorder) HandleOutput(sessionID string, _ models.OutputType, data string) {
	r.mu.Lock()
	r.outputs[sessionID] = append(r.outputs[sessionID], data)
	r.mu.Unlock()
}

func (r *recorder) HandleExit(sessionID string, result ExitResult) {
	r.mu.Lock()
	r.exits[sessionID] = result
	r.mu.Unlock()
	r.exitCh <- sessionID
}

func (r *recorder) eventsFor(sessionID string) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events[sessionID]...)
}

func (r *recorder) exitFor(sessionID string) ExitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exits[sessionID]
}

func waitFor(t *testing.T, ch chan string, want string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func newTestSupervisor(t *testing.T, rec *recorder) *Supervisor {
	t.Helper()
	s := NewSupervisor(mockAgentConfig(), fakeEndpoint{path: "", available: true}, rec, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.KillAll(ctx, time.Second)
	})
	return s
}

func TestSpawn_SendsPromptAndParsesEvents(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)

	info, err := s.Spawn(context.Background(), SpawnRequest{
		SessionID:      "s1",
		WorkDir:        t.TempDir(),
		Prompt:         "hello",
		PermissionMode: models.PermissionModeAutoApprove,
	})
	require.NoError(t, err)
	assert.Greater(t, info.PID, 0)
	assert.False(t, info.Degraded)
	assert.True(t, s.IsRunning("s1"))

	waitFor(t, rec.turnCh, "s1")
	evs := rec.eventsFor("s1")
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, protocol.Message{Role: "agent", Text: "ack: hello"}, evs[0])
}

func TestSend_ProcessNotFound(t *testing.T) {
	s := newTestSupervisor(t, newRecorder())
	err := s.Send("missing", "hi")
	require.Error(t, err)
	assert.True(t, apperrors.IsProcessNotFound(err))
}

func TestSpawn_MissingExecutable(t *testing.T) {
	cfg := mockAgentConfig()
	cfg.Executable = "/nonexistent/agent-binary"
	s := NewSupervisor(cfg, nil, newRecorder(), newTestLogger())

	_, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, apperrors.IsProcessSpawn(err))
	assert.False(t, s.IsRunning("s1"))
	assert.Equal(t, 0, s.Count())
}

func TestSpawn_DegradedWithoutPermissionChannel(t *testing.T) {
	rec := newRecorder()
	s := NewSupervisor(mockAgentConfig(), fakeEndpoint{available: false}, rec, newTestLogger())
	t.Cleanup(func() { s.KillAll(context.Background(), time.Second) })

	info, err := s.Spawn(context.Background(), SpawnRequest{
		SessionID:      "s1",
		WorkDir:        t.TempDir(),
		PermissionMode: models.PermissionModeAutoApprove,
	})
	require.NoError(t, err)
	assert.True(t, info.Degraded)
	assert.Equal(t, models.PermissionModeAutoDeny, info.PermissionMode)
}

func TestSpawn_OneProcessPerSession(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Spawn(context.Background(), SpawnRequest{SessionID: "same", WorkDir: t.TempDir()})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, s.Count())
}

func TestCrash_ReportsProcessCrashWithDetail(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)

	_, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: t.TempDir(), Prompt: "/crash 5"})
	require.NoError(t, err)

	waitFor(t, rec.exitCh, "s1")
	result := rec.exitFor("s1")
	assert.Equal(t, 5, result.ExitCode)
	assert.False(t, result.Killed)
	require.Error(t, result.Err)
	assert.True(t, apperrors.IsProcessCrash(result.Err))
	assert.Contains(t, result.Err.Error(), "simulated crash")

	// no respawn
	assert.False(t, s.IsRunning("s1"))
	assert.True(t, apperrors.IsProcessNotFound(s.Send("s1", "hello")))
}

func TestCleanExit(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)

	_, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: t.TempDir(), Prompt: "/exit"})
	require.NoError(t, err)

	waitFor(t, rec.exitCh, "s1")
	result := rec.exitFor("s1")
	assert.Equal(t, 0, result.ExitCode)
	assert.NoError(t, result.Err)
}

func TestUnparsableLinesAreDropped(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)

	_, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: t.TempDir(), Prompt: "/garbage"})
	require.NoError(t, err)
	waitFor(t, rec.turnCh, "s1")

	evs := rec.eventsFor("s1")
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.Message{Role: "agent", Text: "after garbage"}, evs[0])
	assert.True(t, s.IsRunning("s1"))
}

func TestKill_GracefulAndIdempotent(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)

	_, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, s.Kill(context.Background(), "s1", time.Second))
	assert.False(t, s.IsRunning("s1"))
	waitFor(t, rec.exitCh, "s1")
	assert.True(t, rec.exitFor("s1").Killed)
	assert.NoError(t, rec.exitFor("s1").Err)

	require.NoError(t, s.Kill(context.Background(), "s1", time.Second))
}

func TestKill_ForcesAfterGrace(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)

	_, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: t.TempDir(), Prompt: "/ignore-term"})
	require.NoError(t, err)
	waitFor(t, rec.turnCh, "s1")

	start := time.Now()
	require.NoError(t, s.Kill(context.Background(), "s1", 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, s.IsRunning("s1"))
}

func TestSpawnAfterExitIsAllowed(t *testing.T) {
	rec := newRecorder()
	s := newTestSupervisor(t, rec)
	dir := t.TempDir()

	_, err := s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: dir, Prompt: "/exit"})
	require.NoError(t, err)
	waitFor(t, rec.exitCh, "s1")

	_, err = s.Spawn(context.Background(), SpawnRequest{SessionID: "s1", WorkDir: dir, Prompt: "again"})
	require.NoError(t, err)
	waitFor(t, rec.turnCh, "s1")
}
