package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent/mockagent"
	"github.com/kandev/conductor/internal/common/config"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/events/bus"
	"github.com/kandev/conductor/internal/project"
	"github.com/kandev/conductor/internal/session"
	"github.com/kandev/conductor/internal/session/models"
	"github.com/kandev/conductor/internal/session/repository"
	"github.com/kandev/conductor/internal/taskqueue"
)

const mockAgentEnv = "CONDUCTOR_MOCK_AGENT"

func TestMain(m *testing.M) {
	if os.Getenv(mockAgentEnv) == "1" {
		os.Exit(mockagent.Run(mockagent.EnvFromOS(), os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type harness struct {
	svc     *Service
	bus     bus.EventBus
	project *models.Project
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	socketDir, err := os.MkdirTemp("", "orch")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })

	cfg := &config.Config{
		Agent: config.AgentConfig{
			Executable:            os.Args[0],
			Env:                   map[string]string{mockAgentEnv: "1"},
			KillGraceMs:           2000,
			DefaultPermissionMode: string(models.PermissionModeAutoApprove),
		},
		Worktree:   config.WorktreeConfig{BasePath: t.TempDir()},
		Permission: config.PermissionConfig{SocketDir: socketDir, RequestTimeoutMs: 5000},
		Queue:      config.QueueConfig{MaxConcurrent: 4},
	}

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	svc, err := NewService(cfg, repository.NewMemoryRepository(), eventBus, log)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})

	p, err := svc.CreateProject(context.Background(), project.CreateProjectRequest{
		Name:     "demo",
		Path:     filepath.Join(t.TempDir(), "demo"),
		Activate: true,
	})
	require.NoError(t, err)
	return &harness{svc: svc, bus: eventBus, project: p}
}

func (h *harness) waitForStatus(t *testing.T, id string, status models.SessionStatus) *models.Session {
	t.Helper()
	var last *models.Session
	require.Eventually(t, func() bool {
		s, err := h.svc.GetSession(context.Background(), id)
		if err != nil {
			return false
		}
		last = s
		return s.Status == status
	}, 15*time.Second, 20*time.Millisecond, "session never reached %s", status)
	return last
}

// statusRecorder collects "old->new" status transitions. The memory bus delivers
// asynchronously, so only the set of transitions is stable, not their arrival order.
type statusRecorder struct {
	mu          sync.Mutex
	transitions map[string]bool
}

func (r *statusRecorder) handle(_ context.Context, e *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitions == nil {
		r.transitions = map[string]bool{}
	}
	r.transitions[fmt.Sprintf("%v->%v", e.Data["old_status"], e.Data["new_status"])] = true
	return nil
}

func (r *statusRecorder) saw(from, to models.SessionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[string(from)+"->"+string(to)]
}

func TestScenario_CreateRecordsFirstTurn(t *testing.T) {
	h := newHarness(t)
	rec := &statusRecorder{}
	_, err := h.bus.Subscribe(events.SessionStatusChanged+".*", rec.handle)
	require.NoError(t, err)

	res, err := h.svc.CreateSession(context.Background(), session.CreateRequest{
		Name:       "add a test file",
		Prompt:     "/write feature_test.go package feature",
		ProjectID:  h.project.ID,
		AutoCommit: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, models.SessionStatusRunning, res.Session.Status)

	id := res.Session.ID
	h.waitForStatus(t, id, models.SessionStatusWaitingForInput)

	execs, err := h.svc.ListExecutions(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, 1, execs[0].Sequence)
	require.NotNil(t, execs[0].CommitHash)
	assert.NotEmpty(t, *execs[0].CommitHash)

	msgs, err := h.svc.GetConversationMessages(context.Background(), id)
	require.NoError(t, err)
	agentMsgs := 0
	for _, m := range msgs {
		if m.Role == models.MessageRoleAgent {
			agentMsgs++
		}
	}
	assert.Equal(t, 1, agentMsgs)

	require.Eventually(t, func() bool {
		return rec.saw(models.SessionStatusRunning, models.SessionStatusWaitingForInput)
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.saw(models.SessionStatusInitializing, models.SessionStatusReady))
	assert.True(t, rec.saw(models.SessionStatusReady, models.SessionStatusRunning))
}

func TestScenario_ArchiveAfterCrash(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.CreateSession(context.Background(), session.CreateRequest{
		Prompt:    "/crash",
		ProjectID: h.project.ID,
	})
	require.NoError(t, err)
	id := res.Session.ID
	crashed := h.waitForStatus(t, id, models.SessionStatusError)
	assert.Contains(t, crashed.StatusMessage, "exited with code 3")

	archived, err := h.svc.ArchiveSession(context.Background(), id, session.ArchiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusArchived, archived.Status)
	require.NotNil(t, archived.ArchivedAt)

	again, err := h.svc.ArchiveSession(context.Background(), id, session.ArchiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusArchived, again.Status)

	_, err = h.svc.ContinueConversation(context.Background(), id, "hello?")
	require.Error(t, err)
	assert.True(t, apperrors.IsSessionArchived(err))
	assert.True(t, apperrors.IsQueueOperationFailed(err))
}

func TestScenario_ConcurrentCreatesGetDistinctTrees(t *testing.T) {
	h := newHarness(t)

	const n = 4
	results := make([]*session.CreateResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.svc.CreateSession(context.Background(), session.CreateRequest{
				Name:      "same name",
				Prompt:    "hello",
				ProjectID: h.project.ID,
			})
		}()
	}
	wg.Wait()

	branches := map[string]bool{}
	paths := map[string]bool{}
	for i := range n {
		require.NoError(t, errs[i])
		assert.False(t, apperrors.IsWorktreeCreation(errs[i]))
		branches[results[i].Session.BranchName] = true
		paths[results[i].Session.WorktreePath] = true
	}
	assert.Len(t, branches, n)
	assert.Len(t, paths, n)

	for i := range n {
		h.waitForStatus(t, results[i].Session.ID, models.SessionStatusWaitingForInput)
	}
	assert.Equal(t, n, h.svc.Supervisor().Count())
}

func TestScenario_AutoDenyBlocksToolCall(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var decisions []string
	_, err := h.bus.Subscribe(events.PermissionDecided+".*", func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		decisions = append(decisions, fmt.Sprint(e.Data["decision"]))
		return nil
	})
	require.NoError(t, err)

	res, err := h.svc.CreateSession(context.Background(), session.CreateRequest{
		Prompt:         "/write secret.txt leaked",
		ProjectID:      h.project.ID,
		PermissionMode: models.PermissionModeAutoDeny,
	})
	require.NoError(t, err)
	id := res.Session.ID
	h.waitForStatus(t, id, models.SessionStatusWaitingForInput)

	_, statErr := os.Stat(filepath.Join(res.Session.WorktreePath, "secret.txt"))
	assert.True(t, os.IsNotExist(statErr))

	msgs, err := h.svc.GetConversationMessages(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.True(t, strings.HasPrefix(msgs[len(msgs)-1].Content, "permission denied for secret.txt"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(decisions) > 0
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"deny"}, decisions)
}

func TestContinuesRunInSubmissionOrder(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.CreateSession(context.Background(), session.CreateRequest{Prompt: "start", ProjectID: h.project.ID})
	require.NoError(t, err)
	id := res.Session.ID
	h.waitForStatus(t, id, models.SessionStatusWaitingForInput)

	var pending []*taskqueue.Result
	for i := range 5 {
		msg := fmt.Sprintf("m%d", i)
		pending = append(pending, h.svc.queue.Submit(context.Background(), id, func(ctx context.Context) (any, error) {
			return h.svc.sessions.ContinueConversation(ctx, id, msg)
		}))
	}
	for _, r := range pending {
		_, err := r.Wait(context.Background())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		execs, _ := h.svc.ListExecutions(context.Background(), id)
		return len(execs) == 6
	}, 15*time.Second, 20*time.Millisecond)

	execs, err := h.svc.ListExecutions(context.Background(), id)
	require.NoError(t, err)
	for i, e := range execs {
		assert.Equal(t, i+1, e.Sequence)
	}

	msgs, err := h.svc.GetConversationMessages(context.Background(), id)
	require.NoError(t, err)
	var user, agent []string
	for _, m := range msgs {
		switch m.Role {
		case models.MessageRoleUser:
			user = append(user, m.Content)
		case models.MessageRoleAgent:
			agent = append(agent, m.Content)
		}
	}
	assert.Equal(t, []string{"start", "m0", "m1", "m2", "m3", "m4"}, user)
	assert.Equal(t, []string{"ack: start", "ack: m0", "ack: m1", "ack: m2", "ack: m3", "ack: m4"}, agent)
	h.waitForStatus(t, id, models.SessionStatusWaitingForInput)
}

func TestOverlappingContinuesWaitOnlyWhenAgentIsIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateSession(ctx, session.CreateRequest{Prompt: "start", ProjectID: h.project.ID})
	require.NoError(t, err)
	id := res.Session.ID
	h.waitForStatus(t, id, models.SessionStatusWaitingForInput)

	first := h.svc.queue.Submit(ctx, id, func(ctx context.Context) (any, error) {
		return h.svc.sessions.ContinueConversation(ctx, id, "quick")
	})
	second := h.svc.queue.Submit(ctx, id, func(ctx context.Context) (any, error) {
		return h.svc.sessions.ContinueConversation(ctx, id, "/slow 1500ms")
	})
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	_, err = second.Wait(ctx)
	require.NoError(t, err)

	sawSlowTurnRunning := false
	deadline := time.Now().Add(15 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "slow turn never completed")
		s, err := h.svc.GetSession(ctx, id)
		require.NoError(t, err)
		execs, err := h.svc.ListExecutions(ctx, id)
		require.NoError(t, err)

		if s.Status == models.SessionStatusWaitingForInput {
			require.Len(t, execs, 3, "waiting for input while a queued turn is outstanding")
			break
		}
		require.Equal(t, models.SessionStatusRunning, s.Status)
		if len(execs) == 2 {
			sawSlowTurnRunning = true
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, sawSlowTurnRunning, "the slow turn should run after the quick turn was recorded")

	msgs, err := h.svc.GetConversationMessages(ctx, id)
	require.NoError(t, err)
	var agent []string
	for _, m := range msgs {
		if m.Role == models.MessageRoleAgent {
			agent = append(agent, m.Content)
		}
	}
	assert.Equal(t, []string{"ack: start", "ack: quick", "done after 1.5s"}, agent)
}

func TestSubscribeSessionStreamsEvents(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.CreateSession(context.Background(), session.CreateRequest{Prompt: "start", ProjectID: h.project.ID})
	require.NoError(t, err)
	id := res.Session.ID
	h.waitForStatus(t, id, models.SessionStatusWaitingForInput)

	got := make(chan string, 64)
	sub, err := h.svc.SubscribeSession(id, func(_ context.Context, e *bus.Event) error {
		got <- e.Type
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	_, err = h.svc.ContinueConversation(context.Background(), id, "again")
	require.NoError(t, err)

	seen := map[string]bool{}
	deadline := time.After(10 * time.Second)
	for !seen[events.ExecutionRecorded] {
		select {
		case typ := <-got:
			seen[typ] = true
		case <-deadline:
			t.Fatalf("execution event never arrived, saw %v", seen)
		}
	}
	assert.True(t, seen[events.MessageAdded])
	assert.True(t, seen[events.SessionStatusChanged])
}

func TestStopRejectsNewOperations(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.CreateSession(context.Background(), session.CreateRequest{Prompt: "start", ProjectID: h.project.ID})
	require.NoError(t, err)
	h.waitForStatus(t, res.Session.ID, models.SessionStatusWaitingForInput)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Stop(ctx))
	assert.ErrorIs(t, h.svc.Stop(ctx), ErrServiceNotRunning)
	assert.Equal(t, 0, h.svc.Supervisor().Count())

	_, err = h.svc.ContinueConversation(context.Background(), res.Session.ID, "late")
	assert.ErrorIs(t, err, taskqueue.ErrClosed)
}

func TestSessionNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ContinueConversation(context.Background(), "nope", "hi")
	assert.True(t, apperrors.IsSessionNotFound(err))
	_, err = h.svc.ArchiveSession(context.Background(), "nope", session.ArchiveOptions{})
	assert.True(t, apperrors.IsSessionNotFound(err))
}
