package session

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/session/models"
)

func TestTurnState_HoldsInputWhileTurnInFlight(t *testing.T) {
	m := NewManager(Dependencies{}, config.AgentConfig{}, newTestLogger())

	assert.True(t, m.offerInput("s1", "first"), "idle agent takes input at once")
	assert.False(t, m.offerInput("s1", "second"))
	assert.False(t, m.offerInput("s1", "third"))
	assert.True(t, m.offerInput("s2", "other"), "sessions do not share turns")

	next, ok := m.nextInput("s1")
	require.True(t, ok)
	assert.Equal(t, "second", next)
	next, ok = m.nextInput("s1")
	require.True(t, ok)
	assert.Equal(t, "third", next)
	_, ok = m.nextInput("s1")
	assert.False(t, ok)

	assert.True(t, m.offerInput("s1", "fourth"), "agent is idle again after the last turn")
}

func TestTurnState_ResetDropsHeldInput(t *testing.T) {
	m := NewManager(Dependencies{}, config.AgentConfig{}, newTestLogger())

	m.beginTurn("s1")
	assert.False(t, m.offerInput("s1", "held"))
	assert.Equal(t, 1, m.resetTurns("s1"))
	assert.Equal(t, 0, m.resetTurns("s1"))
	assert.True(t, m.offerInput("s1", "fresh"))
}

func TestContinueConversation_HeldUntilTurnCompletes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	session := env.create(t, "/slow 1s")

	updated, err := env.mgr.ContinueConversation(context.Background(), session.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, updated.Status)

	env.waitForStatus(t, session.ID, models.SessionStatusWaitingForInput)

	execs, err := env.mgr.ListExecutions(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2, "each input is its own turn")

	msgs, err := env.mgr.GetConversationMessages(context.Background(), session.ID)
	require.NoError(t, err)
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"/slow 1s", "after", "done after 1s", "ack: after"}, contents)
}

func TestStopSession_ReportsUndeliveredInput(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	session := env.create(t, "/slow 10s")

	_, err := env.mgr.ContinueConversation(context.Background(), session.ID, "never sent")
	require.NoError(t, err)

	stopped, err := env.mgr.StopSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, stopped.Status)

	require.Eventually(t, func() bool {
		outputs, _ := env.mgr.GetSessionOutput(context.Background(), session.ID)
		for _, o := range outputs {
			if o.Data == "1 queued message(s) were not delivered" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMessageRole(t *testing.T) {
	assert.Equal(t, models.MessageRoleAgent, messageRole("agent"))
	assert.Equal(t, models.MessageRoleAgent, messageRole(""))
	assert.Equal(t, models.MessageRoleAgent, messageRole("user"))
	assert.Equal(t, models.MessageRoleSystem, messageRole("system"))
}

func TestDeriveName_CutsOnRuneBoundary(t *testing.T) {
	prompt := "überprüfe die größenänderung der ärgerlichen übersetzungsdateien jetzt"
	name := deriveName(prompt)
	assert.True(t, utf8.ValidString(name))
	assert.LessOrEqual(t, utf8.RuneCountInString(name), maxDerivedNameRunes)

	assert.Equal(t, "add a test", deriveName("  add a test  "))
	assert.Equal(t, "session", deriveName("   "))
}
