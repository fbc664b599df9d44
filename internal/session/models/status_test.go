package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionStatusInitializing, SessionStatusReady, true},
		{SessionStatusInitializing, SessionStatusRunning, false},
		{SessionStatusReady, SessionStatusRunning, true},
		{SessionStatusRunning, SessionStatusWaitingForInput, true},
		{SessionStatusWaitingForInput, SessionStatusRunning, true},
		{SessionStatusRunning, SessionStatusError, true},
		{SessionStatusWaitingForInput, SessionStatusCompleted, true},
		{SessionStatusError, SessionStatusArchived, true},
		{SessionStatusCompleted, SessionStatusRunning, true},
		{SessionStatusCompleted, SessionStatusWaitingForInput, false},
		{SessionStatusArchived, SessionStatusRunning, false},
		{SessionStatusArchived, SessionStatusArchived, false},
		{SessionStatusRunning, SessionStatusRunning, true},
		{SessionStatusRunning, SessionStatusInitializing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEveryNonTerminalStateCanArchive(t *testing.T) {
	for status := range transitions {
		if status == SessionStatusArchived {
			continue
		}
		assert.True(t, CanTransition(status, SessionStatusArchived), "%s should archive", status)
	}
}

func TestSessionTransition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := &Session{Status: SessionStatusInitializing}

	require.NoError(t, s.Transition(SessionStatusReady, now))
	assert.Equal(t, now, s.UpdatedAt)

	err := s.Transition(SessionStatusWaitingForInput, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, SessionStatusReady, s.Status)

	require.NoError(t, s.Transition(SessionStatusArchived, now))
	require.NotNil(t, s.ArchivedAt)
	assert.Equal(t, now, *s.ArchivedAt)
	assert.True(t, s.IsArchived())
}

func TestPermissionModeValid(t *testing.T) {
	assert.True(t, PermissionModeAutoApprove.Valid())
	assert.True(t, PermissionModeAutoDeny.Valid())
	assert.False(t, PermissionMode("ask").Valid())
}
