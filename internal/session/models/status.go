package models

import (
	"errors"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusInitializing    SessionStatus = "initializing"
	SessionStatusReady           SessionStatus = "ready"
	SessionStatusRunning         SessionStatus = "running"
	SessionStatusWaitingForInput SessionStatus = "waiting-for-input"
	SessionStatusCompleted       SessionStatus = "completed"
	SessionStatusError           SessionStatus = "error"
	SessionStatusArchived        SessionStatus = "archived"
)

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid session status transition")

// transitions lists, per state, the states it may move to.
// completed and error may resume into running when the conversation continues.
var transitions = map[SessionStatus][]SessionStatus{
	SessionStatusInitializing:    {SessionStatusReady, SessionStatusError, SessionStatusArchived},
	SessionStatusReady:           {SessionStatusRunning, SessionStatusCompleted, SessionStatusError, SessionStatusArchived},
	SessionStatusRunning:         {SessionStatusWaitingForInput, SessionStatusCompleted, SessionStatusError, SessionStatusArchived},
	SessionStatusWaitingForInput: {SessionStatusRunning, SessionStatusCompleted, SessionStatusError, SessionStatusArchived},
	SessionStatusCompleted:       {SessionStatusRunning, SessionStatusArchived},
	SessionStatusError:           {SessionStatusRunning, SessionStatusArchived},
	SessionStatusArchived:        nil,
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsLive reports whether a session in this status is expected to have a running agent.
func (s SessionStatus) IsLive() bool {
	switch s {
	case SessionStatusReady, SessionStatusRunning, SessionStatusWaitingForInput:
		return true
	}
	return false
}

// CanTransition reports whether from may move to to. Staying in the same state is allowed
// for every state except archived.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		return from != SessionStatusArchived
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the session to status to, stamping UpdatedAt and, for archive, ArchivedAt.
// It is the only place a session's status changes.
func (s *Session) Transition(to SessionStatus, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	if to == SessionStatusArchived && s.ArchivedAt == nil {
		at := now
		s.ArchivedAt = &at
	}
	return nil
}
