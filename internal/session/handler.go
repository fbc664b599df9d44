package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent/process"
	"github.com/kandev/conductor/internal/agent/protocol"
	"github.com/kandev/conductor/internal/events"
	"github.com/kandev/conductor/internal/session/models"
)

var _ process.Handler = (*Manager)(nil)

// HandleEvent applies one parsed agent event to the session.
func (m *Manager) HandleEvent(sessionID string, ev protocol.Event) {
	ctx := context.Background()
	log := m.logger.WithSessionID(sessionID)

	switch e := ev.(type) {
	case protocol.Message:
		if err := m.appendMessage(ctx, sessionID, messageRole(e.Role), e.Text); err != nil {
			log.Error("failed to store agent message", zap.Error(err))
		}
	case protocol.ToolCall:
		log.Debug("agent tool call", zap.String("tool", e.Name))
		m.publish(ctx, events.SessionOutput, sessionID, map[string]interface{}{
			"session_id": sessionID,
			"type":       string(models.OutputTypeEvent),
			"tool_name":  e.Name,
			"input":      json.RawMessage(e.Input),
		})
	case protocol.Error:
		log.Warn("agent reported an error", zap.String("message", e.Message))
		m.rememberError(sessionID, e.Message)
	case protocol.TurnComplete:
		m.scheduler.InSession(sessionID, func(ctx context.Context) error {
			return m.completeTurn(ctx, sessionID)
		})
	}
}

// messageRole maps the role an agent puts on a message. Agents cannot speak for the
// user, so anything but system is stored as agent.
func messageRole(role string) models.MessageRole {
	if models.MessageRole(role) == models.MessageRoleSystem {
		return models.MessageRoleSystem
	}
	return models.MessageRoleAgent
}

// completeTurn records the turn's execution, then either hands the agent the next
// held input or waits for new input.
func (m *Manager) completeTurn(ctx context.Context, sessionID string) error {
	log := m.logger.WithContext(ctx).WithSessionID(sessionID)

	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsArchived() {
		m.resetTurns(sessionID)
		return nil
	}

	if m.tracker != nil {
		project, err := m.repo.GetProject(ctx, session.ProjectID)
		if err != nil {
			return err
		}
		if _, err := m.tracker.OnTurnComplete(ctx, session, project.MainBranch); err != nil {
			log.Error("failed to record execution", zap.Error(err))
			m.recordSystemOutput(ctx, sessionID, "failed to record changes: "+err.Error())
		}
	}

	statusMessage := m.takeLastError(sessionID)
	if next, ok := m.nextInput(sessionID); ok {
		if err := m.supervisor.Send(sessionID, next); err != nil {
			// the exit handler settles the status of an agent that went away
			m.resetTurns(sessionID)
			return err
		}
		_, err = m.transition(ctx, sessionID, models.SessionStatusRunning, statusMessage,
			onlyFrom(models.SessionStatusRunning))
		return err
	}

	_, err = m.transition(ctx, sessionID, models.SessionStatusWaitingForInput, statusMessage,
		onlyFrom(models.SessionStatusRunning))
	return err
}

// HandleOutput stores a raw output line.
func (m *Manager) HandleOutput(sessionID string, stream models.OutputType, data string) {
	m.appendOutput(context.Background(), sessionID, stream, data)
}

// HandleExit applies the end of an agent process. Exits requested through Kill are
// already accounted for by the operation that killed the agent.
func (m *Manager) HandleExit(sessionID string, result process.ExitResult) {
	if result.Killed {
		return
	}
	ctx := context.Background()
	log := m.logger.WithSessionID(sessionID)

	to := models.SessionStatusCompleted
	msg := ""
	if result.Err != nil {
		to = models.SessionStatusError
		msg = result.Err.Error()
		m.recordSystemOutput(ctx, sessionID, msg)
	}
	m.takeLastError(sessionID)
	if dropped := m.resetTurns(sessionID); dropped > 0 {
		m.recordSystemOutput(ctx, sessionID, fmt.Sprintf("%d queued message(s) were not delivered", dropped))
	}

	_, err := m.transition(ctx, sessionID, to, msg, onlyFrom(
		models.SessionStatusInitializing,
		models.SessionStatusReady,
		models.SessionStatusRunning,
		models.SessionStatusWaitingForInput,
	))
	if err != nil {
		log.Warn("failed to apply agent exit", zap.Error(err))
	}
}

func (m *Manager) appendMessage(ctx context.Context, sessionID string, role models.MessageRole, content string) error {
	msg := &models.ConversationMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	}
	if err := m.repo.AppendMessage(ctx, msg); err != nil {
		return err
	}
	m.publish(ctx, events.MessageAdded, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"message_id": msg.ID,
		"role":       string(role),
		"sequence":   msg.Sequence,
		"content":    content,
	})
	return nil
}

func (m *Manager) appendOutput(ctx context.Context, sessionID string, stream models.OutputType, data string) {
	out := &models.SessionOutput{
		SessionID: sessionID,
		Type:      stream,
		Data:      data,
		Timestamp: m.now(),
	}
	if err := m.repo.AppendOutput(ctx, out); err != nil {
		m.logger.WithSessionID(sessionID).Debug("failed to store output", zap.Error(err))
		return
	}
	m.publish(ctx, events.SessionOutput, sessionID, map[string]interface{}{
		"session_id": sessionID,
		"sequence":   out.Sequence,
		"type":       string(stream),
		"data":       data,
	})
}

func (m *Manager) recordSystemOutput(ctx context.Context, sessionID, data string) {
	if data == "" {
		return
	}
	m.appendOutput(ctx, sessionID, models.OutputTypeSystem, data)
}
