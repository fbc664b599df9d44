package sqlite

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/kandev/conductor/internal/session/models"
)

// Message operations

type messageRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	Sequence  int       `db:"sequence"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendMessage stores a message with the next sequence for its session.
func (r *Repository) AppendMessage(ctx context.Context, message *models.ConversationMessage) error {
	if message.ID == "" {
		message.ID = ulid.Make().String()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	next, err := r.appendNext(ctx, "conversation_messages", message.SessionID, func(tx *sqlx.Tx, next int) error {
		_, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO conversation_messages (id, session_id, role, content, sequence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), message.ID, message.SessionID, string(message.Role), message.Content, next, message.Timestamp)
		return err
	})
	if err != nil {
		return err
	}
	message.Sequence = next
	return nil
}

// ListMessages returns all messages for a session in sequence order.
func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]*models.ConversationMessage, error) {
	var rows []messageRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT id, session_id, role, content, sequence, created_at
		FROM conversation_messages WHERE session_id = ? ORDER BY sequence ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	result := make([]*models.ConversationMessage, 0, len(rows))
	for _, row := range rows {
		result = append(result, &models.ConversationMessage{
			ID:        row.ID,
			SessionID: row.SessionID,
			Role:      models.MessageRole(row.Role),
			Content:   row.Content,
			Sequence:  row.Sequence,
			Timestamp: row.CreatedAt,
		})
	}
	return result, nil
}

// Output operations

type outputRow struct {
	SessionID string    `db:"session_id"`
	Sequence  int       `db:"sequence"`
	Type      string    `db:"type"`
	Data      string    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
}

// AppendOutput stores an output record with the next sequence for its session.
func (r *Repository) AppendOutput(ctx context.Context, output *models.SessionOutput) error {
	if output.Timestamp.IsZero() {
		output.Timestamp = time.Now().UTC()
	}

	next, err := r.appendNext(ctx, "session_outputs", output.SessionID, func(tx *sqlx.Tx, next int) error {
		_, err := tx.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO session_outputs (session_id, sequence, type, data, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), output.SessionID, next, string(output.Type), output.Data, output.Timestamp)
		return err
	})
	if err != nil {
		return err
	}
	output.Sequence = next
	return nil
}

// ListOutputs returns all output records for a session in sequence order.
func (r *Repository) ListOutputs(ctx context.Context, sessionID string) ([]*models.SessionOutput, error) {
	var rows []outputRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT session_id, sequence, type, data, created_at
		FROM session_outputs WHERE session_id = ? ORDER BY sequence ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	result := make([]*models.SessionOutput, 0, len(rows))
	for _, row := range rows {
		result = append(result, &models.SessionOutput{
			SessionID: row.SessionID,
			Sequence:  row.Sequence,
			Type:      models.OutputType(row.Type),
			Data:      row.Data,
			Timestamp: row.CreatedAt,
		})
	}
	return result, nil
}
