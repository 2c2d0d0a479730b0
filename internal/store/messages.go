package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

// MessageRepo defines persistence for the WhatsApp message audit trail.
type MessageRepo interface {
	InsertMessage(ctx context.Context, m *models.WhatsAppMessage) error
	RecentMessages(ctx context.Context, userID string, limit int) ([]models.WhatsAppMessage, error)
	MarkLatestMessageImportant(ctx context.Context, userID, content string, important int) (bool, error)
	UsersWithImportantBacklog(ctx context.Context) ([]string, error)
	ImportantMessageCandidates(ctx context.Context, userID string, limit int) ([]models.WhatsAppMessage, error)
}

// Compile-time check that Store implements MessageRepo.
var _ MessageRepo = (*Store)(nil)

// InsertMessage appends a message to the audit trail. ID and CreatedAt are
// filled in when empty.
func (s *Store) InsertMessage(ctx context.Context, m *models.WhatsAppMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO whatsapp_messages (id, user_id, content, type, important, processed_for_summary, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)`,
		m.ID, nilIfEmpty(m.UserID), m.Content, string(m.Type), m.Important, nilIfEmpty(m.ExternalID), m.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("Store.InsertMessage failed", "error", err, "userID", m.UserID, "type", m.Type)
		return fmt.Errorf("insert whatsapp message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages for a user, newest first.
func (s *Store) RecentMessages(ctx context.Context, userID string, limit int) ([]models.WhatsAppMessage, error) {
	rows, err := s.query(ctx, `
		SELECT `+messageColumns+` FROM whatsapp_messages
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	var out []models.WhatsAppMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkLatestMessageImportant sets the importance flag on the most recent user
// message matching userID and content. It reports whether a row was updated.
func (s *Store) MarkLatestMessageImportant(ctx context.Context, userID, content string, important int) (bool, error) {
	n, err := s.execAffected(ctx, `
		UPDATE whatsapp_messages SET important = ?
		WHERE id = (
			SELECT id FROM whatsapp_messages
			WHERE user_id = ? AND content = ? AND type = ?
			ORDER BY created_at DESC, id DESC LIMIT 1
		)`, important, userID, content, string(models.MessageTypeUser))
	if err != nil {
		return false, fmt.Errorf("mark message important: %w", err)
	}
	return n > 0, nil
}

// UsersWithImportantBacklog lists users with at least one important,
// unprocessed and unclaimed user message.
func (s *Store) UsersWithImportantBacklog(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT DISTINCT user_id FROM whatsapp_messages
		WHERE user_id IS NOT NULL AND type = ? AND important = 1
			AND processed_for_summary = FALSE AND processing_started_at IS NULL
		ORDER BY user_id`, string(models.MessageTypeUser))
	if err != nil {
		return nil, fmt.Errorf("query important backlog: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ImportantMessageCandidates returns up to limit claimable important user
// messages for a user, newest first.
func (s *Store) ImportantMessageCandidates(ctx context.Context, userID string, limit int) ([]models.WhatsAppMessage, error) {
	rows, err := s.query(ctx, `
		SELECT `+messageColumns+` FROM whatsapp_messages
		WHERE user_id = ? AND type = ? AND important = 1
			AND processed_for_summary = FALSE AND processing_started_at IS NULL
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, string(models.MessageTypeUser), limit)
	if err != nil {
		return nil, fmt.Errorf("query important messages: %w", err)
	}
	defer rows.Close()
	var out []models.WhatsAppMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.WhatsAppMessage, error) {
	m, err := scanMessage(s.queryRow(ctx, `SELECT `+messageColumns+` FROM whatsapp_messages WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get message")
	}
	return &m, nil
}

// CountMessages counts messages matching an optional user id and type. An
// empty userID matches messages with no resolved user.
func (s *Store) CountMessages(ctx context.Context, userID string, typ models.MessageType) (int, error) {
	var n int
	var err error
	if userID == "" {
		err = s.queryRow(ctx, `SELECT COUNT(*) FROM whatsapp_messages WHERE user_id IS NULL AND type = ?`, string(typ)).Scan(&n)
	} else {
		err = s.queryRow(ctx, `SELECT COUNT(*) FROM whatsapp_messages WHERE user_id = ? AND type = ?`, userID, string(typ)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
