package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

// ScheduleRepo defines persistence for scheduled calls.
type ScheduleRepo interface {
	InsertScheduledCall(ctx context.Context, c *models.ScheduledCall) error
	GetScheduledCall(ctx context.Context, id string) (*models.ScheduledCall, error)
	ListScheduledCalls(ctx context.Context, userID string) ([]models.ScheduledCall, error)
	DeleteScheduledCall(ctx context.Context, userID, id string) error
	DueScheduledCalls(ctx context.Context, from, to time.Time) ([]models.ScheduledCall, error)
	ClaimScheduledCall(ctx context.Context, id string, refireGuard time.Duration, next *time.Time) (bool, error)
	OverdueScheduledCalls(ctx context.Context, before time.Time) ([]models.ScheduledCall, error)
	RescheduleCall(ctx context.Context, id string, next *time.Time, note string) error
	RecordScheduledCallError(ctx context.Context, id, msg string) error
}

// Compile-time check that Store implements ScheduleRepo.
var _ ScheduleRepo = (*Store)(nil)

// InsertScheduledCall validates and inserts a scheduled call.
func (s *Store) InsertScheduledCall(ctx context.Context, c *models.ScheduledCall) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO scheduled_calls (`+scheduledCallColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, nullableInt(c.Weekday), nilIfEmpty(c.SpecificDate), c.LocalTime, nilIfEmpty(c.TemplateID),
		nullableTime(c.ExecutionTimestamp), c.Context, nullableTime(c.LastFiredAt), nilIfEmpty(c.LastError), c.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("Store.InsertScheduledCall failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("insert scheduled call: %w", err)
	}
	return nil
}

// GetScheduledCall returns a scheduled call by id.
func (s *Store) GetScheduledCall(ctx context.Context, id string) (*models.ScheduledCall, error) {
	c, err := scanScheduledCall(s.queryRow(ctx, `SELECT `+scheduledCallColumns+` FROM scheduled_calls WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get scheduled call")
	}
	return c, nil
}

// ListScheduledCalls returns a user's scheduled calls ordered by creation.
func (s *Store) ListScheduledCalls(ctx context.Context, userID string) ([]models.ScheduledCall, error) {
	return s.listScheduledCalls(ctx, `
		SELECT `+scheduledCallColumns+` FROM scheduled_calls
		WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// DeleteScheduledCall removes a user's scheduled call.
func (s *Store) DeleteScheduledCall(ctx context.Context, userID, id string) error {
	n, err := s.execAffected(ctx, `DELETE FROM scheduled_calls WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete scheduled call: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueScheduledCalls returns calls whose execution timestamp lies in [from, to].
func (s *Store) DueScheduledCalls(ctx context.Context, from, to time.Time) ([]models.ScheduledCall, error) {
	return s.listScheduledCalls(ctx, `
		SELECT `+scheduledCallColumns+` FROM scheduled_calls
		WHERE execution_timestamp IS NOT NULL AND execution_timestamp >= ? AND execution_timestamp <= ?
		ORDER BY execution_timestamp, id`, from.UTC(), to.UTC())
}

func (s *Store) listScheduledCalls(ctx context.Context, query string, args ...interface{}) ([]models.ScheduledCall, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled calls: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduledCall
	for rows.Next() {
		c, err := scanScheduledCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled call: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ClaimScheduledCall marks a call as fired and moves its execution timestamp
// to next (nil clears it). The update only applies if the call has not fired
// within refireGuard; a false result means another invocation already fired it.
func (s *Store) ClaimScheduledCall(ctx context.Context, id string, refireGuard time.Duration, next *time.Time) (bool, error) {
	now := s.now()
	n, err := s.execAffected(ctx, `
		UPDATE scheduled_calls
		SET last_fired_at = ?, execution_timestamp = ?, last_error = NULL
		WHERE id = ? AND (last_fired_at IS NULL OR last_fired_at < ?)`,
		now, nullableTime(next), id, now.Add(-refireGuard))
	if err != nil {
		return false, fmt.Errorf("claim scheduled call %s: %w", id, err)
	}
	if n == 0 {
		slog.Debug("Store.ClaimScheduledCall: already fired", "id", id)
		return false, nil
	}
	return true, nil
}

// RecordScheduledCallError stores the last placement error on a call.
func (s *Store) RecordScheduledCallError(ctx context.Context, id, msg string) error {
	_, err := s.exec(ctx, `UPDATE scheduled_calls SET last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("record scheduled call error: %w", err)
	}
	return nil
}

// OverdueScheduledCalls returns calls whose execution timestamp is before
// the given instant. Such rows fall out of the due window and never fire.
func (s *Store) OverdueScheduledCalls(ctx context.Context, before time.Time) ([]models.ScheduledCall, error) {
	return s.listScheduledCalls(ctx, `
		SELECT `+scheduledCallColumns+` FROM scheduled_calls
		WHERE execution_timestamp IS NOT NULL AND execution_timestamp < ?
		ORDER BY execution_timestamp, id`, before.UTC())
}

// RescheduleCall moves a call's execution timestamp without marking it
// fired. A non-empty note is stored as the call's last error.
func (s *Store) RescheduleCall(ctx context.Context, id string, next *time.Time, note string) error {
	n, err := s.execAffected(ctx, `
		UPDATE scheduled_calls SET execution_timestamp = ?, last_error = COALESCE(?, last_error)
		WHERE id = ?`, nullableTime(next), nilIfEmpty(note), id)
	if err != nil {
		return fmt.Errorf("reschedule call %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
