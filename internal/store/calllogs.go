package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

// CallLogRepo defines persistence for call logs.
type CallLogRepo interface {
	InsertCallLog(ctx context.Context, l *models.CallLog) error
	GetCallLog(ctx context.Context, id string) (*models.CallLog, error)
	GetCallLogByVapiID(ctx context.Context, vapiCallID string) (*models.CallLog, error)
	UpdateCallReport(ctx context.Context, id string, r CallReport) error
	CountCompletedCallsSince(ctx context.Context, userID string, since time.Time) (int, error)
	CallLogCandidates(ctx context.Context, kind LeaseKind, limit int) ([]models.CallLog, error)
}

// Compile-time check that Store implements CallLogRepo.
var _ CallLogRepo = (*Store)(nil)

// CallReport is the outcome of a call as delivered by the call gateway.
type CallReport struct {
	Status       models.CallStatus
	Summary      string
	Transcript   string
	RecordingURL string
	EndedReason  string
	RawResponse  string
}

// InsertCallLog inserts a call log.
func (s *Store) InsertCallLog(ctx context.Context, l *models.CallLog) error {
	now := s.now()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = models.CallStatusPending
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	_, err := s.exec(ctx, `
		INSERT INTO call_logs (id, scheduled_call_id, user_id, vapi_call_id, status, call_summary,
			call_transcript, recording_url, ended_reason, raw_response, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, nilIfEmpty(l.ScheduledCallID), l.UserID, nilIfEmpty(l.VapiCallID), string(l.Status), l.CallSummary,
		l.CallTranscript, l.RecordingURL, l.EndedReason, l.RawResponse, l.ErrorMessage, l.CreatedAt.UTC(), l.UpdatedAt,
	)
	if err != nil {
		slog.Error("Store.InsertCallLog failed", "error", err, "userID", l.UserID, "vapiCallID", l.VapiCallID)
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

// GetCallLog returns a call log by id.
func (s *Store) GetCallLog(ctx context.Context, id string) (*models.CallLog, error) {
	l, err := scanCallLog(s.queryRow(ctx, `SELECT `+callLogColumns+` FROM call_logs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get call log")
	}
	return l, nil
}

// GetCallLogByVapiID returns the call log for an external call id.
func (s *Store) GetCallLogByVapiID(ctx context.Context, vapiCallID string) (*models.CallLog, error) {
	if vapiCallID == "" {
		return nil, ErrNotFound
	}
	l, err := scanCallLog(s.queryRow(ctx, `SELECT `+callLogColumns+` FROM call_logs WHERE vapi_call_id = ?`, vapiCallID))
	if err != nil {
		return nil, notFound(err, "get call log by vapi id")
	}
	return l, nil
}

// UpdateCallReport writes the call outcome in a single statement. Repeating
// it with the same report leaves the row unchanged apart from updated_at.
func (s *Store) UpdateCallReport(ctx context.Context, id string, r CallReport) error {
	n, err := s.execAffected(ctx, `
		UPDATE call_logs SET status = ?, call_summary = ?, call_transcript = ?, recording_url = ?,
			ended_reason = ?, raw_response = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), r.Summary, r.Transcript, r.RecordingURL, r.EndedReason, r.RawResponse, s.now(), id)
	if err != nil {
		slog.Error("Store.UpdateCallReport failed", "error", err, "id", id)
		return fmt.Errorf("update call report: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountCompletedCallsSince counts the user's completed calls created at or after since.
func (s *Store) CountCompletedCallsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM call_logs
		WHERE user_id = ? AND status = ? AND created_at >= ?`,
		userID, string(models.CallStatusCompleted), since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed calls: %w", err)
	}
	return n, nil
}

// CallLogCandidates returns up to limit call logs with a summary that are
// unprocessed and unclaimed for the given pass, oldest first.
func (s *Store) CallLogCandidates(ctx context.Context, kind LeaseKind, limit int) ([]models.CallLog, error) {
	target, ok := leaseTargets[kind]
	if !ok || target.table != "call_logs" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeaseKind, kind)
	}
	rows, err := s.query(ctx, `
		SELECT `+callLogColumns+` FROM call_logs
		WHERE call_summary <> '' AND `+target.flag+` = FALSE AND processing_started_at IS NULL
		ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call log candidates: %w", err)
	}
	defer rows.Close()
	var out []models.CallLog
	for rows.Next() {
		l, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}
