package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts an optional time to a UTC value or nil.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullableInt converts an optional int to a value or nil.
func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// notFound maps sql.ErrNoRows to ErrNotFound and wraps other errors.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}

const profileColumns = `id, full_name, phone_number, timezone, subscription_status, trial_start_date,
	current_mode_id, user_summary, objectives, focus_areas, stripe_customer_id,
	stripe_subscription_id, subscription_plan_id, created_at, updated_at`

func scanProfile(row rowScanner) (*models.Profile, error) {
	var p models.Profile
	var phone, modeID, customerID, subscriptionID, planID sql.NullString
	var trialStart sql.NullTime
	var status, focusJSON string
	err := row.Scan(
		&p.ID, &p.FullName, &phone, &p.Timezone, &status, &trialStart,
		&modeID, &p.UserSummary, &p.Objectives, &focusJSON, &customerID,
		&subscriptionID, &planID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PhoneNumber = phone.String
	p.SubscriptionStatus = models.SubscriptionStatus(status)
	p.TrialStartDate = timePtr(trialStart)
	p.CurrentModeID = modeID.String
	p.StripeCustomerID = customerID.String
	p.StripeSubscriptionID = subscriptionID.String
	p.SubscriptionPlanID = planID.String
	if focusJSON != "" {
		if err := json.Unmarshal([]byte(focusJSON), &p.FocusAreas); err != nil {
			// A malformed column must not make the profile unreadable.
			p.FocusAreas = nil
		}
	}
	return &p, nil
}

const messageColumns = `id, user_id, content, type, important, processed_for_summary,
	processing_started_at, external_id, created_at`

func scanMessage(row rowScanner) (models.WhatsAppMessage, error) {
	var m models.WhatsAppMessage
	var userID, externalID sql.NullString
	var startedAt sql.NullTime
	var msgType string
	err := row.Scan(
		&m.ID, &userID, &m.Content, &msgType, &m.Important, &m.ProcessedForSummary,
		&startedAt, &externalID, &m.CreatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan whatsapp message failed: %w", err)
	}
	m.UserID = userID.String
	m.Type = models.MessageType(msgType)
	m.ProcessingStartedAt = timePtr(startedAt)
	m.ExternalID = externalID.String
	return m, nil
}

const scheduledCallColumns = `id, user_id, weekday, specific_date, local_time, template_id,
	execution_timestamp, context, last_fired_at, last_error, created_at`

func scanScheduledCall(row rowScanner) (*models.ScheduledCall, error) {
	var c models.ScheduledCall
	var weekday sql.NullInt64
	var specificDate, templateID, lastError sql.NullString
	var execTS, lastFired sql.NullTime
	err := row.Scan(
		&c.ID, &c.UserID, &weekday, &specificDate, &c.LocalTime, &templateID,
		&execTS, &c.Context, &lastFired, &lastError, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if weekday.Valid {
		w := int(weekday.Int64)
		c.Weekday = &w
	}
	c.SpecificDate = specificDate.String
	c.TemplateID = templateID.String
	c.ExecutionTimestamp = timePtr(execTS)
	c.LastFiredAt = timePtr(lastFired)
	c.LastError = lastError.String
	return &c, nil
}

const callLogColumns = `id, scheduled_call_id, user_id, vapi_call_id, status, call_summary,
	call_transcript, recording_url, ended_reason, raw_response, error_message,
	processed_by_ai, processed_for_summary, processed_keywords, processing_started_at,
	created_at, updated_at`

func scanCallLog(row rowScanner) (*models.CallLog, error) {
	var l models.CallLog
	var scheduledID, vapiID sql.NullString
	var startedAt sql.NullTime
	var status string
	err := row.Scan(
		&l.ID, &scheduledID, &l.UserID, &vapiID, &status, &l.CallSummary,
		&l.CallTranscript, &l.RecordingURL, &l.EndedReason, &l.RawResponse, &l.ErrorMessage,
		&l.ProcessedByAI, &l.ProcessedForSummary, &l.ProcessedKeywords, &startedAt,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.ScheduledCallID = scheduledID.String
	l.VapiCallID = vapiID.String
	l.Status = models.CallStatus(status)
	l.ProcessingStartedAt = timePtr(startedAt)
	return &l, nil
}
