// Package models defines the core data structures for CoachPipe.
//
// It includes user profiles, scheduled calls, call logs, WhatsApp messages and
// achievements, which are shared across the store, flow and api modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// SubscriptionStatus is the billing status stored on a profile.
type SubscriptionStatus string

const (
	SubscriptionTrial    SubscriptionStatus = "trial"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
)

// MessageType is the direction of a WhatsApp message.
type MessageType string

const (
	// MessageTypeUser marks a message sent by the end user.
	MessageTypeUser MessageType = "user"
	// MessageTypeSystem marks a message sent by CoachPipe.
	MessageTypeSystem MessageType = "system"
)

// CallStatus is the lifecycle state of a call log: pending, then exactly one
// of completed, missed or failed.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusCompleted CallStatus = "completed"
	CallStatusMissed    CallStatus = "missed"
	CallStatusFailed    CallStatus = "failed"
)

// AchievementType classifies a user achievement.
type AchievementType string

const (
	AchievementTypeAchievement  AchievementType = "achievement"
	AchievementTypeMilestone    AchievementType = "milestone"
	AchievementTypeBreakthrough AchievementType = "breakthrough"
)

// IsValidAchievementType checks if the given achievement type is supported.
func IsValidAchievementType(t AchievementType) bool {
	switch t {
	case AchievementTypeAchievement, AchievementTypeMilestone, AchievementTypeBreakthrough:
		return true
	default:
		return false
	}
}

// Validation constants
const (
	// MaxMessageLength bounds the text of a single WhatsApp message.
	MaxMessageLength = 4096
	// MaxContextLength bounds the free-text context stored on a scheduled call.
	MaxContextLength = 8192
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID            = errors.New("user id cannot be empty")
	ErrScheduleTargetMissing  = errors.New("either weekday or specific date is required")
	ErrScheduleTargetConflict = errors.New("weekday and specific date are mutually exclusive")
	ErrInvalidWeekday         = errors.New("weekday must be between 0 (Sunday) and 6 (Saturday)")
	ErrInvalidSpecificDate    = errors.New("specific date must be formatted as YYYY-MM-DD")
	ErrInvalidLocalTime       = errors.New("local time must be formatted as HH:MM")
	ErrContextTooLong         = errors.New("call context exceeds maximum length")
)

// FocusArea is one keyword the coach tracks for a user.
type FocusArea struct {
	Text  string `json:"text"`
	Value int    `json:"value"`
	Trend string `json:"trend"`
}

// Profile is a user of the coaching product.
type Profile struct {
	ID                   string             `json:"id"`
	FullName             string             `json:"full_name"`
	PhoneNumber          string             `json:"phone_number,omitempty"`
	Timezone             string             `json:"timezone,omitempty"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	TrialStartDate       *time.Time         `json:"trial_start_date,omitempty"`
	CurrentModeID        string             `json:"current_mode_id,omitempty"`
	UserSummary          string             `json:"user_summary,omitempty"`
	Objectives           string             `json:"objectives,omitempty"`
	FocusAreas           []FocusArea        `json:"focus_areas,omitempty"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	SubscriptionPlanID   string             `json:"subscription_plan_id,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// FirstName returns the first word of the profile's display name.
func (p Profile) FirstName() string {
	fields := strings.Fields(p.FullName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Persona is the assistant a user talks to, resolved through
// mode -> assistant -> personality.
type Persona struct {
	ModeID             string `json:"mode_id,omitempty"`
	AssistantID        string `json:"assistant_id,omitempty"`
	Name               string `json:"name"`
	Personality        string `json:"personality"`
	VoiceAssistantID   string `json:"voice_assistant_id,omitempty"`
	FirstMessage       string `json:"first_message,omitempty"`
	MaxDurationSeconds int    `json:"max_duration_seconds,omitempty"`
}

// SubscriptionPlan carries the limits attached to a paid plan.
type SubscriptionPlan struct {
	ID              string `json:"id"`
	ModeID          string `json:"mode_id,omitempty"`
	Name            string `json:"name"`
	StripePriceID   string `json:"stripe_price_id,omitempty"`
	MaxCallsPerWeek int    `json:"max_calls_per_week"`
}

// ScheduledCall is a recurring (weekday) or one-off (specific date) call.
type ScheduledCall struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Weekday            *int       `json:"weekday,omitempty"`
	SpecificDate       string     `json:"specific_date,omitempty"`
	LocalTime          string     `json:"local_time"`
	TemplateID         string     `json:"template_id,omitempty"`
	ExecutionTimestamp *time.Time `json:"execution_timestamp,omitempty"`
	Context            string     `json:"context,omitempty"`
	LastFiredAt        *time.Time `json:"last_fired_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Recurring reports whether the call repeats weekly.
func (c *ScheduledCall) Recurring() bool {
	return c.Weekday != nil
}

// Validate checks the invariant that exactly one of weekday and specific
// date is set, along with the formats of the date and time fields.
func (c *ScheduledCall) Validate() error {
	if c.UserID == "" {
		return ErrEmptyUserID
	}
	if c.Weekday == nil && c.SpecificDate == "" {
		return ErrScheduleTargetMissing
	}
	if c.Weekday != nil && c.SpecificDate != "" {
		return ErrScheduleTargetConflict
	}
	if c.Weekday != nil && (*c.Weekday < 0 || *c.Weekday > 6) {
		return ErrInvalidWeekday
	}
	if c.SpecificDate != "" {
		if _, err := time.Parse(DateLayout, c.SpecificDate); err != nil {
			return ErrInvalidSpecificDate
		}
	}
	if _, _, err := ParseLocalTime(c.LocalTime); err != nil {
		return err
	}
	if len(c.Context) > MaxContextLength {
		return ErrContextTooLong
	}
	return nil
}

// CallLog records one placed (or attempted) call.
type CallLog struct {
	ID                  string     `json:"id"`
	ScheduledCallID     string     `json:"scheduled_call_id,omitempty"`
	UserID              string     `json:"user_id"`
	VapiCallID          string     `json:"vapi_call_id,omitempty"`
	Status              CallStatus `json:"status"`
	CallSummary         string     `json:"call_summary,omitempty"`
	CallTranscript      string     `json:"call_transcript,omitempty"`
	RecordingURL        string     `json:"recording_url,omitempty"`
	EndedReason         string     `json:"ended_reason,omitempty"`
	RawResponse         string     `json:"raw_response,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	ProcessedByAI       bool       `json:"processed_by_ai"`
	ProcessedForSummary bool       `json:"processed_for_summary"`
	ProcessedKeywords   bool       `json:"processed_keywords"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// WhatsAppMessage is one inbound or outbound message in the audit trail.
type WhatsAppMessage struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id,omitempty"`
	Content             string      `json:"content"`
	Type                MessageType `json:"type"`
	Important           int         `json:"important"`
	ProcessedForSummary bool        `json:"processed_for_summary"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	ExternalID          string      `json:"external_id,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Achievement is an append-only record of user progress.
type Achievement struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Type            AchievementType `json:"type"`
	Description     string          `json:"description"`
	AchievementDate string          `json:"achievement_date"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Template is a named call script.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}
