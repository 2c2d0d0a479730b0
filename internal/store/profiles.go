package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/google/uuid"
)

// ProfileRepo defines persistence for user profiles, personas and plans.
type ProfileRepo interface {
	SaveProfile(ctx context.Context, p *models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	GetProfileByPhone(ctx context.Context, phone string) (*models.Profile, error)
	GetProfileByStripeCustomer(ctx context.Context, customerID string) (*models.Profile, error)
	UpdateUserSummary(ctx context.Context, userID, summary string) error
	UpdateFocusAreas(ctx context.Context, userID string, areas []models.FocusArea) error
	UpdateSubscription(ctx context.Context, userID string, upd SubscriptionUpdate) error
	GetPersona(ctx context.Context, userID string) (*models.Persona, error)
	GetPlanForUser(ctx context.Context, userID string) (*models.SubscriptionPlan, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error)
}

// Compile-time check that Store implements ProfileRepo.
var _ ProfileRepo = (*Store)(nil)

// SubscriptionUpdate carries billing fields to write onto a profile. Empty
// fields are left unchanged.
type SubscriptionUpdate struct {
	Status         models.SubscriptionStatus
	CustomerID     string
	SubscriptionID string
	PlanID         string
}

// SaveProfile inserts or updates a profile. A missing ID is generated.
func (s *Store) SaveProfile(ctx context.Context, p *models.Profile) error {
	now := s.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.SubscriptionStatus == "" {
		p.SubscriptionStatus = models.SubscriptionTrial
	}
	focus, err := json.Marshal(p.FocusAreas)
	if err != nil {
		return fmt.Errorf("marshal focus areas: %w", err)
	}
	if p.FocusAreas == nil {
		focus = []byte("[]")
	}
	_, err = s.exec(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			phone_number = EXCLUDED.phone_number,
			timezone = EXCLUDED.timezone,
			subscription_status = EXCLUDED.subscription_status,
			trial_start_date = EXCLUDED.trial_start_date,
			current_mode_id = EXCLUDED.current_mode_id,
			user_summary = EXCLUDED.user_summary,
			objectives = EXCLUDED.objectives,
			focus_areas = EXCLUDED.focus_areas,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			subscription_plan_id = EXCLUDED.subscription_plan_id,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.FullName, nilIfEmpty(util.E164(p.PhoneNumber)), p.Timezone, string(p.SubscriptionStatus),
		nullableTime(p.TrialStartDate), nilIfEmpty(p.CurrentModeID), p.UserSummary, p.Objectives,
		string(focus), nilIfEmpty(p.StripeCustomerID), nilIfEmpty(p.StripeSubscriptionID),
		nilIfEmpty(p.SubscriptionPlanID), p.CreatedAt.UTC(), p.UpdatedAt,
	)
	if err != nil {
		slog.Error("Store.SaveProfile failed", "error", err, "userID", p.ID)
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	p.PhoneNumber = util.E164(p.PhoneNumber)
	return nil
}

// GetProfile returns the profile with the given id.
func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	p, err := scanProfile(s.queryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get profile")
	}
	return p, nil
}

// GetProfileByPhone resolves a profile by exact phone match. The stored and
// given numbers are compared with and without a leading '+'.
func (s *Store) GetProfileByPhone(ctx context.Context, phone string) (*models.Profile, error) {
	digits := util.NormalizePhone(phone)
	if digits == "" {
		return nil, ErrNotFound
	}
	p, err := scanProfile(s.queryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE phone_number = ? OR phone_number = ? LIMIT 1`,
		"+"+digits, digits))
	if err != nil {
		return nil, notFound(err, "get profile by phone")
	}
	return p, nil
}

// GetProfileByStripeCustomer resolves a profile by its linked payment customer id.
func (s *Store) GetProfileByStripeCustomer(ctx context.Context, customerID string) (*models.Profile, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	p, err := scanProfile(s.queryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE stripe_customer_id = ?`, customerID))
	if err != nil {
		return nil, notFound(err, "get profile by stripe customer")
	}
	return p, nil
}

// UpdateUserSummary overwrites the rolling summary.
func (s *Store) UpdateUserSummary(ctx context.Context, userID, summary string) error {
	n, err := s.execAffected(ctx,
		`UPDATE profiles SET user_summary = ?, updated_at = ? WHERE id = ?`, summary, s.now(), userID)
	if err != nil {
		return fmt.Errorf("update user summary: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFocusAreas replaces the focus areas wholesale.
func (s *Store) UpdateFocusAreas(ctx context.Context, userID string, areas []models.FocusArea) error {
	data, err := json.Marshal(areas)
	if err != nil {
		return fmt.Errorf("marshal focus areas: %w", err)
	}
	n, err := s.execAffected(ctx,
		`UPDATE profiles SET focus_areas = ?, updated_at = ? WHERE id = ?`, string(data), s.now(), userID)
	if err != nil {
		return fmt.Errorf("update focus areas: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubscription writes the non-empty billing fields of upd.
func (s *Store) UpdateSubscription(ctx context.Context, userID string, upd SubscriptionUpdate) error {
	n, err := s.execAffected(ctx, `
		UPDATE profiles SET
			subscription_status = COALESCE(?, subscription_status),
			stripe_customer_id = COALESCE(?, stripe_customer_id),
			stripe_subscription_id = COALESCE(?, stripe_subscription_id),
			subscription_plan_id = COALESCE(?, subscription_plan_id),
			updated_at = ?
		WHERE id = ?`,
		nilIfEmpty(string(upd.Status)), nilIfEmpty(upd.CustomerID), nilIfEmpty(upd.SubscriptionID),
		nilIfEmpty(upd.PlanID), s.now(), userID,
	)
	if err != nil {
		slog.Error("Store.UpdateSubscription failed", "error", err, "userID", userID)
		return fmt.Errorf("update subscription: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	slog.Debug("Store.UpdateSubscription succeeded", "userID", userID, "status", upd.Status, "planID", upd.PlanID)
	return nil
}

// GetPersona resolves mode -> assistant -> personality for a user. Missing
// links yield empty fields rather than an error.
func (s *Store) GetPersona(ctx context.Context, userID string) (*models.Persona, error) {
	var modeID, assistantID, name, personality, voiceID, firstMessage sql.NullString
	var maxDuration sql.NullInt64
	err := s.queryRow(ctx, `
		SELECT m.id, a.id, a.name, pe.description, a.vapi_assistant_id, a.first_message, a.max_duration_seconds
		FROM profiles p
		LEFT JOIN modes m ON m.id = p.current_mode_id
		LEFT JOIN assistants a ON a.id = m.assistant_id
		LEFT JOIN personalities pe ON pe.id = a.personality_id
		WHERE p.id = ?`, userID,
	).Scan(&modeID, &assistantID, &name, &personality, &voiceID, &firstMessage, &maxDuration)
	if err != nil {
		return nil, notFound(err, "get persona")
	}
	return &models.Persona{
		ModeID:             modeID.String,
		AssistantID:        assistantID.String,
		Name:               name.String,
		Personality:        personality.String,
		VoiceAssistantID:   voiceID.String,
		FirstMessage:       firstMessage.String,
		MaxDurationSeconds: int(maxDuration.Int64),
	}, nil
}

// SavePersona creates or updates the personality, assistant and mode rows
// for a persona under modeID.
func (s *Store) SavePersona(ctx context.Context, modeID string, p models.Persona) error {
	if modeID == "" {
		return fmt.Errorf("mode id is required")
	}
	personalityID := modeID + "-personality"
	assistantID := p.AssistantID
	if assistantID == "" {
		assistantID = modeID + "-assistant"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	stmts := []struct {
		q    string
		args []interface{}
	}{
		{`INSERT INTO personalities (id, name, description) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description`,
			[]interface{}{personalityID, p.Name, p.Personality}},
		{`INSERT INTO assistants (id, name, personality_id, vapi_assistant_id, first_message, max_duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, personality_id = EXCLUDED.personality_id,
				vapi_assistant_id = EXCLUDED.vapi_assistant_id, first_message = EXCLUDED.first_message,
				max_duration_seconds = EXCLUDED.max_duration_seconds`,
			[]interface{}{assistantID, p.Name, personalityID, nilIfEmpty(p.VoiceAssistantID), nilIfEmpty(p.FirstMessage), p.MaxDurationSeconds}},
		{`INSERT INTO modes (id, name, assistant_id) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET assistant_id = EXCLUDED.assistant_id`,
			[]interface{}{modeID, modeID, assistantID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(st.q), st.args...); err != nil {
			return fmt.Errorf("save persona: %w", err)
		}
	}
	return tx.Commit()
}

// SavePlan inserts or updates a subscription plan.
func (s *Store) SavePlan(ctx context.Context, plan models.SubscriptionPlan) error {
	_, err := s.exec(ctx, `
		INSERT INTO subscription_plans (id, mode_id, name, stripe_price_id, max_calls_per_week)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET mode_id = EXCLUDED.mode_id, name = EXCLUDED.name,
			stripe_price_id = EXCLUDED.stripe_price_id, max_calls_per_week = EXCLUDED.max_calls_per_week`,
		plan.ID, nilIfEmpty(plan.ModeID), plan.Name, nilIfEmpty(plan.StripePriceID), plan.MaxCallsPerWeek)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

// GetPlanForUser returns the plan linked to the user's profile.
func (s *Store) GetPlanForUser(ctx context.Context, userID string) (*models.SubscriptionPlan, error) {
	return s.scanPlan(s.queryRow(ctx, `
		SELECT sp.id, sp.mode_id, sp.name, sp.stripe_price_id, sp.max_calls_per_week
		FROM profiles p JOIN subscription_plans sp ON sp.id = p.subscription_plan_id
		WHERE p.id = ?`, userID))
}

// GetPlanByPriceID returns the plan sold under a payment price id.
func (s *Store) GetPlanByPriceID(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	return s.scanPlan(s.queryRow(ctx, `
		SELECT id, mode_id, name, stripe_price_id, max_calls_per_week
		FROM subscription_plans WHERE stripe_price_id = ?`, priceID))
}

func (s *Store) scanPlan(row *sql.Row) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	var modeID, priceID sql.NullString
	if err := row.Scan(&plan.ID, &modeID, &plan.Name, &priceID, &plan.MaxCallsPerWeek); err != nil {
		return nil, notFound(err, "get plan")
	}
	plan.ModeID = modeID.String
	plan.StripePriceID = priceID.String
	return &plan, nil
}
