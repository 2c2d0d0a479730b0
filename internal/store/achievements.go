package store

import (
	"context"
	"fmt"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

// AchievementRepo defines persistence for append-only user achievements.
type AchievementRepo interface {
	InsertAchievement(ctx context.Context, a *models.Achievement) error
	ListAchievements(ctx context.Context, userID string, limit int) ([]models.Achievement, error)
}

// TemplateRepo provides read access to call script templates.
type TemplateRepo interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

// Compile-time checks that Store implements AchievementRepo and TemplateRepo.
var (
	_ AchievementRepo = (*Store)(nil)
	_ TemplateRepo    = (*Store)(nil)
)

// InsertAchievement appends an achievement.
func (s *Store) InsertAchievement(ctx context.Context, a *models.Achievement) error {
	if !models.IsValidAchievementType(a.Type) {
		return fmt.Errorf("invalid achievement type %q", a.Type)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO user_achievements (id, user_id, type, description, achievement_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, string(a.Type), a.Description, a.AchievementDate, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert achievement: %w", err)
	}
	return nil
}

// ListAchievements returns up to limit achievements for a user, newest first.
func (s *Store) ListAchievements(ctx context.Context, userID string, limit int) ([]models.Achievement, error) {
	rows, err := s.query(ctx, `
		SELECT id, user_id, type, description, achievement_date, created_at
		FROM user_achievements WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query achievements: %w", err)
	}
	defer rows.Close()
	var out []models.Achievement
	for rows.Next() {
		var a models.Achievement
		var typ string
		if err := rows.Scan(&a.ID, &a.UserID, &typ, &a.Description, &a.AchievementDate, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		a.Type = models.AchievementType(typ)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetTemplate returns a call script template.
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	err := s.queryRow(ctx, `SELECT id, name, content FROM templates WHERE id = ?`, id).Scan(&t.ID, &t.Name, &t.Content)
	if err != nil {
		return nil, notFound(err, "get template")
	}
	return &t, nil
}

// SaveTemplate inserts or updates a call script template.
func (s *Store) SaveTemplate(ctx context.Context, t models.Template) error {
	_, err := s.exec(ctx, `
		INSERT INTO templates (id, name, content) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, content = EXCLUDED.content`,
		t.ID, t.Name, t.Content)
	if err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return nil
}
