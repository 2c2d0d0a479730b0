package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Defaults used when the mode -> assistant -> personality chain is incomplete.
const (
	DefaultAssistantName = "Coach"
	DefaultPersonality   = "Warm, encouraging and practical. Asks one question at a time and keeps replies short."
)

// resolvePersona loads the user's persona, filling gaps with defaults. Lookup
// failures degrade to the default persona.
func resolvePersona(ctx context.Context, st Store, userID string) *models.Persona {
	p, err := st.GetPersona(ctx, userID)
	if err != nil {
		slog.Warn("flow.resolvePersona: persona lookup failed, using defaults", "userID", userID, "error", err)
		p = &models.Persona{}
	}
	if p.Name == "" {
		p.Name = DefaultAssistantName
	}
	if p.Personality == "" {
		p.Personality = DefaultPersonality
	}
	return p
}
