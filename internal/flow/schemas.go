package flow

import (
	"strconv"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/tidwall/gjson"
)

// SchemaVersion identifies the tool-argument shapes the parsers accept. Bump
// it together with the tool definitions in tools.go.
const SchemaVersion = 1

// MaxFocusAreas bounds the focus-area list kept on a profile.
const MaxFocusAreas = 8

// ExtractedAchievement is one achievement reported by the model.
type ExtractedAchievement struct {
	Type        models.AchievementType
	Description string
}

// CoachReply is the parsed send_coach_reply result.
type CoachReply struct {
	Message      string
	Achievements []ExtractedAchievement
}

// ParseCoachReply validates send_coach_reply arguments. ok is false when the
// arguments are not JSON or the message is empty.
func ParseCoachReply(raw string) (CoachReply, bool) {
	if !gjson.Valid(raw) {
		return CoachReply{}, false
	}
	res := gjson.Parse(raw)
	msg := strings.TrimSpace(res.Get("message").String())
	if msg == "" {
		return CoachReply{}, false
	}
	return CoachReply{
		Message:      truncate(msg, models.MaxMessageLength),
		Achievements: parseAchievementList(res.Get("achievements")),
	}, true
}

// ParseAchievements reads record_achievements arguments. Malformed input
// yields an empty list.
func ParseAchievements(raw string) []ExtractedAchievement {
	if !gjson.Valid(raw) {
		return nil
	}
	return parseAchievementList(gjson.Get(raw, "achievements"))
}

func parseAchievementList(list gjson.Result) []ExtractedAchievement {
	if !list.IsArray() {
		return nil
	}
	var out []ExtractedAchievement
	list.ForEach(func(_, item gjson.Result) bool {
		var a ExtractedAchievement
		switch {
		case item.IsObject():
			a.Description = strings.TrimSpace(item.Get("description").String())
			a.Type = coerceAchievementType(item.Get("type").String())
		case item.Type == gjson.String:
			a.Description = strings.TrimSpace(item.String())
			a.Type = models.AchievementTypeAchievement
		}
		if a.Description != "" {
			out = append(out, a)
		}
		return true
	})
	return out
}

func coerceAchievementType(s string) models.AchievementType {
	t := models.AchievementType(strings.ToLower(strings.TrimSpace(s)))
	if models.IsValidAchievementType(t) {
		return t
	}
	return models.AchievementTypeAchievement
}

// ParseImportance reads rate_importance arguments. Anything other than an
// explicit 1 or true is 0.
func ParseImportance(raw string) int {
	if !gjson.Valid(raw) {
		return 0
	}
	v := gjson.Get(raw, "important")
	switch v.Type {
	case gjson.True:
		return 1
	case gjson.Number:
		if v.Int() == 1 {
			return 1
		}
	case gjson.String:
		s := strings.ToLower(strings.TrimSpace(v.String()))
		if s == "1" || s == "true" || s == "yes" {
			return 1
		}
	}
	return 0
}

// ParseSummary reads update_summary arguments. An empty summary with ok true
// means no update is needed. ok is false for malformed input.
func ParseSummary(raw string) (summary string, ok bool) {
	if !gjson.Valid(raw) {
		return "", false
	}
	v := gjson.Get(raw, "summary")
	if v.Exists() && v.Type != gjson.String && v.Type != gjson.Null {
		return "", false
	}
	return strings.TrimSpace(v.String()), true
}

// ParseFocusAreas reads update_focus_areas arguments. Entries without text are
// dropped, values are clamped to 0..100 and unknown trends become "stable".
func ParseFocusAreas(raw string) []models.FocusArea {
	if !gjson.Valid(raw) {
		return nil
	}
	list := gjson.Get(raw, "focus_areas")
	if !list.IsArray() {
		return nil
	}
	var out []models.FocusArea
	list.ForEach(func(_, item gjson.Result) bool {
		text := strings.TrimSpace(item.Get("text").String())
		if text == "" {
			return true
		}
		out = append(out, models.FocusArea{
			Text:  text,
			Value: clampValue(item.Get("value")),
			Trend: coerceTrend(item.Get("trend").String()),
		})
		return len(out) < MaxFocusAreas
	})
	return out
}

func clampValue(v gjson.Result) int {
	var n int
	switch v.Type {
	case gjson.Number:
		n = int(v.Float())
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return 0
		}
		n = int(parsed)
	}
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func coerceTrend(s string) string {
	switch t := strings.ToLower(strings.TrimSpace(s)); t {
	case "up", "down", "stable":
		return t
	default:
		return "stable"
	}
}
