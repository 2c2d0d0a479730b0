package flow

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// Tool names.
const (
	ToolSendCoachReply     = "send_coach_reply"
	ToolRateImportance     = "rate_importance"
	ToolRecordAchievements = "record_achievements"
	ToolUpdateSummary      = "update_summary"
	ToolUpdateFocusAreas   = "update_focus_areas"
)

func achievementListSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": "Achievements newly reported by the user. Empty when there are none.",
		"items": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"description": map[string]interface{}{
					"type":        "string",
					"description": "One sentence describing the achievement in the third person",
				},
				"type": map[string]interface{}{
					"type": "string",
					"enum": []string{"achievement", "milestone", "breakthrough"},
				},
			},
			"required": []string{"description", "type"},
		},
	}
}

// coachReplyTool returns the tool the coach uses to answer a message.
func coachReplyTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolSendCoachReply,
			Description: openai.String("Send the coaching reply to the user and record any achievements they reported."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"message": map[string]interface{}{
						"type":        "string",
						"description": "The WhatsApp reply to send to the user",
					},
					"achievements": achievementListSchema(),
				},
				"required": []string{"message", "achievements"},
			},
		},
	}
}

// importanceTool returns the binary importance classifier tool.
func importanceTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolRateImportance,
			Description: openai.String("Rate whether the message contains durable personal information."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"important": map[string]interface{}{
						"type":        "integer",
						"enum":        []int{0, 1},
						"description": "1 if the message is worth remembering, otherwise 0",
					},
				},
				"required": []string{"important"},
			},
		},
	}
}

func achievementsTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolRecordAchievements,
			Description: openai.String("Record achievements newly reported during the call."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"achievements": achievementListSchema(),
				},
				"required": []string{"achievements"},
			},
		},
	}
}

func summaryTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolUpdateSummary,
			Description: openai.String("Store the revised user summary. Use an empty string when no update is needed."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"summary": map[string]interface{}{
						"type":        "string",
						"description": "The full revised summary, or an empty string",
					},
				},
				"required": []string{"summary"},
			},
		},
	}
}

func focusAreasTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolUpdateFocusAreas,
			Description: openai.String("Replace the user's focus areas with the refreshed list."),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"focus_areas": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"text":  map[string]interface{}{"type": "string"},
								"value": map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 100},
								"trend": map[string]interface{}{"type": "string", "enum": []string{"up", "down", "stable"}},
							},
							"required": []string{"text", "value", "trend"},
						},
					},
				},
				"required": []string{"focus_areas"},
			},
		},
	}
}
