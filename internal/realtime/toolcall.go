package realtime

import (
	"fmt"
	"math"

	"github.com/MrWong99/triviahost/internal/trivia"
	"github.com/MrWong99/triviahost/pkg/provider/s2s"
)

// ToolUpdateScore is the name of the single function the model may call.
const ToolUpdateScore = "updateScore"

// scoreTool declares updateScore(playerScore number, aiScore number).
func scoreTool() s2s.ToolDefinition {
	return s2s.ToolDefinition{
		Name:        ToolUpdateScore,
		Description: "Update the displayed score after judging an answer. Send cumulative totals for the whole game, not increments.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"playerScore": map[string]any{
					"type":        "number",
					"description": "The player's total points so far.",
				},
				"aiScore": map[string]any{
					"type":        "number",
					"description": "The host's total points so far.",
				},
			},
			"required": []string{"playerScore", "aiScore"},
		},
	}
}

// parseScore extracts the two totals from updateScore arguments. Values must
// be finite and non-negative; fractions are rounded to the nearest integer.
func parseScore(args map[string]any) (trivia.Score, error) {
	player, err := scoreArg(args, "playerScore")
	if err != nil {
		return trivia.Score{}, err
	}
	ai, err := scoreArg(args, "aiScore")
	if err != nil {
		return trivia.Score{}, err
	}
	return trivia.Score{Player: player, AI: ai}, nil
}

func scoreArg(args map[string]any, key string) (int, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %s", key)
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("argument %s: %w", key, err)
		}
		v = f
	default:
		return 0, fmt.Errorf("argument %s must be a number, got %T", key, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("argument %s must be finite", key)
	}
	if v < 0 {
		return 0, fmt.Errorf("argument %s must be >= 0, got %v", key, v)
	}
	if v > math.MaxInt32 {
		return 0, fmt.Errorf("argument %s out of range: %v", key, v)
	}
	return int(math.Round(v)), nil
}

// ackOK and ackError build the acknowledgement payloads.
func ackOK(call s2s.ToolCall) s2s.ToolResponse {
	return s2s.ToolResponse{ID: call.ID, Name: call.Name, Response: map[string]any{"result": "ok"}}
}

func ackError(call s2s.ToolCall, err error) s2s.ToolResponse {
	return s2s.ToolResponse{ID: call.ID, Name: call.Name, Response: map[string]any{"error": err.Error()}}
}
