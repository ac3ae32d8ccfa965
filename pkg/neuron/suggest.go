package neuron

import (
	"github.com/google/uuid"
)

// Suggestion is a proposed action derived from the dominant mood.
type Suggestion struct {
	ID          string         `json:"id"`
	SourceMood  string         `json:"source_mood"`
	ActionType  string         `json:"action_type"`
	ActionData  map[string]any `json:"action_data,omitempty"`
	Priority    float64        `json:"priority"`
	Confidence  float64        `json:"confidence"`
	Reasoning   string         `json:"reasoning"`
	ExpiresAtMS int64          `json:"expires_at_ms"`
}

// suggestionThreshold is the mood value below which no suggestion is
// emitted.
const suggestionThreshold = 0.5

// suggest maps the dominant mood to concrete actions. Caller holds the
// manager lock.
func (m *Manager) suggest(mood string, value float64, ctx *EvalContext, nowMS int64) []Suggestion {
	if value < suggestionThreshold {
		return nil
	}
	expires := nowMS + m.cfg.SuggestionTTL.Milliseconds()

	emit := func(actionType string, data map[string]any, priority float64, reasoning string) Suggestion {
		return Suggestion{
			ID:          uuid.NewString(),
			SourceMood:  mood,
			ActionType:  actionType,
			ActionData:  data,
			Priority:    priority,
			Confidence:  value,
			Reasoning:   reasoning,
			ExpiresAtMS: expires,
		}
	}

	switch mood {
	case MoodRelax:
		// Only worth dimming when the room is actually bright.
		if ctx.ContextValues[CtxLightLevel] > 0.6 {
			return []Suggestion{emit("light.dim",
				map[string]any{"brightness": 0.3},
				0.5, "relaxed mood with bright lighting")}
		}
	case MoodFocus:
		return []Suggestion{
			emit("light.boost", map[string]any{"brightness": 0.9}, 0.6, "focused mood benefits from bright light"),
			emit("media.volume", map[string]any{"volume": 0.2}, 0.4, "lower media volume while focused"),
		}
	case MoodSleep:
		return []Suggestion{
			emit("light.off", nil, 0.8, "sleep mood"),
			emit("media.off", nil, 0.7, "sleep mood"),
		}
	case MoodAway:
		return []Suggestion{
			emit("light.off", nil, 0.7, "nobody home"),
			emit("climate.eco", nil, 0.6, "nobody home"),
		}
	case MoodAlert:
		return []Suggestion{emit("notify",
			map[string]any{"message": "elevated alert level"},
			0.9, "alert mood")}
	}
	return nil
}
