package prompts

import "fmt"

// contextKey explains the short field names used in the compact context.
const contextKey = "e=entity_id, n=name, d=domain, s=state, b=brightness, cm=color_modes, c=supports_color, pos=position, mode=hvac_mode, cur_t=current_temperature, tgt_t=target_temperature, dc=device_class, area=room."

// plannerTemplate is the system prompt for text commands answered in
// JSON mode. Format verbs: context key, compact context JSON.
const plannerTemplate = `You control Home Assistant.
Respond ONLY with valid JSON.

The JSON MUST have this exact shape:
{
  "actions": [
    {
      "domain": "light",
      "service": "turn_on",
      "entity_id": ["light.room1", "light.room2"],
      "data": {"brightness": 220}
    }
  ],
  "explanation": "Short summary"
}

RULES:
- IMPORTANT: Use specific domain services like ` + "`light.turn_on`" + `, NOT ` + "`homeassistant.turn_on`" + `.
- Batch multiple targets into one action with an entity_id list when they share the same service and data.
- entity_id can be a single string or a list of strings.
- Max 3 actions per request. Prefer 1. Keep explanation under 15 words.
- Use only entity_ids and services from the context below.
- If the user asks about state, return empty actions and answer in the explanation.

CONTEXT KEY: %s

HOME ASSISTANT CONTEXT:
%s`

// PlannerPrompt returns the text planner system prompt with the compact
// Home Assistant context embedded.
func PlannerPrompt(haContext string) string {
	return fmt.Sprintf(plannerTemplate, contextKey, haContext)
}
