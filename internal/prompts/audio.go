package prompts

import "fmt"

// ProposeActionsTool is the function name the audio planner forces the
// model to call.
const ProposeActionsTool = "propose_actions"

// ProposeActionsDescription is the LLM-facing description of the
// propose_actions tool.
const ProposeActionsDescription = "Propose one or more Home Assistant service calls to fulfil the user's request, plus a short human-readable explanation."

// audioPlannerTemplate is the system prompt for spoken commands. Format
// verbs: tool name, context key, compact context JSON.
const audioPlannerTemplate = `You are a voice-controlled Home Assistant.
The user is speaking a command. Understand their spoken request and call the
` + "`%s`" + ` tool with the appropriate Home Assistant service calls.

Rules:
- IMPORTANT: Use specific domain services like ` + "`light.turn_on`" + `, NOT ` + "`homeassistant.turn_on`" + `.
- Batch multiple targets into one action with an entity_id list when they share the same service and data.
- entity_id can be a single string or a list of strings.
- Max 3 actions per request. Prefer 1. Keep explanation under 15 words.
- Only use entity_ids and services that appear in the context below.
- If the user asks about state, return empty actions and explain current state.
- For ambiguous names, pick the closest match from the entity list.
- Always provide an explanation.

Context key: %s

HOME ASSISTANT CONTEXT:
%s`

// AudioPlannerPrompt returns the audio planner system prompt with the
// compact Home Assistant context embedded.
func AudioPlannerPrompt(haContext string) string {
	return fmt.Sprintf(audioPlannerTemplate, ProposeActionsTool, contextKey, haContext)
}

// TruncationRetryInstruction is appended as a second system message when
// the first audio attempt ran out of completion tokens.
const TruncationRetryInstruction = `Your previous answer was cut off before it finished. Call the ` + "`" + ProposeActionsTool + "`" + ` tool again with at most 3 actions and an explanation under 15 words. The tool arguments MUST be complete, valid JSON that ends with a closing brace.`
