package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const planSchemaURL = "https://github.com/bergerjacob/llm-home-assistant/schema/plan.json"

// planSchema validates a plan after loose model output has been coerced
// into shape.
const planSchema = `{
  "type": "object",
  "required": ["actions", "explanation"],
  "properties": {
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["domain", "service"],
        "properties": {
          "domain": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+$"},
          "service": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+$"},
          "entity_id": {
            "oneOf": [
              {"type": "string"},
              {"type": "array", "items": {"type": "string"}}
            ]
          },
          "data": {"type": "object"}
        }
      }
    },
    "explanation": {"type": "string"}
  }
}`

// proposeActionsParameters is the argument schema of the
// propose_actions tool offered to the audio model.
var proposeActionsParameters = json.RawMessage(`{
  "type": "object",
  "properties": {
    "actions": {
      "type": "array",
      "description": "List of HA service calls to execute.",
      "items": {
        "type": "object",
        "properties": {
          "domain": {"type": "string", "description": "HA domain, e.g. 'light', 'switch'."},
          "service": {"type": "string", "description": "Service name, e.g. 'turn_on'."},
          "entity_id": {
            "description": "Target entity or list of entities.",
            "oneOf": [
              {"type": "string"},
              {"type": "array", "items": {"type": "string"}}
            ]
          },
          "data": {
            "type": "object",
            "description": "Service data. ALL parameters go here: brightness (0-255), rgb_color ([R,G,B] 0-255), color_temp, transition, etc. Example: {\"brightness\": 200, \"rgb_color\": [255, 0, 0]}"
          }
        },
        "required": ["domain", "service", "entity_id", "data"],
        "additionalProperties": false
      }
    },
    "explanation": {"type": "string", "description": "Human-readable summary of what will happen."}
  },
  "required": ["actions", "explanation"]
}`)

func compilePlanSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(planSchemaURL, strings.NewReader(planSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
