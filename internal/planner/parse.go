package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bergerjacob/llm-home-assistant/internal/actions"
)

// errNotObject is returned when the model output is valid JSON but not
// an object.
var errNotObject = errors.New("plan is not a JSON object")

// parsePlan decodes model output into a Plan. Loose output is coerced
// first: a missing explanation becomes "", a non-list actions value
// becomes an empty list, and a missing data object becomes {}. Each
// coercion is reported as a warning. The coerced document must then
// satisfy the plan schema.
func parsePlan(schema *jsonschema.Schema, raw string) (actions.Plan, []string, error) {
	raw = strings.TrimSpace(raw)

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return actions.Plan{}, nil, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return actions.Plan{}, nil, errNotObject
	}

	var warnings []string

	if _, ok := obj["explanation"].(string); !ok {
		if _, present := obj["explanation"]; present {
			warnings = append(warnings, "explanation is not a string")
		} else {
			warnings = append(warnings, "explanation missing")
		}
		obj["explanation"] = ""
	}

	list, ok := obj["actions"].([]any)
	if !ok {
		if v, present := obj["actions"]; present && v != nil {
			warnings = append(warnings, fmt.Sprintf("actions is %T, not a list", v))
		} else {
			warnings = append(warnings, "actions missing")
		}
		list = []any{}
	}
	for _, item := range list {
		if a, ok := item.(map[string]any); ok {
			if d, present := a["data"]; !present || d == nil {
				a["data"] = map[string]any{}
			}
			if id, present := a["entity_id"]; present && id == nil {
				delete(a, "entity_id")
			}
		}
	}
	obj["actions"] = list

	if err := schema.Validate(obj); err != nil {
		return actions.Plan{}, warnings, fmt.Errorf("schema validation: %w", err)
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return actions.Plan{}, warnings, err
	}
	var plan actions.Plan
	if err := json.Unmarshal(normalized, &plan); err != nil {
		return actions.Plan{}, warnings, err
	}
	if plan.Actions == nil {
		plan.Actions = []actions.Action{}
	}
	return plan, warnings, nil
}
