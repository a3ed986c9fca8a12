// Package actions defines the plan a model proposes and the pure
// transformations applied to it before execution: merging near-duplicate
// calls and partitioning them into groups that are safe to run in
// parallel.
package actions

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// EntityIDs is the target list of an action. On the wire it is either a
// single string or a list of strings; a single id marshals back to a
// plain string.
type EntityIDs []string

// UnmarshalJSON accepts a string, a list of strings, or null. Non-string
// list items are ignored.
func (e *EntityIDs) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = entityIDsFrom(raw)
	return nil
}

// MarshalJSON writes one id as a string and several as a list.
func (e EntityIDs) MarshalJSON() ([]byte, error) {
	if len(e) == 1 {
		return json.Marshal(e[0])
	}
	return json.Marshal([]string(e))
}

// entityIDsFrom normalizes the loosely typed entity_id values models
// produce: a string, a list, or something unusable.
func entityIDsFrom(v any) EntityIDs {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return EntityIDs{t}
	case []string:
		return slices.Clone(EntityIDs(t))
	case []any:
		var out EntityIDs
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Action is one proposed Home Assistant service call.
type Action struct {
	Domain   string         `json:"domain"`
	Service  string         `json:"service"`
	EntityID EntityIDs      `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Name returns "domain.service".
func (a Action) Name() string {
	return a.Domain + "." + a.Service
}

// Targets returns the action's entity ids. When the top-level field is
// empty it falls back to an entity_id carried inside Data.
func (a Action) Targets() []string {
	if len(a.EntityID) > 0 {
		return a.EntityID
	}
	if v, ok := a.Data["entity_id"]; ok {
		return entityIDsFrom(v)
	}
	return nil
}

// ServiceData returns the payload for the service call: Data plus the
// given targets under entity_id. Data is not modified.
func (a Action) ServiceData(targets []string) map[string]any {
	out := make(map[string]any, len(a.Data)+1)
	maps.Copy(out, a.Data)
	switch len(targets) {
	case 0:
		delete(out, "entity_id")
	case 1:
		out["entity_id"] = targets[0]
	default:
		out["entity_id"] = slices.Clone(targets)
	}
	return out
}

// Clone returns a deep copy of the action. Nested maps and slices in
// Data are copied through a JSON round trip.
func (a Action) Clone() Action {
	c := Action{
		Domain:   a.Domain,
		Service:  a.Service,
		EntityID: slices.Clone(a.EntityID),
	}
	if a.Data != nil {
		c.Data = cloneData(a.Data)
	}
	return c
}

func cloneData(in map[string]any) map[string]any {
	raw, err := json.Marshal(in)
	if err != nil {
		return maps.Clone(in)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return maps.Clone(in)
	}
	return out
}

// String renders the action for log lines.
func (a Action) String() string {
	return fmt.Sprintf("%s %v", a.Name(), a.Targets())
}

// Plan is the planner's structured output.
type Plan struct {
	Actions     []Action `json:"actions"`
	Explanation string   `json:"explanation"`
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := Plan{Explanation: p.Explanation, Actions: make([]Action, len(p.Actions))}
	for i, a := range p.Actions {
		out.Actions[i] = a.Clone()
	}
	return out
}

// Empty returns a plan with no actions carrying a diagnostic
// explanation.
func Empty(explanation string) Plan {
	return Plan{Actions: []Action{}, Explanation: explanation}
}
