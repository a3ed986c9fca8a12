package actions

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEntityIDs_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		json string
		want EntityIDs
	}{
		{"string", `"light.kitchen"`, EntityIDs{"light.kitchen"}},
		{"list", `["light.a","light.b"]`, EntityIDs{"light.a", "light.b"}},
		{"list with junk", `["light.a",3,null,""]`, EntityIDs{"light.a"}},
		{"empty string", `""`, nil},
		{"null", `null`, nil},
		{"number", `42`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got EntityIDs
			if err := json.Unmarshal([]byte(tt.json), &got); err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAction_MarshalJSON(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		want   string
	}{
		{
			name:   "single target is scalar",
			action: Action{Domain: "light", Service: "turn_on", EntityID: EntityIDs{"light.a"}},
			want:   `{"domain":"light","service":"turn_on","entity_id":"light.a"}`,
		},
		{
			name:   "multiple targets are a list",
			action: Action{Domain: "light", Service: "turn_on", EntityID: EntityIDs{"light.a", "light.b"}},
			want:   `{"domain":"light","service":"turn_on","entity_id":["light.a","light.b"]}`,
		},
		{
			name:   "no targets omitted",
			action: Action{Domain: "scene", Service: "turn_on", Data: map[string]any{"transition": 2}},
			want:   `{"domain":"scene","service":"turn_on","data":{"transition":2}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.action)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAction_Targets(t *testing.T) {
	top := Action{EntityID: EntityIDs{"light.a"}, Data: map[string]any{"entity_id": "light.z"}}
	if got := top.Targets(); !reflect.DeepEqual(got, []string{"light.a"}) {
		t.Errorf("top-level targets = %v", got)
	}

	inData := Action{Data: map[string]any{"entity_id": []any{"light.b", "light.c"}}}
	if got := inData.Targets(); !reflect.DeepEqual(got, []string{"light.b", "light.c"}) {
		t.Errorf("data targets = %v", got)
	}

	if got := (Action{}).Targets(); len(got) != 0 {
		t.Errorf("no targets = %v", got)
	}
}

func TestAction_ServiceData(t *testing.T) {
	a := Action{Data: map[string]any{"brightness": 128, "entity_id": "light.stale"}}

	got := a.ServiceData([]string{"light.a"})
	if got["entity_id"] != "light.a" || got["brightness"] != 128 {
		t.Errorf("single target data = %v", got)
	}

	got = a.ServiceData([]string{"light.a", "light.b"})
	if ids, ok := got["entity_id"].([]string); !ok || len(ids) != 2 {
		t.Errorf("multi target entity_id = %#v", got["entity_id"])
	}

	got = a.ServiceData(nil)
	if _, ok := got["entity_id"]; ok {
		t.Errorf("no-target data should drop entity_id: %v", got)
	}

	if a.Data["entity_id"] != "light.stale" {
		t.Error("ServiceData must not modify the action")
	}
}

func TestPlan_CloneIsDeep(t *testing.T) {
	p := Plan{
		Actions: []Action{{
			Domain:   "light",
			Service:  "turn_on",
			EntityID: EntityIDs{"light.a"},
			Data:     map[string]any{"rgb_color": []any{255.0, 0.0, 0.0}},
		}},
		Explanation: "red",
	}
	c := p.Clone()
	c.Actions[0].EntityID[0] = "light.b"
	c.Actions[0].Data["rgb_color"].([]any)[0] = 0.0

	if p.Actions[0].EntityID[0] != "light.a" {
		t.Error("clone shares entity ids")
	}
	if p.Actions[0].Data["rgb_color"].([]any)[0] != 255.0 {
		t.Error("clone shares nested data")
	}
}
