package prompts

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bergerjacob/llm-home-assistant/internal/hacontext"
)

func TestPlannerPrompt(t *testing.T) {
	ctx := `{"entities":[{"e":"light.kitchen"}],"services":{"light":["turn_on"]}}`
	got := PlannerPrompt(ctx)

	if !strings.HasPrefix(got, "You control Home Assistant.") {
		t.Error("prompt should open with the role line")
	}
	if !strings.HasSuffix(got, "HOME ASSISTANT CONTEXT:\n"+ctx) {
		t.Error("context should be embedded verbatim at the end")
	}
	for _, want := range []string{"Respond ONLY with valid JSON", "Max 3 actions", "CONTEXT KEY: e=entity_id"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(got, "%!") {
		t.Error("prompt has a formatting error")
	}
}

func TestAudioPlannerPrompt(t *testing.T) {
	got := AudioPlannerPrompt(`{}`)

	for _, want := range []string{
		"`propose_actions` tool",
		"pick the closest match",
		"return empty actions and explain current state",
		"Always provide an explanation.",
		"Context key: e=entity_id",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("audio prompt missing %q", want)
		}
	}
	if strings.Contains(got, "%!") {
		t.Error("audio prompt has a formatting error")
	}
}

func TestTruncationRetryInstruction(t *testing.T) {
	if !strings.Contains(TruncationRetryInstruction, ProposeActionsTool) {
		t.Error("retry instruction should name the tool")
	}
	if !strings.Contains(TruncationRetryInstruction, "valid JSON") {
		t.Error("retry instruction should demand valid JSON")
	}
}

func TestContextKeyCoversEntityFields(t *testing.T) {
	typ := reflect.TypeFor[hacontext.Entity]()
	for i := range typ.NumField() {
		name, _, _ := strings.Cut(typ.Field(i).Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if !strings.Contains(", "+contextKey, ", "+name+"=") {
			t.Errorf("context key does not explain field %q", name)
		}
	}
}
