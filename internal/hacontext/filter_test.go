package hacontext

import (
	"strings"
	"testing"
)

func TestExcludedEntity(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"light.kitchen", false},
		{"sun.sun", true},
		{"zone.home", true},
		{"event.doorbell", true},
		{"sensor.llm_model_response", true},
		{"switch.backup_nightly", true},
		{"button.bulb_identify", true},
		{"button.bulb_identify_2", true},
		{"sensor.bulb_firmware", true},
		{"number.bulb_transition_time", true},
		{"number.bulb_on_level", true},
		{"select.bulb_start_up_behavior", true},
		{"number.bulb_current_level_3", true},
		{"number.bulb_color_temperature", true},
		{"number.switch_delay_time", true},
		{"light.identify_lamp", false},
		{"sensor.firmware_version_count", false},
	}
	for _, tt := range tests {
		domain, _, _ := strings.Cut(tt.id, ".")
		if got := excludedEntity(tt.id, domain); got != tt.want {
			t.Errorf("excludedEntity(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestIsStateQuery(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"What is the temperature in the lounge?", true},
		{"what's on in the kitchen", true},
		{"Is the garage door open", true},
		{"check the porch light", true},
		{"STATUS of the blinds", true},
		{"tell me about the hallway", true},
		{"turn on the kitchen lights", false},
		{"close the blinds", false},
		{"recheck everything", false},
	}
	for _, tt := range tests {
		if got := IsStateQuery(tt.text); got != tt.want {
			t.Errorf("IsStateQuery(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
