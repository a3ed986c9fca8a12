package allow

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *Config
		domain   string
		service  string
		entities []string
		want     bool
	}{
		{"nil config", nil, "lock", "unlock", []string{"lock.front"}, true},
		{"empty config", &Config{}, "lock", "unlock", nil, true},
		{"domain mismatch", &Config{Domains: []string{"light"}, Services: []string{"light.turn_on"}}, "switch", "turn_on", nil, false},
		{"domains without services", &Config{Domains: []string{"light"}}, "light", "turn_on", nil, false},
		{"domains with empty services", &Config{Domains: []string{"light"}, Services: []string{}}, "light", "turn_on", nil, false},
		{"service listed", &Config{Services: []string{"light.turn_on"}}, "light", "turn_on", []string{"light.a"}, true},
		{"service not listed", &Config{Services: []string{"light.turn_on"}}, "light", "turn_off", nil, false},
		{"entities all listed", &Config{Services: []string{"light.turn_on"}, Entities: []string{"light.a", "light.b"}}, "light", "turn_on", []string{"light.b", "light.a"}, true},
		{"one entity missing", &Config{Services: []string{"light.turn_on"}, Entities: []string{"light.a"}}, "light", "turn_on", []string{"light.a", "light.b"}, false},
		{"no targets with entity list", &Config{Services: []string{"scene.turn_on"}, Entities: []string{"light.a"}}, "scene", "turn_on", nil, true},
		{"only entities configured", &Config{Entities: []string{"light.a"}}, "light", "turn_on", []string{"light.a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsAllowed(tt.cfg, tt.domain, tt.service, tt.entities)
			if got != tt.want {
				t.Errorf("IsAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Any present config lacking services denies every combination.
func TestIsAllowed_FailClosed(t *testing.T) {
	configs := []*Config{
		{Domains: []string{"light", "switch"}},
		{Domains: []string{"light"}, Services: []string{}},
		{Entities: []string{"light.kitchen"}},
		{Domains: []string{"light"}, Entities: []string{"light.kitchen"}},
	}
	calls := []struct {
		domain, service string
		ids             []string
	}{
		{"light", "turn_on", []string{"light.kitchen"}},
		{"light", "turn_off", nil},
		{"switch", "toggle", []string{"switch.fan"}},
	}

	for _, cfg := range configs {
		for _, c := range calls {
			if IsAllowed(cfg, c.domain, c.service, c.ids) {
				t.Errorf("IsAllowed(%+v, %s.%s, %v) = true, want false", cfg, c.domain, c.service, c.ids)
			}
		}
	}
}

func TestConfig_YAMLEmptyServicesIsConfigured(t *testing.T) {
	var wrapper struct {
		Allow *Config `yaml:"allow"`
	}
	if err := yaml.Unmarshal([]byte("allow:\n  domains: [light]\n  services: []\n"), &wrapper); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wrapper.Allow.Services == nil {
		t.Fatal("services: [] should decode to a non-nil empty slice")
	}
	if IsAllowed(wrapper.Allow, "light", "turn_on", []string{"light.a"}) {
		t.Error("empty services must deny")
	}
}

func TestServiceMap(t *testing.T) {
	cfg := &Config{Services: []string{"light.turn_on", "light.turn_off", "cover.open_cover", "bogus"}}
	got := cfg.ServiceMap()

	if len(got) != 2 {
		t.Fatalf("ServiceMap() has %d domains, want 2: %v", len(got), got)
	}
	if l := got["light"]; len(l) != 2 || l[0] != "turn_on" || l[1] != "turn_off" {
		t.Errorf("light services = %v", l)
	}
	if c := got["cover"]; len(c) != 1 || c[0] != "open_cover" {
		t.Errorf("cover services = %v", c)
	}
	if m := (*Config)(nil).ServiceMap(); len(m) != 0 {
		t.Errorf("nil ServiceMap() = %v, want empty", m)
	}
}

func TestVisibility(t *testing.T) {
	cfg := &Config{Domains: []string{"light"}, Services: []string{"light.turn_on"}, Entities: []string{"light.a"}}
	if !cfg.AllowsDomain("light") || cfg.AllowsDomain("switch") {
		t.Error("AllowsDomain mismatch")
	}
	if !cfg.AllowsEntity("light.a") || cfg.AllowsEntity("light.b") {
		t.Error("AllowsEntity mismatch")
	}
	var none *Config
	if !none.AllowsDomain("anything") || !none.AllowsEntity("x.y") {
		t.Error("nil config should expose everything")
	}
}

func TestFingerprint(t *testing.T) {
	if got := Fingerprint(nil); got != "" {
		t.Errorf("Fingerprint(nil) = %q, want empty", got)
	}
	if got := Fingerprint(&Config{}); got != "" {
		t.Errorf("Fingerprint(empty) = %q, want empty", got)
	}

	a := &Config{Services: []string{"light.turn_on", "switch.toggle"}}
	b := &Config{Services: []string{"switch.toggle", "light.turn_on"}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint should not depend on order")
	}
	if Fingerprint(a) == "" {
		t.Error("non-empty config should have a fingerprint")
	}

	c := &Config{Services: []string{"light.turn_on"}}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different configs should fingerprint differently")
	}

	absent := &Config{Domains: []string{"light"}}
	empty := &Config{Domains: []string{"light"}, Services: []string{}}
	if Fingerprint(absent) == Fingerprint(empty) {
		t.Error("absent and empty services should fingerprint differently")
	}
}
