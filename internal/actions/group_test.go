package actions

import (
	"testing"
)

func act(domain, service string, ids ...string) Action {
	a := Action{Domain: domain, Service: service}
	if len(ids) > 0 {
		a.EntityID = EntityIDs(ids)
	}
	return a
}

func groupShape(groups [][]Action) []int {
	out := make([]int, len(groups))
	for i, g := range groups {
		out[i] = len(g)
	}
	return out
}

func TestGroup(t *testing.T) {
	tests := []struct {
		name  string
		in    []Action
		shape []int
	}{
		{"empty", nil, []int{}},
		{
			"disjoint entities share a group",
			[]Action{act("light", "turn_on", "light.a"), act("switch", "turn_off", "switch.b")},
			[]int{2},
		},
		{
			"overlapping entities split",
			[]Action{act("light", "turn_on", "light.a"), act("light", "turn_off", "light.a")},
			[]int{1, 1},
		},
		{
			"untargeted action isolated",
			[]Action{act("light", "turn_on", "light.a"), act("scene", "turn_on"), act("light", "turn_on", "light.b")},
			[]int{2, 1},
		},
		{
			"lists of ids",
			[]Action{
				act("light", "turn_on", "light.a", "light.b"),
				act("light", "turn_off", "light.b", "light.c"),
				act("switch", "toggle", "switch.x"),
			},
			[]int{2, 1},
		},
		{
			"first fitting group wins",
			[]Action{
				act("light", "turn_on", "light.a"),
				act("light", "turn_off", "light.a"),
				act("switch", "toggle", "switch.x"),
			},
			[]int{2, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := groupShape(Group(tt.in))
			if len(got) != len(tt.shape) {
				t.Fatalf("group sizes = %v, want %v", got, tt.shape)
			}
			for i := range got {
				if got[i] != tt.shape[i] {
					t.Fatalf("group sizes = %v, want %v", got, tt.shape)
				}
			}
		})
	}
}

func TestGroup_Invariants(t *testing.T) {
	in := []Action{
		act("light", "turn_on", "light.a", "light.b"),
		act("scene", "turn_on"),
		act("light", "turn_off", "light.b"),
		act("switch", "turn_on", "switch.a"),
		act("cover", "open_cover", "cover.a", "light.a"),
		act("script", "turn_on"),
		act("switch", "turn_off", "switch.a", "switch.b"),
	}

	groups := Group(in)

	total := 0
	for _, g := range groups {
		total += len(g)
		seen := make(map[string]int)
		for i, a := range g {
			if len(a.Targets()) == 0 && len(g) != 1 {
				t.Errorf("untargeted %s shares a group of %d", a.Name(), len(g))
			}
			for _, id := range a.Targets() {
				if prev, dup := seen[id]; dup {
					t.Errorf("%s targeted by members %d and %d of one group", id, prev, i)
				}
				seen[id] = i
			}
		}
	}
	if total != len(in) {
		t.Errorf("grouped %d actions, want %d", total, len(in))
	}
}
