package actions

// Group partitions actions into execution groups. Actions within a
// group target pairwise disjoint entity sets and may run concurrently;
// groups run one after another in the returned order.
//
// An action without targets always gets a group of its own. A targeted
// action joins the first group whose accumulated entity set is
// non-empty and disjoint from its own, or starts a new group.
func Group(in []Action) [][]Action {
	type group struct {
		entities map[string]struct{}
		actions  []Action
	}

	var groups []*group
	for _, a := range in {
		targets := a.Targets()
		if len(targets) == 0 {
			groups = append(groups, &group{actions: []Action{a}})
			continue
		}

		var dest *group
		for _, g := range groups {
			if len(g.entities) > 0 && disjoint(g.entities, targets) {
				dest = g
				break
			}
		}
		if dest == nil {
			dest = &group{entities: make(map[string]struct{})}
			groups = append(groups, dest)
		}
		dest.actions = append(dest.actions, a)
		for _, id := range targets {
			dest.entities[id] = struct{}{}
		}
	}

	out := make([][]Action, len(groups))
	for i, g := range groups {
		out[i] = g.actions
	}
	return out
}

func disjoint(set map[string]struct{}, ids []string) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return false
		}
	}
	return true
}
