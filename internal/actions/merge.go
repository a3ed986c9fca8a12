package actions

import (
	"encoding/json"
	"maps"
	"slices"
)

// Merge collapses actions that share domain, service and data
// (ignoring any entity_id inside data) into one action targeting the
// union of their entities. Output order follows the first occurrence of
// each group and targets keep first-seen order without duplicates.
// Merged actions never carry entity_id inside Data, so Merge is
// idempotent.
func Merge(in []Action) []Action {
	type bucket struct {
		action  Action
		targets []string
		seen    map[string]struct{}
	}

	var order []string
	buckets := make(map[string]*bucket)

	for _, a := range in {
		data := maps.Clone(a.Data)
		delete(data, "entity_id")

		key := mergeKey(a.Domain, a.Service, data)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				action: Action{Domain: a.Domain, Service: a.Service, Data: data},
				seen:   make(map[string]struct{}),
			}
			buckets[key] = b
			order = append(order, key)
		}

		for _, id := range a.Targets() {
			if _, dup := b.seen[id]; dup {
				continue
			}
			b.seen[id] = struct{}{}
			b.targets = append(b.targets, id)
		}
	}

	out := make([]Action, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		a := b.action
		if len(a.Data) == 0 {
			a.Data = nil
		}
		if len(b.targets) > 0 {
			a.EntityID = slices.Clip(EntityIDs(b.targets))
		}
		out = append(out, a)
	}
	return out
}

// mergeKey is "domain.service:" followed by the canonical JSON of data.
// encoding/json sorts map keys, which makes the encoding canonical.
func mergeKey(domain, service string, data map[string]any) string {
	if len(data) == 0 {
		return domain + "." + service + ":{}"
	}
	raw, err := json.Marshal(data)
	if err != nil {
		// Only reachable for data built in code; decoded JSON always encodes.
		return domain + "." + service + ":!" + err.Error()
	}
	return domain + "." + service + ":" + string(raw)
}
