// Package allow implements the authorization policy that decides which
// Home Assistant service calls the planner may trigger.
//
// The policy is fail-closed: once any allow block is configured, a call
// is denied unless its "domain.service" pair is explicitly listed.
package allow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sort"
	"strings"
)

// Config is the allowlist. A nil slice means the dimension is not
// configured; an empty non-nil slice (services: [] in YAML) is
// configured and empty.
type Config struct {
	Domains  []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Services []string `yaml:"services,omitempty" json:"services,omitempty"`
	Entities []string `yaml:"entities,omitempty" json:"entities,omitempty"`
}

// IsEmpty reports whether the config places no restriction at all.
// A nil config is empty.
func (c *Config) IsEmpty() bool {
	return c == nil || (c.Domains == nil && c.Services == nil && c.Entities == nil)
}

// IsAllowed reports whether domain.service may run against every id in
// entityIDs.
//
// Rules, in order: an empty config allows everything; a configured
// domain list must contain domain; the service list must be non-empty
// and contain "domain.service"; a configured entity list must contain
// every target id.
func IsAllowed(c *Config, domain, service string, entityIDs []string) bool {
	if c.IsEmpty() {
		return true
	}

	if c.Domains != nil && !slices.Contains(c.Domains, domain) {
		return false
	}

	if len(c.Services) == 0 {
		return false
	}
	if !slices.Contains(c.Services, domain+"."+service) {
		return false
	}

	if c.Entities != nil {
		for _, id := range entityIDs {
			if !slices.Contains(c.Entities, id) {
				return false
			}
		}
	}

	return true
}

// ServiceMap groups the configured "domain.service" entries by domain,
// preserving the configured order within each domain. Malformed entries
// without a dot are skipped.
func (c *Config) ServiceMap() map[string][]string {
	out := make(map[string][]string)
	if c == nil {
		return out
	}
	for _, s := range c.Services {
		domain, svc, ok := strings.Cut(s, ".")
		if !ok || domain == "" || svc == "" {
			continue
		}
		out[domain] = append(out[domain], svc)
	}
	return out
}

// AllowsDomain reports whether entities of domain are visible to the
// planner under this config.
func (c *Config) AllowsDomain(domain string) bool {
	if c.IsEmpty() || c.Domains == nil {
		return true
	}
	return slices.Contains(c.Domains, domain)
}

// AllowsEntity reports whether entityID is visible to the planner.
func (c *Config) AllowsEntity(entityID string) bool {
	if c.IsEmpty() || c.Entities == nil {
		return true
	}
	return slices.Contains(c.Entities, entityID)
}

// Fingerprint returns a stable hash of the config, or "" for an empty
// config. Two configs listing the same values in a different order
// share a fingerprint.
func Fingerprint(c *Config) string {
	if c.IsEmpty() {
		return ""
	}
	canon := struct {
		Domains  []string `json:"domains"`
		Services []string `json:"services"`
		Entities []string `json:"entities"`
	}{sortedCopy(c.Domains), sortedCopy(c.Services), sortedCopy(c.Entities)}

	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// sortedCopy keeps nil distinct from empty so that "services: []" and
// an absent services key fingerprint differently.
func sortedCopy(in []string) []string {
	if in == nil {
		return nil
	}
	out := slices.Clone(in)
	sort.Strings(out)
	return out
}
