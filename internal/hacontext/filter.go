package hacontext

import (
	"regexp"
	"sort"
	"strings"

	"github.com/bergerjacob/llm-home-assistant/internal/homeassistant"
)

// excludedDomains never appear in the snapshot.
var excludedDomains = map[string]bool{
	"zone":   true,
	"update": true,
	"sun":    true,
	"event":  true,
}

// excludedEntityPatterns hide configuration and diagnostic entities
// (Zigbee device settings, firmware, backups, the assistant's own
// sensors) that the planner should never act on.
var excludedEntityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^.*\.llm_.*`),
	regexp.MustCompile(`^.*\.backup_.*`),
	regexp.MustCompile(`^.*_identify(_[0-9]+)?$`),
	regexp.MustCompile(`^.*_firmware(_[0-9]+)?$`),
	regexp.MustCompile(`^.*_transition_time(_[0-9]+)?$`),
	regexp.MustCompile(`^.*_on_level(_[0-9]+)?$`),
	regexp.MustCompile(`^.*_start_up_.*`),
	regexp.MustCompile(`^.*_behavior(_[0-9]+)?$`),
	regexp.MustCompile(`^.*_current_level(_[0-9]+)?$`),
	regexp.MustCompile(`^.*_color_temperature(_[0-9]+)?$`),
	regexp.MustCompile(`^.*_delay_time(_[0-9]+)?$`),
}

func excludedEntity(entityID, domain string) bool {
	if excludedDomains[domain] || entityID == "sun.sun" {
		return true
	}
	for _, re := range excludedEntityPatterns {
		if re.MatchString(entityID) {
			return true
		}
	}
	return false
}

// excludedServiceDomains are integration plumbing, not devices.
var excludedServiceDomains = map[string]bool{
	"logger":                  true,
	"system_log":              true,
	"recorder":                true,
	"backup":                  true,
	"ffmpeg":                  true,
	"cloud":                   true,
	"frontend":                true,
	"config":                  true,
	"hassio":                  true,
	"update":                  true,
	"zha":                     true,
	"persistent_notification": true,
	"llm_home_assistant":      true,
	"device_tracker":          true,
	"person":                  true,
	"zone":                    true,
	"conversation":            true,
}

// excludedServices would stop, restart or reconfigure Home Assistant
// itself.
var excludedServices = map[string]bool{
	"homeassistant.save_persistent_states":  true,
	"homeassistant.stop":                    true,
	"homeassistant.restart":                 true,
	"homeassistant.check_config":            true,
	"homeassistant.update_entity":           true,
	"homeassistant.reload_core_config":      true,
	"homeassistant.set_location":            true,
	"homeassistant.reload_custom_templates": true,
	"homeassistant.reload_config_entry":     true,
	"homeassistant.reload_all":              true,
	"scene.reload":                          true,
}

// filterServices turns the registry into a sorted domain to service map
// without system domains, dangerous services or any reload service.
func filterServices(registry []homeassistant.ServiceDomain) map[string][]string {
	out := make(map[string][]string)
	for _, d := range registry {
		if excludedServiceDomains[d.Domain] {
			continue
		}
		var names []string
		for svc := range d.Services {
			if excludedServices[d.Domain+"."+svc] || strings.Contains(svc, "reload") {
				continue
			}
			names = append(names, svc)
		}
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		out[d.Domain] = names
	}
	return out
}

var stateQueryRe = regexp.MustCompile(`(?i)\b(what is|what are|what's|status|is the|are the|check|tell me|how is|how are|current|state of)\b`)

// IsStateQuery reports whether text reads like a question about current
// device state, in which case the caller should force a fresh snapshot.
func IsStateQuery(text string) bool {
	return stateQueryRe.MatchString(text)
}
