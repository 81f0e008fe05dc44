package soar

import (
	"fmt"
	"regexp"
	"strings"

	"sentinel/core"
)

var templateRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ResolveParams substitutes {{...}} placeholders in action params with
// values from the triggering event. Supported paths are
// {{fields.<name>}}, {{event.id}}, {{event.service}}, {{event.stream}}
// and {{event.severity}}. Unresolvable placeholders are left intact so
// the failure is visible downstream instead of silently blanked.
// The input map is not mutated.
func ResolveParams(params map[string]interface{}, event *core.Event) map[string]interface{} {
	if len(params) == 0 {
		return params
	}
	resolved := make(map[string]interface{}, len(params))
	for k, v := range params {
		resolved[k] = resolveValue(v, event)
	}
	return resolved
}

func resolveValue(value interface{}, event *core.Event) interface{} {
	switch v := value.(type) {
	case string:
		// A placeholder that is the whole string keeps the field's
		// native type; embedded placeholders render to text.
		if m := templateRe.FindStringSubmatch(v); m != nil && m[0] == v {
			if resolved, ok := lookupPath(strings.TrimSpace(m[1]), event); ok {
				return resolved
			}
			return v
		}
		return templateRe.ReplaceAllStringFunc(v, func(match string) string {
			path := strings.TrimSpace(match[2 : len(match)-2])
			if resolved, ok := lookupPath(path, event); ok {
				return fmt.Sprintf("%v", resolved)
			}
			return match
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = resolveValue(item, event)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, event)
		}
		return out
	default:
		return value
	}
}

func lookupPath(path string, event *core.Event) (interface{}, bool) {
	switch {
	case strings.HasPrefix(path, "fields."):
		return event.Field(strings.TrimPrefix(path, "fields."))
	case path == "event.id":
		return event.ID, true
	case path == "event.service":
		return event.Service, true
	case path == "event.stream":
		return event.Stream, true
	case path == "event.severity":
		return event.Severity, true
	case path == "event.timestamp":
		return event.Timestamp, true
	default:
		return nil, false
	}
}
