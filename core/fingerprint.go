package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint derives the deduplication key for a (playbook, event)
// pair: a SHA-256 over the playbook id and the selected trigger fields
// of the event. The same event replayed against the same playbook
// always yields the same fingerprint; the event id deliberately does
// not participate so that replays deduplicate.
func Fingerprint(playbookID string, event *Event, fields []string) string {
	parts := make([]string, 0, len(fields)+3)
	parts = append(parts, "playbook="+playbookID)
	parts = append(parts, "service="+event.Service)
	parts = append(parts, "stream="+event.Stream)

	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if field == "" {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		if value, ok := event.Field(field); ok {
			parts = append(parts, fmt.Sprintf("%s=%v", field, value))
		}
	}

	// Sort for determinism regardless of declaration order.
	sort.Strings(parts[3:])

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
