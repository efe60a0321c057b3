package mapping

import "strings"

// AutoDetect proposes a source-column -> target-field mapping for the given
// headers. Headers are scanned in order; for each one the catalog is scanned
// in order and the first unclaimed field with a matching alias wins. A field
// claimed by an earlier header is never reassigned (first claim wins), so no
// target field ever appears twice among the values.
//
// Headers that match nothing stay unmapped, as do required fields nobody
// matched: that is surfaced by validation, not here.
func AutoDetect(headers []string) map[string]string {
	out := make(map[string]string, len(headers))
	claimed := make(map[string]bool, len(catalog))
	for _, header := range headers {
		nh := Normalize(header)
		if nh == "" {
			continue
		}
		if _, dup := out[header]; dup {
			continue
		}
		for _, field := range catalog {
			if claimed[field.Key] {
				continue
			}
			if matchesField(nh, field) {
				out[header] = field.Key
				claimed[field.Key] = true
				break
			}
		}
	}
	return out
}

func matchesField(normalizedHeader string, field TargetField) bool {
	for _, alias := range field.Aliases {
		na := Normalize(alias)
		if na == "" {
			continue
		}
		if normalizedHeader == na || strings.Contains(normalizedHeader, na) {
			return true
		}
	}
	return false
}

// ApplyManual returns a copy of m where targetField is mapped from
// sourceColumn and from nothing else. An empty sourceColumn just unmaps the
// field. The input map is never mutated.
func ApplyManual(m map[string]string, targetField, sourceColumn string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for col, field := range m {
		if field == targetField {
			continue
		}
		out[col] = field
	}
	if sourceColumn != "" {
		out[sourceColumn] = targetField
	}
	return out
}
