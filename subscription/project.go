package subscription

import (
	"strings"

	"github.com/maxpert/ripple/changelog"
)

// Project copies only the listed fields out of a snapshot. Dotted fields keep
// their nesting. An empty field list keeps everything.
func Project(snap changelog.Snapshot, fields []string) map[string]any {
	if snap == nil {
		return map[string]any{}
	}
	if len(fields) == 0 {
		out := make(map[string]any, len(snap))
		for k, v := range snap {
			out[k] = v
		}
		return out
	}

	out := make(map[string]any, len(fields))
	for _, field := range fields {
		v, ok := snap.Lookup(field)
		if !ok {
			continue
		}
		setPath(out, strings.Split(field, "."), v)
	}
	return out
}

func setPath(m map[string]any, parts []string, v any) {
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
