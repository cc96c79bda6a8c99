package stream

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/changelog"
)

type route struct {
	pattern glob.Glob
	topic   string
}

// Topics derives destinations. Routes are checked in order against the
// entity type; the first match replaces the "<prefix>.<entity_type>" part.
type Topics struct {
	prefix string
	routes []route
}

func NewTopics(prefix string, routes []cfg.StreamRoute) (*Topics, error) {
	t := &Topics{prefix: strings.ToLower(prefix)}
	for _, r := range routes {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid route pattern %q: %w", r.Pattern, err)
		}
		if r.Topic == "" {
			return nil, fmt.Errorf("route %q has no topic", r.Pattern)
		}
		t.routes = append(t.routes, route{pattern: g, topic: r.Topic})
	}
	return t, nil
}

// Topic returns "<prefix>.<entity_type>.<operation>" lowercased, or
// "<route topic>.<operation>" when a route matches
func (t *Topics) Topic(entityType string, op changelog.Operation) string {
	opName := strings.ToLower(op.String())
	for _, r := range t.routes {
		if r.pattern.Match(entityType) {
			return r.topic + "." + opName
		}
	}

	base := strings.ToLower(entityType)
	if t.prefix != "" {
		base = t.prefix + "." + base
	}
	return base + "." + opName
}
