package subscription

import (
	"fmt"
	"time"

	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/telemetry"
)

// Event is a matched, projected change delivered to one subscription
type Event struct {
	EventID          string
	Shard            string
	SubscriptionName string
	EntityType       string
	EntityID         string
	Operation        changelog.Operation
	Sequence         uint64
	Timestamp        time.Time
	Data             map[string]any
}

// Match pairs an event with the subscription it was produced for
type Match struct {
	Subscription *Active
	Event        Event
}

// EventID is stable for a record, so redelivered events keep their id
func EventID(shard string, seq uint64) string {
	return fmt.Sprintf("evt_%s_%d", shard, seq)
}

// Matcher evaluates records against the live registry
type Matcher struct {
	registry *Registry
}

func NewMatcher(registry *Registry) *Matcher {
	return &Matcher{registry: registry}
}

// Match returns one entry per subscription that accepts the record.
// Subscriptions that fail authorization or filters never get an event built.
func (m *Matcher) Match(shard string, rec *changelog.ChangeRecord) []Match {
	subs := m.registry.Snapshot(rec.EntityType)
	if len(subs) == 0 {
		return nil
	}

	var out []Match
	for _, sub := range subs {
		if sub.State().Terminal() {
			continue
		}
		ev, ok := MatchOne(shard, sub, rec)
		if !ok {
			continue
		}
		telemetry.MatchesTotal.With(sub.Definition.Name).Inc()
		out = append(out, Match{Subscription: sub, Event: ev})
	}
	return out
}

// MatchOne evaluates one subscription against one record
func MatchOne(shard string, sub *Active, rec *changelog.ChangeRecord) (Event, bool) {
	if !sub.Accepts(shard, rec) {
		return Event{}, false
	}

	return Event{
		EventID:          EventID(shard, rec.Sequence),
		Shard:            shard,
		SubscriptionName: sub.Definition.Name,
		EntityType:       rec.EntityType,
		EntityID:         rec.EntityID,
		Operation:        rec.Operation,
		Sequence:         rec.Sequence,
		Timestamp:        rec.Time(),
		Data:             Project(rec.Current(), sub.Definition.Projection),
	}, true
}
