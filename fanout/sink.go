package fanout

import (
	"context"

	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/subscription"
	"github.com/puzpuzpuz/xsync/v3"
)

// SinkName is the router sink name of the subscription fanout
const SinkName = "subscriptions"

// Sink is the router sink that matches records and feeds subscription queues
type Sink struct {
	matcher     *subscription.Matcher
	broadcaster *Broadcaster

	// highest sequence per shard whose matches have all reached a queue
	consumed *xsync.MapOf[string, uint64]
}

func NewSink(matcher *subscription.Matcher, broadcaster *Broadcaster) *Sink {
	return &Sink{
		matcher:     matcher,
		broadcaster: broadcaster,
		consumed:    xsync.NewMapOf[string, uint64](),
	}
}

// Consumed returns the highest sequence of shard handed to subscription
// queues, or recorded as failed when it could not be
func (s *Sink) Consumed(shard string) uint64 {
	seq, _ := s.consumed.Load(shard)
	return seq
}

// Resume sets the consumed position of shard when nothing was consumed yet
func (s *Sink) Resume(shard string, seq uint64) {
	s.consumed.LoadOrStore(shard, seq)
}

func (s *Sink) advance(batch changelog.Batch) {
	last := batch.Last()
	s.consumed.Compute(batch.Shard, func(old uint64, _ bool) (uint64, bool) {
		if last > old {
			return last, false
		}
		return old, false
	})
}

func (s *Sink) Name() string {
	return SinkName
}

// Consume matches records in batch order, so every queue receives events
// in sequence order
func (s *Sink) Consume(ctx context.Context, batch changelog.Batch) {
	for i := range batch.Records {
		for _, m := range s.matcher.Match(batch.Shard, &batch.Records[i]) {
			s.broadcaster.Enqueue(m)
		}
	}
	s.advance(batch)
}

// Overflow is called when the router could not queue a batch for this
// sink. Every subscriber that would have matched loses events, so each is
// told according to its policy.
func (s *Sink) Overflow(batch changelog.Batch) {
	for i := range batch.Records {
		for _, m := range s.matcher.Match(batch.Shard, &batch.Records[i]) {
			s.broadcaster.Overflow(m)
		}
	}
	s.advance(batch)
}
