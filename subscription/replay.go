package subscription

import (
	"context"
	"fmt"
	"math"

	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/telemetry"
)

const defaultReplayPageSize = 500

// Replayer re-reads a shard's log for one subscription
type Replayer struct {
	shard    string
	store    changelog.Store
	pageSize int
}

func NewReplayer(shard string, store changelog.Store, pageSize int) *Replayer {
	if pageSize <= 0 {
		pageSize = defaultReplayPageSize
	}
	return &Replayer{
		shard:    shard,
		store:    store,
		pageSize: pageSize,
	}
}

func (r *Replayer) Shard() string {
	return r.shard
}

// Replay calls fn, in sequence order, for every record after the given
// sequence that the subscription matches. It returns the highest sequence
// scanned, matched or not, so callers can drop live duplicates at or below
// it. Replaying the same range twice yields the same events.
func (r *Replayer) Replay(ctx context.Context, sub *Active, after uint64, fn func(Event) error) (uint64, error) {
	return r.ReplayThrough(ctx, sub, after, math.MaxUint64, fn)
}

// ReplayThrough is Replay bounded to records at or below through
func (r *Replayer) ReplayThrough(ctx context.Context, sub *Active, after, through uint64, fn func(Event) error) (uint64, error) {
	last := after
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		records, err := r.store.ReadSince(ctx, last, r.pageSize)
		if err != nil {
			return last, fmt.Errorf("replay %s after %d: %w", r.shard, last, err)
		}

		for i := range records {
			rec := &records[i]
			if rec.Sequence <= last {
				return last, fmt.Errorf("replay %s: sequence %d not after %d", r.shard, rec.Sequence, last)
			}
			if rec.Sequence > through {
				return last, nil
			}
			last = rec.Sequence

			ev, ok := MatchOne(r.shard, sub, rec)
			if !ok {
				continue
			}
			if err := fn(ev); err != nil {
				return last, err
			}
			telemetry.ReplayedEventsTotal.Inc()
		}

		if len(records) < r.pageSize || last >= through {
			return last, nil
		}
	}
}
