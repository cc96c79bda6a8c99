package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/encoding"
	"github.com/maxpert/ripple/subscription"
)

const parkedPrefix = "webhook/"

// Archive keeps failed attempts across restarts
type Archive interface {
	Save(a DeliveryAttempt, ev subscription.Event) error
	Delete(a DeliveryAttempt) error
}

// Parked is a failed attempt read back from an archive
type Parked struct {
	Attempt DeliveryAttempt
	Event   subscription.Event
}

// StoreArchive parks failed attempts in the change log store of the shard
// the event came from, next to that shard's checkpoint
type StoreArchive struct {
	stores map[string]changelog.Store
}

func NewStoreArchive(stores map[string]changelog.Store) *StoreArchive {
	return &StoreArchive{stores: stores}
}

func (s *StoreArchive) store(shard string) (changelog.Store, error) {
	store, ok := s.stores[shard]
	if !ok {
		return nil, fmt.Errorf("no change log for shard %q", shard)
	}
	return store, nil
}

func (s *StoreArchive) Save(a DeliveryAttempt, ev subscription.Event) error {
	store, err := s.store(a.Shard)
	if err != nil {
		return err
	}
	value, err := encoding.Marshal(&Parked{Attempt: a, Event: ev})
	if err != nil {
		return fmt.Errorf("encode parked delivery %s: %w", a.Key, err)
	}
	return store.PutParked(context.Background(), parkedPrefix+a.Key, value)
}

func (s *StoreArchive) Delete(a DeliveryAttempt) error {
	store, err := s.store(a.Shard)
	if err != nil {
		return err
	}
	return store.DeleteParked(context.Background(), parkedPrefix+a.Key)
}

// Load reads every parked attempt, ordered by shard then key
func (s *StoreArchive) Load(ctx context.Context, shards []string) ([]Parked, error) {
	var out []Parked
	for _, shard := range shards {
		store, err := s.store(shard)
		if err != nil {
			return nil, err
		}
		values, err := store.ListParked(ctx)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", shard, err)
		}

		for _, v := range values {
			if !strings.HasPrefix(v.Key, parkedPrefix) {
				continue
			}
			var p Parked
			if err := encoding.Unmarshal(v.Value, &p); err != nil {
				return nil, fmt.Errorf("shard %s: parked delivery %s: %w", shard, v.Key, err)
			}
			out = append(out, p)
		}
	}
	return out, nil
}
