package webhook

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/telemetry"
	"github.com/rs/zerolog/log"
)

const defaultLedgerSize = 10000

// AttemptStatus is the state of one outbound delivery
type AttemptStatus string

const (
	StatusPending   AttemptStatus = "pending"
	StatusDelivered AttemptStatus = "delivered"
	StatusFailed    AttemptStatus = "failed"
)

// DeliveryAttempt tracks one event on its way to one endpoint
type DeliveryAttempt struct {
	Key            string        `json:"key"`
	Endpoint       string        `json:"endpoint"`
	Shard          string        `json:"shard"`
	EventID        string        `json:"event_id"`
	SubscriptionID string        `json:"subscription_id"`
	Sequence       uint64        `json:"sequence"`
	AttemptCount   int           `json:"attempt_count"`
	NextRetryAt    time.Time     `json:"next_retry_at,omitzero"`
	Status         AttemptStatus `json:"status"`
	LastError      string        `json:"last_error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type failedEntry struct {
	attempt DeliveryAttempt
	owner   *Adapter
	sub     *subscription.Active // nil for entries restored from an archive
	event   subscription.Event
}

// Ledger keeps recent attempts in an LRU and failed attempts until an
// operator retries them. With an Archive, failed attempts also outlive the
// process.
type Ledger struct {
	mu      sync.Mutex
	recent  *lru.Cache[string, DeliveryAttempt]
	failed  map[string]failedEntry
	archive Archive
}

func NewLedger(size int) (*Ledger, error) {
	if size <= 0 {
		size = defaultLedgerSize
	}
	recent, err := lru.New[string, DeliveryAttempt](size)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		recent: recent,
		failed: make(map[string]failedEntry),
	}, nil
}

// AttemptKey identifies an event for one subscription on one endpoint
func AttemptKey(endpoint, subscriptionID, eventID string) string {
	return endpoint + ":" + subscriptionID + ":" + eventID
}

func (l *Ledger) put(a DeliveryAttempt) {
	l.recent.Add(a.Key, a)
}

// SetArchive persists failed attempts from now on
func (l *Ledger) SetArchive(archive Archive) {
	l.mu.Lock()
	l.archive = archive
	l.mu.Unlock()
}

func (l *Ledger) fail(owner *Adapter, a DeliveryAttempt, sub *subscription.Active, ev subscription.Event) {
	l.mu.Lock()
	l.recent.Add(a.Key, a)
	l.failed[a.Key] = failedEntry{attempt: a, owner: owner, sub: sub, event: ev}
	archive := l.archive
	l.mu.Unlock()

	if archive != nil {
		if err := archive.Save(a, ev); err != nil {
			log.Error().Err(err).Str("key", a.Key).Msg("Failed to persist failed delivery")
		}
	}
}

// Restore puts back a failed attempt read from the archive. It is retried
// on the owner's current subscription.
func (l *Ledger) Restore(owner *Adapter, a DeliveryAttempt, ev subscription.Event) {
	l.mu.Lock()
	l.recent.Add(a.Key, a)
	l.failed[a.Key] = failedEntry{attempt: a, owner: owner, event: ev}
	l.mu.Unlock()

	telemetry.WebhookFailedDeliveries.With(owner.config.Name).Set(float64(l.FailedCount(owner.config.Name)))
}

// forget drops the archived copy once a retried attempt is settled
func (l *Ledger) forget(a DeliveryAttempt) {
	l.mu.Lock()
	archive := l.archive
	l.mu.Unlock()

	if archive != nil {
		if err := archive.Delete(a); err != nil {
			log.Warn().Err(err).Str("key", a.Key).Msg("Failed to remove archived delivery")
		}
	}
}

// take removes a failed entry so it can be redelivered
func (l *Ledger) take(key string) (failedEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.failed[key]
	if ok {
		delete(l.failed, key)
	}
	return e, ok
}

// Retry moves a failed attempt back to pending and redelivers it in the
// background on its endpoint
func (l *Ledger) Retry(key string) error {
	e, ok := l.take(key)
	if !ok {
		return ErrUnknownDelivery
	}
	if err := e.owner.redeliver(e); err != nil {
		l.mu.Lock()
		l.failed[key] = e
		l.mu.Unlock()
		return err
	}
	return nil
}

// Get returns the latest state of an attempt
func (l *Ledger) Get(key string) (DeliveryAttempt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.failed[key]; ok {
		return e.attempt, true
	}
	return l.recent.Get(key)
}

// Failed lists failed attempts ordered by sequence
func (l *Ledger) Failed() []DeliveryAttempt {
	l.mu.Lock()
	out := make([]DeliveryAttempt, 0, len(l.failed))
	for _, e := range l.failed {
		out = append(out, e.attempt)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// FailedCount returns the number of failed attempts for an endpoint
func (l *Ledger) FailedCount(endpoint string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.failed {
		if e.attempt.Endpoint == endpoint {
			n++
		}
	}
	return n
}
