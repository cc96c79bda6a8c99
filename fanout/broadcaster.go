// Package fanout keeps one bounded delivery queue per active subscription so
// a slow consumer only ever delays itself.
package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/telemetry"
	"github.com/maxpert/ripple/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueSize  = 256
	DefaultRetryBound = 10000
)

var ErrAlreadyAttached = errors.New("fanout: subscription already attached")

// Config bounds the per-subscription queues
type Config struct {
	QueueSize  int // bound for DropOldest adapters
	RetryBound int // bound for Accumulate adapters
}

// AttachOptions controls a new queue
type AttachOptions struct {
	// Hold buffers events without delivering them until Release
	Hold bool
}

type queue struct {
	sub     *subscription.Active
	adapter transport.Adapter
	policy  transport.Policy
	bound   int

	mu         sync.Mutex
	items      []subscription.Event
	inflight   *subscription.Event
	held       bool
	floor      uint64 // events at or below were already replayed
	overflowed bool
	detached   bool

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (subscription.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.held || len(q.items) == 0 {
		return subscription.Event{}, false
	}
	ev := q.items[0]
	q.items[0] = subscription.Event{}
	q.items = q.items[1:]
	q.inflight = &ev
	return ev, true
}

// settle clears the in-flight event once its outcome is known
func (q *queue) settle() {
	q.mu.Lock()
	q.inflight = nil
	q.mu.Unlock()
}

// Broadcaster owns the delivery goroutines of every subscription
type Broadcaster struct {
	config   Config
	registry *subscription.Registry
	queues   *xsync.MapOf[string, *queue]
}

// NewBroadcaster creates a broadcaster and hooks it to registry removals
func NewBroadcaster(config Config, registry *subscription.Registry) *Broadcaster {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryBound <= 0 {
		config.RetryBound = DefaultRetryBound
	}

	b := &Broadcaster{
		config:   config,
		registry: registry,
		queues:   xsync.NewMapOf[string, *queue](),
	}
	registry.OnRemove(b.onRemove)
	return b
}

// Attach creates the queue and delivery goroutine for a subscription.
// It is meant to be passed to Registry.Subscribe through AttachFunc.
func (b *Broadcaster) Attach(sub *subscription.Active, adapter transport.Adapter, opts AttachOptions) error {
	bound := b.config.QueueSize
	if adapter.Policy() == transport.Accumulate {
		bound = b.config.RetryBound
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		sub:     sub,
		adapter: adapter,
		policy:  adapter.Policy(),
		bound:   bound,
		held:    opts.Hold,
		signal:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if _, loaded := b.queues.LoadOrStore(sub.ID, q); loaded {
		cancel()
		return ErrAlreadyAttached
	}

	go b.run(q)
	return nil
}

// AttachFunc adapts Attach for Registry.Subscribe
func (b *Broadcaster) AttachFunc(adapter transport.Adapter, opts AttachOptions) subscription.AttachFunc {
	return func(sub *subscription.Active) error {
		return b.Attach(sub, adapter, opts)
	}
}

// Release starts delivery on a held queue, dropping buffered events at or
// below floor because replay already delivered them
func (b *Broadcaster) Release(id string, floor uint64) {
	q, ok := b.queues.Load(id)
	if !ok {
		return
	}

	q.mu.Lock()
	q.floor = floor
	kept := q.items[:0]
	for _, ev := range q.items {
		if ev.Sequence > floor {
			kept = append(kept, ev)
		} else {
			telemetry.FanoutQueuedEvents.Dec()
		}
	}
	q.items = kept
	q.held = false
	q.mu.Unlock()

	q.wake()
}

// Enqueue appends a matched event to its subscription's queue. It never
// blocks; overflow is handled according to the adapter policy.
func (b *Broadcaster) Enqueue(m subscription.Match) bool {
	q, ok := b.queues.Load(m.Subscription.ID)
	if !ok {
		return false
	}

	q.mu.Lock()
	if q.detached || q.overflowed || m.Event.Sequence <= q.floor {
		q.mu.Unlock()
		return false
	}

	var dropped *subscription.Event
	if len(q.items) >= q.bound {
		if q.policy == transport.DropOldest {
			q.overflowed = true
			q.mu.Unlock()
			b.overflow(q)
			return false
		}
		oldest := q.items[0]
		dropped = &oldest
		q.items = q.items[1:]
		telemetry.FanoutQueuedEvents.Dec()
	}

	q.items = append(q.items, m.Event)
	q.mu.Unlock()

	telemetry.FanoutQueuedEvents.Inc()
	if dropped != nil {
		b.recordFailure(q, *dropped, "retry buffer full")
	}
	q.wake()
	return true
}

// Overflow ends a DropOldest subscription, or records the event as failed
// for an Accumulate one. Used when events could not even reach the queue.
func (b *Broadcaster) Overflow(m subscription.Match) {
	q, ok := b.queues.Load(m.Subscription.ID)
	if !ok {
		return
	}

	if q.policy == transport.Accumulate {
		b.recordFailure(q, m.Event, "router queue full")
		return
	}

	q.mu.Lock()
	already := q.overflowed || q.detached
	q.overflowed = true
	q.mu.Unlock()
	if !already {
		b.overflow(q)
	}
}

func (b *Broadcaster) overflow(q *queue) {
	telemetry.FanoutOverflowTotal.With(q.policy.String()).Inc()
	log.Warn().
		Str("id", q.sub.ID).
		Str("subscription", q.sub.Definition.Name).
		Uint64("last_seq", q.sub.LastSequence()).
		Int("bound", q.bound).
		Msg("Subscriber queue overflowed")

	// the delivery goroutine sees the flag and removes the subscription
	q.cancel()
	q.wake()
}

func (b *Broadcaster) recordFailure(q *queue, ev subscription.Event, reason string) {
	telemetry.FanoutOverflowTotal.With(q.policy.String()).Inc()
	if fr, ok := q.adapter.(transport.FailureRecorder); ok {
		fr.RecordFailure(q.sub, ev, reason)
		return
	}
	log.Error().
		Str("id", q.sub.ID).
		Str("event_id", ev.EventID).
		Str("adapter", q.adapter.Name()).
		Str("reason", reason).
		Msg("Event dropped")
}

// Detach stops a subscription's delivery goroutine and discards its queue.
// It waits for an in-flight delivery to return.
func (b *Broadcaster) Detach(id string) bool {
	q := b.detach(id)
	return q != nil
}

func (b *Broadcaster) detach(id string) *queue {
	q, ok := b.queues.LoadAndDelete(id)
	if !ok {
		return nil
	}

	q.mu.Lock()
	q.detached = true
	discarded := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done

	telemetry.FanoutQueuedEvents.Sub(float64(discarded))
	return q
}

func (b *Broadcaster) onRemove(sub *subscription.Active, reason subscription.Reason) {
	q := b.detach(sub.ID)
	if q == nil {
		return
	}
	b.finish(q, reason)
}

// finish sends the control frame that matches why the subscription ended
func (b *Broadcaster) finish(q *queue, reason subscription.Reason) {
	ctrl, ok := q.adapter.(transport.Controller)
	if !ok {
		return
	}

	switch reason {
	case subscription.ReasonUnsubscribe:
		ctrl.SendComplete(q.sub)
	case subscription.ReasonRevoked:
		ctrl.SendError(q.sub, subscription.Errorf(subscription.CodeForbidden, "authorization revoked"))
	case subscription.ReasonOverflow:
		err := subscription.Errorf(subscription.CodeBufferOverflow,
			"delivery queue exceeded %d events, resubscribe from sequence %d", q.bound, q.sub.LastSequence())
		err.LastSequence = q.sub.LastSequence()
		ctrl.SendError(q.sub, err)
	case subscription.ReasonDeliveryFailed:
		err := subscription.Errorf(subscription.CodeDeliveryFailed, "delivery failed after sequence %d", q.sub.LastSequence())
		err.LastSequence = q.sub.LastSequence()
		ctrl.SendError(q.sub, err)
	}
}

// remove is the delivery goroutine taking its own subscription down
func (b *Broadcaster) remove(q *queue, reason subscription.Reason) {
	if _, ok := b.queues.LoadAndDelete(q.sub.ID); !ok {
		// Detach got there first and is waiting on us
		return
	}

	q.mu.Lock()
	q.detached = true
	discarded := len(q.items)
	q.items = nil
	q.mu.Unlock()
	q.cancel()
	telemetry.FanoutQueuedEvents.Sub(float64(discarded))

	// the registry hook finds no queue, so the frame is sent from here
	b.registry.Remove(q.sub.ID, reason)
	b.finish(q, reason)
}

func (b *Broadcaster) run(q *queue) {
	defer close(q.done)

	name := q.adapter.Name()
	for {
		if q.ctx.Err() != nil {
			b.exit(q)
			return
		}

		ev, ok := q.pop()
		if !ok {
			select {
			case <-q.ctx.Done():
			case <-q.signal:
			}
			continue
		}
		telemetry.FanoutQueuedEvents.Dec()

		start := time.Now()
		res := q.adapter.Deliver(q.ctx, q.sub, ev)
		telemetry.DeliveryDurationSeconds.With(name).Observe(time.Since(start).Seconds())
		telemetry.DeliveriesTotal.With(name, res.Status.String()).Inc()

		if q.ctx.Err() != nil {
			b.exit(q)
			return
		}
		q.settle()

		switch res.Status {
		case transport.StatusDelivered:
			q.sub.MarkDelivered(ev.Shard, ev.Sequence)
		case transport.StatusFailed:
			log.Warn().
				Err(res.Err).
				Str("id", q.sub.ID).
				Str("event_id", ev.EventID).
				Str("adapter", name).
				Int("attempts", res.Attempts).
				Msg("Delivery failed")
			if q.policy == transport.DropOldest {
				b.remove(q, subscription.ReasonDeliveryFailed)
				return
			}
		case transport.StatusClosed:
			b.remove(q, subscription.ReasonTransportClosed)
			return
		}
	}
}

func (b *Broadcaster) exit(q *queue) {
	q.mu.Lock()
	overflowed, detached := q.overflowed, q.detached
	q.mu.Unlock()

	if overflowed && !detached {
		b.remove(q, subscription.ReasonOverflow)
	}
}

// Pending returns the lowest sequence from shard that a subscription still
// has queued or in flight. Events the adapter already gave up on and
// recorded as failed are not pending.
func (b *Broadcaster) Pending(id, shard string) (uint64, bool) {
	q, ok := b.queues.Load(id)
	if !ok {
		return 0, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var low uint64
	found := false
	if q.inflight != nil && q.inflight.Shard == shard {
		low, found = q.inflight.Sequence, true
	}
	for i := range q.items {
		ev := &q.items[i]
		// replayed events may sit behind newer live ones
		if ev.Shard == shard && (!found || ev.Sequence < low) {
			low, found = ev.Sequence, true
		}
	}
	return low, found
}

// Depth returns the number of queued events for a subscription
func (b *Broadcaster) Depth(id string) int {
	q, ok := b.queues.Load(id)
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueuedEvents returns the number of events queued across subscriptions
func (b *Broadcaster) QueuedEvents() int {
	total := 0
	b.queues.Range(func(_ string, q *queue) bool {
		q.mu.Lock()
		total += len(q.items)
		q.mu.Unlock()
		return true
	})
	return total
}

// Attached returns the number of subscriptions with a queue
func (b *Broadcaster) Attached() int {
	return b.queues.Size()
}

// Close detaches every queue without touching the registry
func (b *Broadcaster) Close() {
	var ids []string
	b.queues.Range(func(id string, _ *queue) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		b.detach(id)
	}
}
