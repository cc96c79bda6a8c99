package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdapter struct {
	name   string
	policy transport.Policy
	gate   chan struct{}
	result func(subscription.Event) transport.Result

	started chan uint64

	mu        sync.Mutex
	delivered []subscription.Event
	errs      []*subscription.Error
	completes int
	failures  []string
}

func newTestAdapter(policy transport.Policy) *testAdapter {
	return &testAdapter{
		name:    "test",
		policy:  policy,
		started: make(chan uint64, 1024),
	}
}

func (a *testAdapter) Name() string             { return a.name }
func (a *testAdapter) Policy() transport.Policy { return a.policy }
func (a *testAdapter) Close() error             { return nil }

func (a *testAdapter) Deliver(ctx context.Context, sub *subscription.Active, ev subscription.Event) transport.Result {
	select {
	case a.started <- ev.Sequence:
	default:
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return transport.Closed(ctx.Err())
		}
	}
	if a.result != nil {
		if r := a.result(ev); r.Status != transport.StatusDelivered {
			return r
		}
	}

	a.mu.Lock()
	a.delivered = append(a.delivered, ev)
	a.mu.Unlock()
	return transport.Delivered(1)
}

func (a *testAdapter) SendError(sub *subscription.Active, err *subscription.Error) {
	a.mu.Lock()
	a.errs = append(a.errs, err)
	a.mu.Unlock()
}

func (a *testAdapter) SendComplete(sub *subscription.Active) {
	a.mu.Lock()
	a.completes++
	a.mu.Unlock()
}

func (a *testAdapter) RecordFailure(sub *subscription.Active, ev subscription.Event, reason string) {
	a.mu.Lock()
	a.failures = append(a.failures, ev.EventID)
	a.mu.Unlock()
}

func (a *testAdapter) sequences() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, len(a.delivered))
	for i, ev := range a.delivered {
		out[i] = ev.Sequence
	}
	return out
}

func (a *testAdapter) errFrames() []*subscription.Error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*subscription.Error(nil), a.errs...)
}

func (a *testAdapter) failed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.failures...)
}

func (a *testAdapter) completed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completes
}

func (a *testAdapter) waitStarted(t *testing.T, seq uint64) {
	t.Helper()
	for {
		select {
		case got := <-a.started:
			if got == seq {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery of %d never started", seq)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newFixture(t *testing.T, config Config) (*subscription.Registry, *Broadcaster) {
	t.Helper()
	catalog, err := subscription.NewCatalog(&subscription.Definition{
		Name:       "Orders",
		EntityType: "Order",
		Filter:     subscription.Compare(subscription.OpGt, subscription.After("amount"), subscription.Const(10)),
	})
	require.NoError(t, err)
	binder, err := subscription.NewBinder(16)
	require.NoError(t, err)

	registry := subscription.NewRegistry(catalog, binder)
	b := NewBroadcaster(config, registry)
	t.Cleanup(b.Close)
	return registry, b
}

func subscribe(t *testing.T, r *subscription.Registry, b *Broadcaster, a transport.Adapter, opts AttachOptions) *subscription.Active {
	t.Helper()
	sub, err := r.Subscribe(subscription.Request{Definition: "Orders"}, b.AttachFunc(a, opts))
	require.NoError(t, err)
	return sub
}

func event(sub *subscription.Active, seq uint64, entity string) subscription.Match {
	return subscription.Match{
		Subscription: sub,
		Event: subscription.Event{
			EventID:          subscription.EventID("orders", seq),
			Shard:            "orders",
			SubscriptionName: "Orders",
			EntityType:       "Order",
			EntityID:         entity,
			Operation:        changelog.OpUpdate,
			Sequence:         seq,
		},
	}
}

func TestDeliversInSequenceOrder(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 1000})
	a := newTestAdapter(transport.DropOldest)
	sub := subscribe(t, r, b, a, AttachOptions{})

	for seq := uint64(1); seq <= 200; seq++ {
		require.True(t, b.Enqueue(event(sub, seq, fmt.Sprintf("O%d", seq%7))))
	}

	waitFor(t, func() bool { return len(a.sequences()) == 200 }, "all deliveries")
	for i, seq := range a.sequences() {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.Equal(t, subscription.StateStreaming, sub.State())
	assert.Equal(t, uint64(200), sub.LastSequence())
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 1000})
	slow := newTestAdapter(transport.DropOldest)
	slow.gate = make(chan struct{})
	fast := newTestAdapter(transport.DropOldest)

	slowSub := subscribe(t, r, b, slow, AttachOptions{})
	fastSub := subscribe(t, r, b, fast, AttachOptions{})

	for seq := uint64(1); seq <= 50; seq++ {
		b.Enqueue(event(slowSub, seq, "O1"))
		b.Enqueue(event(fastSub, seq, "O1"))
	}

	waitFor(t, func() bool { return len(fast.sequences()) == 50 }, "fast subscriber")
	waitFor(t, func() bool { return b.Depth(slowSub.ID) == 49 }, "slow backlog")
	assert.Empty(t, slow.sequences())

	close(slow.gate)
	waitFor(t, func() bool { return len(slow.sequences()) == 50 }, "slow subscriber")
}

func TestDropOldestOverflowEndsSubscription(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 4, RetryBound: 100})
	a := newTestAdapter(transport.DropOldest)
	a.gate = make(chan struct{}, 1)
	sub := subscribe(t, r, b, a, AttachOptions{})

	a.gate <- struct{}{}
	b.Enqueue(event(sub, 1, "O1"))
	waitFor(t, func() bool { return sub.LastSequence() == 1 }, "first delivery")

	// seq 2 is in flight, 3..6 fill the queue, 7 overflows
	b.Enqueue(event(sub, 2, "O1"))
	a.waitStarted(t, 2)
	for seq := uint64(3); seq <= 6; seq++ {
		require.True(t, b.Enqueue(event(sub, seq, "O1")))
	}
	assert.False(t, b.Enqueue(event(sub, 7, "O1")))

	waitFor(t, func() bool { return len(a.errFrames()) == 1 }, "overflow error")
	err := a.errFrames()[0]
	assert.Equal(t, subscription.CodeBufferOverflow, err.Code)
	assert.True(t, err.Retryable)
	assert.Equal(t, uint64(1), err.LastSequence)

	waitFor(t, func() bool { return sub.State() == subscription.StateClosed }, "closed state")
	_, ok := r.Get(sub.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Attached())
	assert.False(t, b.Enqueue(event(sub, 8, "O1")))
	assert.Equal(t, []uint64{1}, a.sequences())
}

func TestAccumulateRecordsFailuresBeyondRetryBound(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 1, RetryBound: 3})
	a := newTestAdapter(transport.Accumulate)
	a.gate = make(chan struct{})
	sub := subscribe(t, r, b, a, AttachOptions{})

	b.Enqueue(event(sub, 1, "O1"))
	a.waitStarted(t, 1)
	for seq := uint64(2); seq <= 6; seq++ {
		require.True(t, b.Enqueue(event(sub, seq, "O1")))
	}

	assert.Equal(t, []string{"evt_orders_2", "evt_orders_3"}, a.failed())
	assert.Equal(t, 3, b.Depth(sub.ID))

	close(a.gate)
	waitFor(t, func() bool { return len(a.sequences()) == 4 }, "remaining deliveries")
	assert.Equal(t, []uint64{1, 4, 5, 6}, a.sequences())
	assert.Equal(t, subscription.StateStreaming, sub.State())
}

func TestUnsubscribeDiscardsQueueThenCompletes(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 100})
	a := newTestAdapter(transport.DropOldest)
	a.gate = make(chan struct{})
	sub := subscribe(t, r, b, a, AttachOptions{})

	for seq := uint64(1); seq <= 5; seq++ {
		b.Enqueue(event(sub, seq, "O1"))
	}
	a.waitStarted(t, 1)

	require.NoError(t, r.Unsubscribe(sub.ID))

	assert.Equal(t, 1, a.completed())
	assert.Empty(t, a.sequences())
	assert.Equal(t, 0, b.Depth(sub.ID))
	assert.Equal(t, subscription.StateClosed, sub.State())
}

func TestRevokeSendsForbidden(t *testing.T) {
	catalog, err := subscription.NewCatalog(&subscription.Definition{Name: "Orders", EntityType: "Order"})
	require.NoError(t, err)
	binder, _ := subscription.NewBinder(4)
	r := subscription.NewRegistry(catalog, binder)
	b := NewBroadcaster(Config{}, r)
	defer b.Close()

	a := newTestAdapter(transport.DropOldest)
	_, err = r.Subscribe(subscription.Request{
		Definition: "Orders",
		Auth:       subscription.AuthContext{Subject: "mallory"},
	}, b.AttachFunc(a, AttachOptions{}))
	require.NoError(t, err)

	assert.Equal(t, 1, r.RevokeSubject("mallory"))
	require.Len(t, a.errFrames(), 1)
	assert.Equal(t, subscription.CodeForbidden, a.errFrames()[0].Code)
	assert.False(t, a.errFrames()[0].Retryable)
}

func TestHeldQueueReleasesAboveFloor(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 100})
	a := newTestAdapter(transport.DropOldest)
	sub := subscribe(t, r, b, a, AttachOptions{Hold: true})

	for seq := uint64(1); seq <= 5; seq++ {
		b.Enqueue(event(sub, seq, "O1"))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, a.sequences())

	b.Release(sub.ID, 3)
	waitFor(t, func() bool { return len(a.sequences()) == 2 }, "released events")
	assert.Equal(t, []uint64{4, 5}, a.sequences())

	assert.False(t, b.Enqueue(event(sub, 2, "O1")))
}

func TestDeliveryFailureOnStreamingTransportEndsSubscription(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 100})
	a := newTestAdapter(transport.DropOldest)
	a.result = func(ev subscription.Event) transport.Result {
		if ev.Sequence == 2 {
			return transport.Failed(1, errors.New("frame too large"))
		}
		return transport.Delivered(1)
	}
	sub := subscribe(t, r, b, a, AttachOptions{})

	for seq := uint64(1); seq <= 3; seq++ {
		b.Enqueue(event(sub, seq, "O1"))
	}

	waitFor(t, func() bool { return len(a.errFrames()) == 1 }, "delivery error")
	assert.Equal(t, subscription.CodeDeliveryFailed, a.errFrames()[0].Code)
	assert.Equal(t, uint64(1), a.errFrames()[0].LastSequence)
	assert.Equal(t, []uint64{1}, a.sequences())
	waitFor(t, func() bool { return r.Count() == 0 }, "registry removal")
}

func TestAccumulateFailureKeepsSubscription(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 100})
	a := newTestAdapter(transport.Accumulate)
	a.result = func(ev subscription.Event) transport.Result {
		if ev.Sequence == 2 {
			return transport.Failed(5, errors.New("endpoint returned 500"))
		}
		return transport.Delivered(1)
	}
	sub := subscribe(t, r, b, a, AttachOptions{})

	for seq := uint64(1); seq <= 3; seq++ {
		b.Enqueue(event(sub, seq, "O1"))
	}

	waitFor(t, func() bool { return len(a.sequences()) == 2 }, "deliveries around the failure")
	assert.Equal(t, []uint64{1, 3}, a.sequences())
	assert.Equal(t, 1, r.Count())
}

func TestClosedTransportRemovesQuietly(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 100})
	a := newTestAdapter(transport.DropOldest)
	a.result = func(ev subscription.Event) transport.Result {
		return transport.Closed(errors.New("connection reset"))
	}
	sub := subscribe(t, r, b, a, AttachOptions{})

	b.Enqueue(event(sub, 1, "O1"))
	waitFor(t, func() bool { return sub.State() == subscription.StateClosed }, "closed")
	assert.Empty(t, a.errFrames())
	assert.Equal(t, 0, a.completed())
}

func TestSinkMatchesAndHandlesRouterOverflow(t *testing.T) {
	r, b := newFixture(t, Config{QueueSize: 100})
	push := newTestAdapter(transport.DropOldest)
	hook := newTestAdapter(transport.Accumulate)
	pushSub := subscribe(t, r, b, push, AttachOptions{})
	hookSub := subscribe(t, r, b, hook, AttachOptions{})

	sink := NewSink(subscription.NewMatcher(r), b)
	assert.Equal(t, SinkName, sink.Name())

	batch := changelog.Batch{Shard: "orders", Records: []changelog.ChangeRecord{
		{Sequence: 1, EntityType: "Order", EntityID: "O1", Operation: changelog.OpCreate, After: changelog.Snapshot{"amount": 50}},
		{Sequence: 2, EntityType: "Order", EntityID: "O1", Operation: changelog.OpUpdate, After: changelog.Snapshot{"amount": 5}},
		{Sequence: 3, EntityType: "User", EntityID: "U1", Operation: changelog.OpCreate, After: changelog.Snapshot{"amount": 50}},
		{Sequence: 4, EntityType: "Order", EntityID: "O2", Operation: changelog.OpCreate, After: changelog.Snapshot{"amount": 11}},
	}}
	sink.Consume(context.Background(), batch)

	waitFor(t, func() bool { return len(push.sequences()) == 2 && len(hook.sequences()) == 2 }, "matched deliveries")
	assert.Equal(t, []uint64{1, 4}, push.sequences())
	assert.Equal(t, []uint64{1, 4}, hook.sequences())

	overflowed := changelog.Batch{Shard: "orders", Records: []changelog.ChangeRecord{
		{Sequence: 5, EntityType: "Order", EntityID: "O3", Operation: changelog.OpCreate, After: changelog.Snapshot{"amount": 99}},
	}}
	sink.Overflow(overflowed)

	waitFor(t, func() bool { return len(push.errFrames()) == 1 }, "push overflow error")
	assert.Equal(t, subscription.CodeBufferOverflow, push.errFrames()[0].Code)
	assert.Equal(t, uint64(4), push.errFrames()[0].LastSequence)
	assert.Equal(t, []string{"evt_orders_5"}, hook.failed())

	waitFor(t, func() bool { return pushSub.State() == subscription.StateClosed }, "push closed")
	assert.Equal(t, subscription.StateStreaming, hookSub.State())
}
