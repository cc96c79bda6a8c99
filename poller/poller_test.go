package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	batches  []changelog.Batch
	hold     bool
	failNext int
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, batch changelog.Batch) *future.Future[error] {
	p := future.NewPromise[error]()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, batch)

	switch {
	case d.hold:
	case d.failNext > 0:
		d.failNext--
		p.Set(nil, errors.New("router not running"))
	default:
		p.Set(nil, nil)
	}
	return p.Future()
}

func (d *recordingDispatcher) sequences() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []uint64
	for _, b := range d.batches {
		for _, r := range b.Records {
			out = append(out, r.Sequence)
		}
	}
	return out
}

func (d *recordingDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

type fataler interface {
	Fatalf(format string, args ...any)
}

func appendOrders(t fataler, s changelog.Store, n int) []changelog.ChangeRecord {
	recs := make([]changelog.ChangeRecord, n)
	for i := range recs {
		recs[i] = changelog.ChangeRecord{
			EntityType: "Order",
			EntityID:   fmt.Sprintf("O%d", i),
			Operation:  changelog.OpCreate,
			After:      changelog.Snapshot{"amount": float64(i)},
		}
	}
	if err := s.Append(context.Background(), recs); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return recs
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

func fastConfig(store changelog.Store, d Dispatcher) Config {
	return Config{
		Shard:        "orders",
		Store:        store,
		Dispatcher:   d,
		BatchSize:    10,
		PollInterval: time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func TestNewPollerValidation(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Config{Store: changelog.NewMemoryStore(), Dispatcher: &recordingDispatcher{}})
	assert.Error(t, err)
	_, err = New(ctx, Config{Shard: "a", Dispatcher: &recordingDispatcher{}})
	assert.Error(t, err)
	_, err = New(ctx, Config{Shard: "a", Store: changelog.NewMemoryStore()})
	assert.Error(t, err)
}

func TestPollerDeliversInOrderAndAdvancesCheckpoint(t *testing.T) {
	store := changelog.NewMemoryStore()
	recs := appendOrders(t, store, 35)
	d := &recordingDispatcher{}

	p, err := New(context.Background(), fastConfig(store, d))
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	last := recs[len(recs)-1].Sequence
	waitFor(t, func() bool { return p.Checkpoint() == last }, "checkpoint to reach last record")

	seqs := d.sequences()
	require.Len(t, seqs, 35)
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i])
	}
	assert.Equal(t, 4, d.batchCount())

	persisted, err := store.GetCheckpoint(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, last, persisted)
}

func TestPollerRedeliversAfterCrashBeforeCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := changelog.NewMemoryStore()
	appendOrders(t, store, 5)

	held := &recordingDispatcher{hold: true}
	p, err := New(ctx, fastConfig(store, held))
	require.NoError(t, err)
	p.Start()

	waitFor(t, func() bool { return held.batchCount() == 1 }, "first dispatch")
	p.Stop()

	assert.Equal(t, uint64(0), p.Checkpoint())
	persisted, err := store.GetCheckpoint(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), persisted)

	d := &recordingDispatcher{}
	restarted, err := New(ctx, fastConfig(store, d))
	require.NoError(t, err)
	restarted.Start()
	defer restarted.Stop()

	waitFor(t, func() bool { return restarted.Checkpoint() == 5 }, "redelivery")
	assert.Equal(t, held.sequences(), d.sequences())
}

func TestPollerRetriesTransientReadErrors(t *testing.T) {
	store := changelog.NewMemoryStore()
	appendOrders(t, store, 3)
	store.FailReads(4)
	d := &recordingDispatcher{}

	p, err := New(context.Background(), fastConfig(store, d))
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return p.Checkpoint() == 3 }, "records after read failures")
	assert.NoError(t, p.Err())
	assert.Equal(t, []uint64{1, 2, 3}, d.sequences())
}

func TestPollerRetriesCheckpointPersistence(t *testing.T) {
	store := changelog.NewMemoryStore()
	appendOrders(t, store, 3)
	store.FailCheckpoints(3)
	d := &recordingDispatcher{}

	p, err := New(context.Background(), fastConfig(store, d))
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return p.Checkpoint() == 3 }, "checkpoint after persist failures")
	assert.Equal(t, 1, d.batchCount())
}

func TestPollerRetriesFailedHandoff(t *testing.T) {
	store := changelog.NewMemoryStore()
	appendOrders(t, store, 2)
	d := &recordingDispatcher{failNext: 2}

	p, err := New(context.Background(), fastConfig(store, d))
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return p.Checkpoint() == 2 }, "checkpoint after handoff retries")
	assert.Equal(t, 3, d.batchCount())
}

func TestPollerCorruptCheckpointIsFatal(t *testing.T) {
	store := changelog.NewMemoryStore()
	store.CorruptCheckpoint("orders")

	_, err := New(context.Background(), fastConfig(store, &recordingDispatcher{}))
	assert.ErrorIs(t, err, changelog.ErrCheckpointCorrupt)
}

type rewindingStore struct {
	*changelog.MemoryStore
}

func (s rewindingStore) ReadSince(ctx context.Context, after uint64, limit int) ([]changelog.ChangeRecord, error) {
	return s.MemoryStore.ReadSince(ctx, 0, limit)
}

func TestPollerStopsOnOrderingViolation(t *testing.T) {
	mem := changelog.NewMemoryStore()
	appendOrders(t, mem, 3)
	store := rewindingStore{mem}

	p, err := New(context.Background(), fastConfig(store, &recordingDispatcher{}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.Run(ctx)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, uint64(3), p.Checkpoint())
}

func TestPollerWakesOnSignal(t *testing.T) {
	store := changelog.NewMemoryStore()
	hub := notify.NewHub()
	wake, cancel := hub.Subscribe(notify.Filter{Shards: []string{"orders"}})
	defer cancel()

	d := &recordingDispatcher{}
	cfg := fastConfig(store, d)
	cfg.PollInterval = time.Hour
	cfg.Wake = wake

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	// let the loop park on the empty log
	time.Sleep(20 * time.Millisecond)

	recs := appendOrders(t, store, 1)
	hub.Signal("orders", recs[0].Sequence)

	waitFor(t, func() bool { return p.Checkpoint() == recs[0].Sequence }, "wake-up delivery")
}

func TestPollerRunReturnsOnCancel(t *testing.T) {
	store := changelog.NewMemoryStore()
	p, err := New(context.Background(), fastConfig(store, &recordingDispatcher{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := &backoff{initial: 10 * time.Millisecond, max: 50 * time.Millisecond, multiplier: 2}
	got := []time.Duration{b.next(), b.next(), b.next(), b.next(), b.next()}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	assert.Equal(t, want, got)

	b.reset()
	assert.Equal(t, 10*time.Millisecond, b.next())
}

// Every appended record reaches the dispatcher exactly once, in sequence
// order, regardless of batch size or gaps in the sequence space.
func TestPollerOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := changelog.NewMemoryStore()
		var want []uint64

		chunks := rapid.IntRange(1, 6).Draw(rt, "chunks")
		for i := 0; i < chunks; i++ {
			store.SkipSequences(uint64(rapid.IntRange(0, 3).Draw(rt, "gap")))
			recs := appendOrders(rt, store, rapid.IntRange(1, 15).Draw(rt, "size"))
			for _, r := range recs {
				want = append(want, r.Sequence)
			}
		}

		d := &recordingDispatcher{}
		cfg := fastConfig(store, d)
		cfg.BatchSize = rapid.IntRange(1, 20).Draw(rt, "batch")

		p, err := New(context.Background(), cfg)
		if err != nil {
			rt.Fatalf("new poller: %v", err)
		}
		p.Start()
		defer p.Stop()

		last := want[len(want)-1]
		deadline := time.Now().Add(5 * time.Second)
		for p.Checkpoint() != last {
			if time.Now().After(deadline) {
				rt.Fatalf("checkpoint stuck at %d, want %d", p.Checkpoint(), last)
			}
			time.Sleep(time.Millisecond)
		}

		got := d.sequences()
		if len(got) != len(want) {
			rt.Fatalf("delivered %d records, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				rt.Fatalf("position %d: got seq %d, want %d", i, got[i], want[i])
			}
		}
	})
}
