package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ transport.Adapter         = (*Adapter)(nil)
	_ transport.FailureRecorder = (*Adapter)(nil)
)

type received struct {
	body      []byte
	eventID   string
	attempt   string
	signature string
}

// endpoint answers with the status returned by respond for each request
type endpoint struct {
	mu       sync.Mutex
	requests []received
	calls    atomic.Int32
	respond  func(n int) int
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	n := int(e.calls.Add(1))

	e.mu.Lock()
	e.requests = append(e.requests, received{
		body:      body,
		eventID:   r.Header.Get(HeaderEventID),
		attempt:   r.Header.Get(HeaderAttempt),
		signature: r.Header.Get(HeaderSignature),
	})
	e.mu.Unlock()

	status := http.StatusOK
	if e.respond != nil {
		status = e.respond(n)
	}
	w.WriteHeader(status)
}

func (e *endpoint) received() []received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]received(nil), e.requests...)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) bool {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err() == nil
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func newTestAdapter(t *testing.T, url string, config Config) (*Adapter, *Ledger, *fakeClock) {
	t.Helper()
	ledger, err := NewLedger(100)
	require.NoError(t, err)

	config.Name = "orders-hook"
	config.URL = url
	a, err := NewAdapter(config, nil, ledger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	a.sleep = clock.sleep
	a.now = clock.Now
	return a, ledger, clock
}

func testEvent(seq uint64) subscription.Event {
	return subscription.Event{
		EventID:          subscription.EventID("orders", seq),
		Shard:            "orders",
		SubscriptionName: "OrderCreated",
		EntityType:       "Order",
		EntityID:         "O1",
		Operation:        changelog.OpCreate,
		Sequence:         seq,
		Timestamp:        time.UnixMilli(1700000000000).UTC(),
		Data:             map[string]any{"id": "O1", "amount": 50},
	}
}

var testSub = &subscription.Active{ID: "sub-1"}

func TestDeliverSignsEnvelope(t *testing.T) {
	ep := &endpoint{}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	a, ledger, clock := newTestAdapter(t, srv.URL, Config{Secret: "s3cret"})
	res := a.Deliver(context.Background(), testSub, testEvent(101))
	require.Equal(t, transport.StatusDelivered, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, clock.Delays())

	reqs := ep.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "evt_orders_101", reqs[0].eventID)
	assert.Equal(t, "1", reqs[0].attempt)
	assert.True(t, Verify("s3cret", reqs[0].body, reqs[0].signature))
	assert.False(t, Verify("other", reqs[0].body, reqs[0].signature))

	var env transport.Envelope
	require.NoError(t, json.Unmarshal(reqs[0].body, &env))
	assert.Equal(t, "OrderCreated", env.SubscriptionName)
	assert.Equal(t, uint64(101), env.SequenceNumber)
	assert.Equal(t, map[string]any{"id": "O1", "amount": float64(50)}, env.Data)

	attempt, ok := ledger.Get(AttemptKey("orders-hook", "sub-1", "evt_orders_101"))
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, attempt.Status)
	assert.Equal(t, 1, attempt.AttemptCount)
}

func TestRetryFollowsFixedSchedule(t *testing.T) {
	ep := &endpoint{respond: func(n int) int {
		if n < 4 {
			return http.StatusServiceUnavailable
		}
		return http.StatusAccepted
	}}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	a, _, clock := newTestAdapter(t, srv.URL, Config{})
	res := a.Deliver(context.Background(), testSub, testEvent(1))
	require.Equal(t, transport.StatusDelivered, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}, clock.Delays())

	var attempts []string
	for _, r := range ep.received() {
		attempts = append(attempts, r.attempt)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, attempts)
}

func TestExhaustedDeliveryIsParkedAsFailed(t *testing.T) {
	ep := &endpoint{respond: func(int) int { return http.StatusInternalServerError }}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	a, ledger, clock := newTestAdapter(t, srv.URL, Config{})
	res := a.Deliver(context.Background(), testSub, testEvent(7))
	require.Equal(t, transport.StatusFailed, res.Status)
	assert.Equal(t, 5, res.Attempts)
	assert.ErrorContains(t, res.Err, "unexpected status 500")
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 5 * time.Minute}, clock.Delays())
	assert.Len(t, ep.received(), 5)

	failed := ledger.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, StatusFailed, failed[0].Status)
	assert.Equal(t, "evt_orders_7", failed[0].EventID)
	assert.Equal(t, "sub-1", failed[0].SubscriptionID)
	assert.Equal(t, 5, failed[0].AttemptCount)
	assert.Equal(t, 1, ledger.FailedCount("orders-hook"))
}

func TestMaxAttemptsCapsSchedule(t *testing.T) {
	ep := &endpoint{respond: func(int) int { return http.StatusBadGateway }}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	a, _, clock := newTestAdapter(t, srv.URL, Config{MaxAttempts: 2})
	res := a.Deliver(context.Background(), testSub, testEvent(1))
	assert.Equal(t, transport.StatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, clock.Delays())

	long, _, longClock := newTestAdapter(t, srv.URL, Config{
		Schedule:    []time.Duration{0, time.Second},
		MaxAttempts: 4,
	})
	long.Deliver(context.Background(), testSub, testEvent(2))
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, longClock.Delays())
}

func TestPendingAttemptExposesNextRetry(t *testing.T) {
	ep := &endpoint{respond: func(int) int { return http.StatusServiceUnavailable }}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	a, ledger, clock := newTestAdapter(t, srv.URL, Config{MaxAttempts: 2})
	key := AttemptKey("orders-hook", "sub-1", "evt_orders_3")

	var pending DeliveryAttempt
	a.sleep = func(ctx context.Context, d time.Duration) bool {
		pending, _ = ledger.Get(key)
		return clock.sleep(ctx, d)
	}
	a.Deliver(context.Background(), testSub, testEvent(3))

	assert.Equal(t, StatusPending, pending.Status)
	assert.Equal(t, 1, pending.AttemptCount)
	assert.Equal(t, time.Unix(1700000001, 0), pending.NextRetryAt)
	assert.Contains(t, pending.LastError, "503")
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a, ledger, _ := newTestAdapter(t, srv.URL, Config{Timeout: 20 * time.Millisecond, MaxAttempts: 1})
	res := a.Deliver(context.Background(), testSub, testEvent(1))
	assert.Equal(t, transport.StatusFailed, res.Status)
	assert.Len(t, ledger.Failed(), 1)
}

func TestRetryRedeliversFailedEvent(t *testing.T) {
	var healthy atomic.Bool
	ep := &endpoint{respond: func(int) int {
		if healthy.Load() {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	}}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	a, ledger, _ := newTestAdapter(t, srv.URL, Config{MaxAttempts: 1})
	a.Deliver(context.Background(), testSub, testEvent(9))
	key := AttemptKey("orders-hook", "sub-1", "evt_orders_9")
	require.Len(t, ledger.Failed(), 1)

	assert.ErrorIs(t, ledger.Retry("missing"), ErrUnknownDelivery)

	healthy.Store(true)
	require.NoError(t, ledger.Retry(key))
	require.Eventually(t, func() bool {
		attempt, ok := ledger.Get(key)
		return ok && attempt.Status == StatusDelivered
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, ledger.Failed())
	assert.Len(t, ep.received(), 2)
}

func TestRetryAfterCloseKeepsFailure(t *testing.T) {
	ep := &endpoint{respond: func(int) int { return http.StatusInternalServerError }}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	a, ledger, _ := newTestAdapter(t, srv.URL, Config{MaxAttempts: 1})
	a.Deliver(context.Background(), testSub, testEvent(1))
	require.NoError(t, a.Close())

	key := AttemptKey("orders-hook", "sub-1", "evt_orders_1")
	assert.ErrorIs(t, ledger.Retry(key), ErrClosed)
	assert.Len(t, ledger.Failed(), 1)
}

func TestArchivedFailureIsRetriedAfterRestart(t *testing.T) {
	ctx := context.Background()
	var healthy atomic.Bool
	ep := &endpoint{respond: func(int) int {
		if healthy.Load() {
			return http.StatusOK
		}
		return http.StatusServiceUnavailable
	}}
	srv := httptest.NewServer(ep)
	defer srv.Close()

	store := changelog.NewMemoryStore()
	archive := NewStoreArchive(map[string]changelog.Store{"orders": store})

	a, ledger, _ := newTestAdapter(t, srv.URL, Config{MaxAttempts: 1})
	ledger.SetArchive(archive)
	a.Deliver(ctx, testSub, testEvent(9))
	require.Len(t, ledger.Failed(), 1)
	require.NoError(t, a.Close())

	key := AttemptKey("orders-hook", "sub-1", "evt_orders_9")
	parked, err := archive.Load(ctx, []string{"orders"})
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, key, parked[0].Attempt.Key)
	assert.Equal(t, "orders", parked[0].Attempt.Shard)
	assert.Equal(t, StatusFailed, parked[0].Attempt.Status)
	assert.Equal(t, "evt_orders_9", parked[0].Event.EventID)
	assert.Equal(t, "O1", parked[0].Event.Data["id"])

	// next process: nothing but the archive carries the failure over
	b, restored, _ := newTestAdapter(t, srv.URL, Config{MaxAttempts: 1})
	restored.SetArchive(archive)
	restored.Restore(b, parked[0].Attempt, parked[0].Event)
	require.Len(t, restored.Failed(), 1)

	assert.ErrorIs(t, restored.Retry(key), ErrUnbound)
	require.Len(t, restored.Failed(), 1)

	healthy.Store(true)
	b.Bind(&subscription.Active{ID: "sub-2"})
	require.NoError(t, restored.Retry(key))

	require.Eventually(t, func() bool {
		left, err := archive.Load(ctx, []string{"orders"})
		return err == nil && len(left) == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, restored.Failed())

	attempt, ok := restored.Get(AttemptKey("orders-hook", "sub-2", "evt_orders_9"))
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, attempt.Status)
	got := ep.received()
	assert.Equal(t, "evt_orders_9", got[len(got)-1].eventID)
}

func TestArchiveNeedsTheEventShard(t *testing.T) {
	archive := NewStoreArchive(map[string]changelog.Store{"orders": changelog.NewMemoryStore()})
	err := archive.Save(DeliveryAttempt{Key: "k", Shard: "users"}, testEvent(1))
	assert.ErrorContains(t, err, "users")

	_, err = archive.Load(context.Background(), []string{"users"})
	assert.Error(t, err)
}

func TestRecordFailureParksOverflow(t *testing.T) {
	a, ledger, _ := newTestAdapter(t, "http://127.0.0.1:1", Config{})
	a.RecordFailure(testSub, testEvent(4), "retry bound reached")

	failed := ledger.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "retry bound reached", failed[0].LastError)
	assert.Equal(t, 0, failed[0].AttemptCount)
}

func TestConfigFromSection(t *testing.T) {
	c := ConfigFrom(cfg.WebhookConfiguration{
		Name:        "hook",
		URL:         "https://example.com/hook",
		TimeoutMS:   1500,
		ScheduleMS:  []int{0, 1000, 5000, 30000, 300000},
		MaxAttempts: 5,
	})
	assert.Equal(t, DefaultSchedule, c.Schedule)
	assert.Equal(t, 1500*time.Millisecond, c.Timeout)

	ledger, err := NewLedger(0)
	require.NoError(t, err)
	_, err = NewAdapter(Config{Name: "bad", URL: "ftp://x"}, nil, ledger)
	assert.Error(t, err)
	_, err = NewAdapter(Config{URL: "http://x"}, nil, ledger)
	assert.Error(t, err)
}
