package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/changelog"
	"github.com/maxpert/ripple/pipeline"
	"github.com/maxpert/ripple/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "admin-token"

type adminFixture struct {
	pipeline *pipeline.Pipeline
	server   *httptest.Server
	healthy  *atomic.Bool
	hits     *atomic.Int32
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	healthy := &atomic.Bool{}
	hits := &atomic.Int32{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(hook.Close)

	catalog, err := subscription.NewCatalog(&subscription.Definition{
		Name:       "OrderCreated",
		EntityType: "Order",
		Operations: subscription.MaskOf(changelog.OpCreate),
		Filter:     subscription.Compare(subscription.OpGt, subscription.After("amount"), subscription.Var("min_amount")),
	})
	require.NoError(t, err)

	config := cfg.Default()
	config.Shards = []cfg.ShardConfiguration{{Name: "orders", Backend: cfg.StoreMemory, BatchSize: 10, PollIntervalMS: 5}}
	config.Webhooks = []cfg.WebhookConfiguration{{
		Name:         "hook",
		Subscription: "OrderCreated",
		URL:          hook.URL,
		ScheduleMS:   []int{0},
		MaxAttempts:  1,
		Subject:      "svc-orders",
		Variables:    map[string]any{"min_amount": 10},
	}}

	p, err := pipeline.New(context.Background(), config, pipeline.Options{Catalog: catalog})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(p), testToken)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &adminFixture{pipeline: p, server: srv, healthy: healthy, hits: hits}
}

func (f *adminFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *adminFixture) appendOrder(t *testing.T, id string, amount int) {
	t.Helper()
	resp, _ := f.do(t, http.MethodPost, "/admin/shards/orders/records", map[string]any{
		"records": []map[string]any{{
			"entity_type": "Order",
			"entity_id":   id,
			"operation":   "INSERT",
			"after":       map[string]any{"id": id, "amount": amount},
		}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newAdminFixture(t)

	resp, err := http.Get(f.server.URL + "/admin/subscriptions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/admin/subscriptions", nil)
	req.Header.Set(TokenHeader, "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, f.server.URL+"/admin/subscriptions", nil)
	req.Header.Set(TokenHeader, testToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListAndRemoveSubscriptions(t *testing.T) {
	f := newAdminFixture(t)

	resp, body := f.do(t, http.MethodGet, "/admin/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	info := list[0].(map[string]any)
	assert.Equal(t, "OrderCreated", info["subscription"])
	assert.Equal(t, "webhook:hook", info["connection_id"])
	assert.Equal(t, "ACKNOWLEDGED", info["state"])
	id := info["id"].(string)

	resp, body = f.do(t, http.MethodGet, "/admin/subscriptions?entity_type=User", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["data"])

	resp, _ = f.do(t, http.MethodGet, "/admin/subscriptions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/admin/subscriptions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodDelete, "/admin/subscriptions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, string(subscription.CodeNotFound), errBody["code"])
}

func TestRevokeSubject(t *testing.T) {
	f := newAdminFixture(t)

	resp, body := f.do(t, http.MethodPost, "/admin/subjects/svc-orders/revoke", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["data"].(map[string]any)["revoked"])
	assert.Equal(t, 0, f.pipeline.Registry().Count())
}

func TestAppendAndShards(t *testing.T) {
	f := newAdminFixture(t)
	f.healthy.Store(true)

	f.appendOrder(t, "O1", 50)
	require.Eventually(t, func() bool { return f.hits.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/admin/shards", nil)
		shards := body["data"].([]any)
		return len(shards) == 1 && shards[0].(map[string]any)["checkpoint"] == float64(1)
	}, 5*time.Second, 5*time.Millisecond)

	resp, _ := f.do(t, http.MethodPost, "/admin/shards/users/records", map[string]any{
		"records": []map[string]any{{"entity_type": "User", "entity_id": "U1", "operation": "CREATE", "after": map[string]any{}}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/shards/orders/records", map[string]any{
		"records": []map[string]any{{"entity_type": "Order", "entity_id": "O2", "operation": "MERGE"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/shards/orders/records", map[string]any{
		"records": []map[string]any{{"entity_type": "Order", "operation": "CREATE", "after": map[string]any{}}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFailedDeliveryRetry(t *testing.T) {
	f := newAdminFixture(t)

	f.appendOrder(t, "O1", 50)

	var key string
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/admin/deliveries/failed", nil)
		failed := body["data"].([]any)
		if len(failed) != 1 {
			return false
		}
		entry := failed[0].(map[string]any)
		key = entry["key"].(string)
		return entry["status"] == "failed" && entry["event_id"] == "evt_orders_1"
	}, 5*time.Second, 5*time.Millisecond)

	f.healthy.Store(true)
	resp, _ := f.do(t, http.MethodPost, "/admin/deliveries/failed/"+url.PathEscape(key)+"/retry", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return f.hits.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	_, body := f.do(t, http.MethodGet, "/admin/deliveries/failed", nil)
	assert.Empty(t, body["data"])

	resp, _ = f.do(t, http.MethodPost, "/admin/deliveries/failed/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReplayEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	f.healthy.Store(true)

	f.appendOrder(t, "O1", 50)
	f.appendOrder(t, "O2", 5)
	require.Eventually(t, func() bool { return f.hits.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	id := f.pipeline.Registry().List()[0].ID
	resp, body := f.do(t, http.MethodPost, "/admin/subscriptions/"+id+"/replay?after=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(1), data["replayed"])
	assert.Equal(t, float64(2), data["last_sequence"])
	require.Eventually(t, func() bool { return f.hits.Load() == 2 }, 5*time.Second, 5*time.Millisecond)

	resp, _ = f.do(t, http.MethodPost, "/admin/subscriptions/"+id+"/replay?after=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/subscriptions/missing/replay", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
