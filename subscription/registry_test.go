package subscription

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/maxpert/ripple/changelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testingT is satisfied by *testing.T and *rapid.T
type testingT interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
}

func orderCatalog(t testingT) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		&Definition{
			Name:       "OrderCreated",
			EntityType: "Order",
			Operations: MaskOf(changelog.OpCreate),
			Filter:     Compare(OpGt, After("amount"), Var("min_amount")),
			Projection: []string{"id", "amount"},
		},
		&Definition{
			Name:       "OrderChanges",
			EntityType: "Order",
			Auth: AuthRequirement{
				Authenticated: true,
				RowFilter:     Compare(OpEq, Current("tenant"), Auth("tenant")),
			},
		},
		&Definition{
			Name:       "AuditLog",
			EntityType: "Order",
			Auth:       AuthRequirement{Roles: []string{"auditor", "admin"}},
		},
	)
	require.NoError(t, err)
	return c
}

func newTestRegistry(t testingT) *Registry {
	t.Helper()
	binder, err := NewBinder(64)
	require.NoError(t, err)
	return NewRegistry(orderCatalog(t), binder)
}

func TestCatalogValidation(t *testing.T) {
	_, err := NewCatalog(&Definition{Name: "A", EntityType: "Order"}, &Definition{Name: "A", EntityType: "Order"})
	assert.Error(t, err)

	_, err = NewCatalog(&Definition{Name: "A"})
	assert.Error(t, err)

	_, err = NewCatalog(&Definition{Name: "A", EntityType: "Order", Filter: Not(nil)})
	assert.Error(t, err)

	c, err := NewCatalog(&Definition{Name: "B", EntityType: "Order"}, &Definition{Name: "A", EntityType: "User"})
	require.NoError(t, err)
	assert.Equal(t, MaskAll, c.Definitions()[1].Operations)
	assert.Equal(t, "A", c.Definitions()[0].Name)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	content := `{
  "subscriptions": [
    {
      "name": "OrderCreated",
      "entity_type": "Order",
      "operations": ["INSERT"],
      "filter": {"kind": "compare", "op": "gt",
                 "left": {"source": "after", "path": "amount"},
                 "right": {"source": "var", "path": "min_amount"}},
      "projection": ["id", "amount"],
      "auth": {"authenticated": true}
    },
    {"name": "UserDeleted", "entity_type": "User", "operations": ["DELETE"]}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	def, ok := c.Get("OrderCreated")
	require.True(t, ok)
	assert.Equal(t, MaskCreate, def.Operations)
	assert.True(t, def.Auth.Authenticated)
	assert.Equal(t, OpGt, def.Filter.Op)

	b, err := Bind(def, AuthContext{Subject: "u"}, map[string]any{"min_amount": 10})
	require.NoError(t, err)
	assert.True(t, b.Evaluate(orderRecord(changelog.OpCreate, nil, changelog.Snapshot{"amount": 50.0})))

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSubscribeRejections(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		req  Request
		code Code
	}{
		{"unknown definition", Request{Definition: "Nope"}, CodeNotFound},
		{"missing variable", Request{Definition: "OrderCreated"}, CodeInvalidVariables},
		{"anonymous on authenticated", Request{Definition: "OrderChanges"}, CodeUnauthenticated},
		{"missing role", Request{Definition: "AuditLog", Auth: AuthContext{Subject: "u", Roles: []string{"viewer"}}}, CodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := r.Subscribe(tt.req, nil)
			assert.Nil(t, sub)
			assert.True(t, IsCode(err, tt.code), "got %v", err)
		})
	}
	assert.Equal(t, 0, r.Count())
}

func TestSubscribeRejectsDuplicateClientID(t *testing.T) {
	r := newTestRegistry(t)
	req := Request{
		Definition:   "OrderCreated",
		ClientID:     "1",
		ConnectionID: "c1",
		Variables:    map[string]any{"min_amount": 10},
	}

	sub, err := r.Subscribe(req, nil)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, sub.State())

	_, err = r.Subscribe(req, nil)
	assert.True(t, IsCode(err, CodeAlreadyExists))

	// same client id on another connection is fine
	req.ConnectionID = "c2"
	_, err = r.Subscribe(req, nil)
	require.NoError(t, err)

	// the id frees up after removal
	require.NoError(t, r.Unsubscribe(sub.ID))
	req.ConnectionID = "c1"
	_, err = r.Subscribe(req, nil)
	require.NoError(t, err)
}

func TestAttachFailureCreatesNothing(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Subscribe(Request{Definition: "OrderCreated", Variables: map[string]any{"min_amount": 1}},
		func(*Active) error { return errors.New("no room") })

	assert.True(t, IsCode(err, CodeInternal))
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Snapshot("Order"))
}

func TestRemoveRunsHooksAndClosesSubscription(t *testing.T) {
	r := newTestRegistry(t)

	type removal struct {
		state  State
		reason Reason
	}
	var mu sync.Mutex
	var seen []removal
	r.OnRemove(func(sub *Active, reason Reason) {
		mu.Lock()
		seen = append(seen, removal{sub.State(), reason})
		mu.Unlock()
	})

	auth := AuthContext{Subject: "alice", Claims: map[string]any{"tenant": "acme"}}
	a, err := r.Subscribe(Request{Definition: "OrderChanges", ConnectionID: "c1", ClientID: "1", Auth: auth}, nil)
	require.NoError(t, err)
	b, err := r.Subscribe(Request{Definition: "OrderChanges", ConnectionID: "c1", ClientID: "2", Auth: auth}, nil)
	require.NoError(t, err)
	c, err := r.Subscribe(Request{Definition: "OrderChanges", ConnectionID: "c2", ClientID: "1",
		Auth: AuthContext{Subject: "bob"}}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Unsubscribe(a.ID))
	assert.True(t, IsCode(r.Unsubscribe(a.ID), CodeNotFound))
	assert.Equal(t, StateClosed, a.State())

	assert.Equal(t, 1, r.RevokeSubject("alice"))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, 1, r.UnsubscribeConnection("c2", ReasonTransportClosed))
	assert.Equal(t, StateClosed, c.State())

	assert.Equal(t, []removal{
		{StateCompleting, ReasonUnsubscribe},
		{StateError, ReasonRevoked},
		{StateError, ReasonTransportClosed},
	}, seen)
	assert.Equal(t, 0, r.Count())
	assert.Nil(t, r.Snapshot("Order"))
}

func TestSnapshotsAreCopyOnWrite(t *testing.T) {
	r := newTestRegistry(t)
	vars := map[string]any{"min_amount": 10}

	a, err := r.Subscribe(Request{Definition: "OrderCreated", Variables: vars}, nil)
	require.NoError(t, err)
	before := r.Snapshot("Order")
	require.Len(t, before, 1)

	_, err = r.Subscribe(Request{Definition: "OrderCreated", Variables: vars}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Unsubscribe(a.ID))

	assert.Len(t, before, 1)
	assert.Same(t, a, before[0])
	assert.Len(t, r.Snapshot("Order"), 1)
	assert.Len(t, r.List(), 1)
}

func TestConcurrentSubscribeAndMatch(t *testing.T) {
	r := newTestRegistry(t)
	m := NewMatcher(r)
	rec := orderRecord(changelog.OpCreate, nil, changelog.Snapshot{"id": "O1", "amount": 50})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				for _, match := range m.Match("orders", rec) {
					assert.Equal(t, "O1", match.Event.EntityID)
				}
			}
		}
	}()

	var subs sync.WaitGroup
	for i := 0; i < 8; i++ {
		subs.Add(1)
		go func() {
			defer subs.Done()
			for j := 0; j < 50; j++ {
				sub, err := r.Subscribe(Request{Definition: "OrderCreated", Variables: map[string]any{"min_amount": j}}, nil)
				if !assert.NoError(t, err) {
					return
				}
				r.Remove(sub.ID, ReasonTransportClosed)
			}
		}()
	}
	subs.Wait()
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}
