package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/ripple/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Reason explains why a subscription was removed
type Reason int

const (
	ReasonClientComplete  Reason = iota // consumer sent complete
	ReasonUnsubscribe                   // server or operator ended it
	ReasonTransportClosed               // connection went away
	ReasonRevoked                       // subject's authorization was revoked
	ReasonOverflow                      // delivery queue overflowed
	ReasonDeliveryFailed                // transport gave up delivering
)

func (r Reason) String() string {
	switch r {
	case ReasonClientComplete:
		return "client_complete"
	case ReasonUnsubscribe:
		return "unsubscribe"
	case ReasonTransportClosed:
		return "transport_closed"
	case ReasonRevoked:
		return "revoked"
	case ReasonOverflow:
		return "overflow"
	case ReasonDeliveryFailed:
		return "delivery_failed"
	}
	return "unknown"
}

// state is where the lifecycle goes before CLOSED
func (r Reason) state() State {
	if r == ReasonClientComplete || r == ReasonUnsubscribe {
		return StateCompleting
	}
	return StateError
}

// Request asks to bind a definition for one consumer
type Request struct {
	Definition   string
	ClientID     string
	ConnectionID string
	Shard        string
	Auth         AuthContext
	Variables    map[string]any
}

// AttachFunc runs after validation and before the subscription becomes
// visible to the matcher. An error aborts the subscribe.
type AttachFunc func(*Active) error

// RemoveHook runs after a subscription left the registry, before CLOSED
type RemoveHook func(sub *Active, reason Reason)

// Registry holds live subscriptions. Mutations are serialized; the matcher
// reads per entity type snapshots that are replaced, never modified.
type Registry struct {
	catalog *Catalog
	binder  *Binder

	mu       sync.Mutex
	byClient map[string]string // connection + client id -> subscription id

	byID   *xsync.MapOf[string, *Active]
	byType *xsync.MapOf[string, []*Active]

	hooksMu sync.RWMutex
	hooks   []RemoveHook
}

func NewRegistry(catalog *Catalog, binder *Binder) *Registry {
	return &Registry{
		catalog:  catalog,
		binder:   binder,
		byClient: make(map[string]string),
		byID:     xsync.NewMapOf[string, *Active](),
		byType:   xsync.NewMapOf[string, []*Active](),
	}
}

func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// OnRemove registers a hook invoked for every removed subscription
func (r *Registry) OnRemove(hook RemoveHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMu.Unlock()
}

// Subscribe validates, authorizes and binds a request. Nothing is created
// when it fails.
func (r *Registry) Subscribe(req Request, attach AttachFunc) (*Active, error) {
	sub, err := r.subscribe(req, attach)
	if err != nil {
		code := AsError(err).Code
		telemetry.SubscribeTotal.With(string(code)).Inc()
		log.Debug().
			Str("subscription", req.Definition).
			Str("client_id", req.ClientID).
			Str("code", string(code)).
			Err(err).
			Msg("Subscribe rejected")
		return nil, err
	}

	telemetry.SubscribeTotal.With("ok").Inc()
	telemetry.ActiveSubscriptions.Set(float64(r.Count()))
	log.Debug().
		Str("id", sub.ID).
		Str("subscription", sub.Definition.Name).
		Str("client_id", sub.ClientID).
		Str("subject", sub.Auth.Subject).
		Msg("Subscription acknowledged")
	return sub, nil
}

func (r *Registry) subscribe(req Request, attach AttachFunc) (*Active, error) {
	def, ok := r.catalog.Get(req.Definition)
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown subscription %s", req.Definition)
	}
	if err := def.Auth.authorize(req.Auth); err != nil {
		return nil, err
	}

	binding, err := r.binder.Bind(def, req.Auth, req.Variables)
	if err != nil {
		return nil, err
	}

	sub := &Active{
		ID:           uuid.NewString(),
		ClientID:     req.ClientID,
		ConnectionID: req.ConnectionID,
		Shard:        req.Shard,
		Definition:   def,
		Auth:         req.Auth,
		Variables:    req.Variables,
		Binding:      binding,
		CreatedAt:    time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientKey(req.ConnectionID, req.ClientID)
	if req.ClientID != "" {
		if _, exists := r.byClient[key]; exists {
			return nil, Errorf(CodeAlreadyExists, "subscriber for id %s already exists", req.ClientID)
		}
	}

	if err := sub.Transition(StateAcknowledged); err != nil {
		return nil, Errorf(CodeInternal, "%v", err)
	}
	if attach != nil {
		if err := attach(sub); err != nil {
			return nil, AsError(err)
		}
	}

	if req.ClientID != "" {
		r.byClient[key] = sub.ID
	}
	r.byID.Store(sub.ID, sub)

	current, _ := r.byType.Load(def.EntityType)
	next := make([]*Active, 0, len(current)+1)
	next = append(next, current...)
	r.byType.Store(def.EntityType, append(next, sub))

	return sub, nil
}

// Remove takes a subscription out of the registry and runs remove hooks
func (r *Registry) Remove(id string, reason Reason) (*Active, bool) {
	r.mu.Lock()
	sub, ok := r.byID.LoadAndDelete(id)
	if !ok {
		r.mu.Unlock()
		return nil, false
	}

	if sub.ClientID != "" {
		delete(r.byClient, clientKey(sub.ConnectionID, sub.ClientID))
	}

	current, _ := r.byType.Load(sub.Definition.EntityType)
	next := make([]*Active, 0, len(current))
	for _, s := range current {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		r.byType.Delete(sub.Definition.EntityType)
	} else {
		r.byType.Store(sub.Definition.EntityType, next)
	}
	r.mu.Unlock()

	// an ERROR subscription stays ERROR whatever the reason
	_ = sub.Transition(reason.state())

	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(sub, reason)
	}

	if err := sub.Transition(StateClosed); err != nil {
		log.Error().Err(err).Str("id", sub.ID).Msg("Subscription lifecycle violated")
	}

	telemetry.ActiveSubscriptions.Set(float64(r.Count()))
	log.Debug().
		Str("id", sub.ID).
		Str("subscription", sub.Definition.Name).
		Str("reason", reason.String()).
		Msg("Subscription removed")
	return sub, true
}

// Unsubscribe ends a subscription on behalf of the server or an operator
func (r *Registry) Unsubscribe(id string) error {
	if _, ok := r.Remove(id, ReasonUnsubscribe); !ok {
		return Errorf(CodeNotFound, "no active subscription %s", id)
	}
	return nil
}

// UnsubscribeConnection removes every subscription opened on a connection
func (r *Registry) UnsubscribeConnection(connID string, reason Reason) int {
	return r.removeWhere(func(s *Active) bool { return s.ConnectionID == connID }, reason)
}

// RevokeSubject removes every subscription held by a subject
func (r *Registry) RevokeSubject(subject string) int {
	if subject == "" {
		return 0
	}
	return r.removeWhere(func(s *Active) bool { return s.Auth.Subject == subject }, ReasonRevoked)
}

func (r *Registry) removeWhere(pred func(*Active) bool, reason Reason) int {
	var ids []string
	r.byID.Range(func(id string, s *Active) bool {
		if pred(s) {
			ids = append(ids, id)
		}
		return true
	})

	n := 0
	for _, id := range ids {
		if _, ok := r.Remove(id, reason); ok {
			n++
		}
	}
	return n
}

func (r *Registry) Get(id string) (*Active, bool) {
	return r.byID.Load(id)
}

// List returns all subscriptions ordered by creation time
func (r *Registry) List() []*Active {
	out := make([]*Active, 0, r.byID.Size())
	r.byID.Range(func(_ string, s *Active) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Snapshot returns the subscriptions for an entity type. The slice must
// not be modified.
func (r *Registry) Snapshot(entityType string) []*Active {
	subs, _ := r.byType.Load(entityType)
	return subs
}

func (r *Registry) Count() int {
	return r.byID.Size()
}

func clientKey(connID, clientID string) string {
	return connID + "\x00" + clientID
}
