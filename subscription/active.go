package subscription

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/ripple/changelog"
)

// State is the lifecycle of an active subscription on a streaming transport
type State int32

const (
	StateConnecting State = iota
	StateAcknowledged
	StateStreaming
	StateError
	StateCompleting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StateStreaming:
		return "STREAMING"
	case StateError:
		return "ERROR"
	case StateCompleting:
		return "COMPLETING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the subscription no longer receives events
func (s State) Terminal() bool {
	return s >= StateError
}

var transitions = map[State][]State{
	StateConnecting:   {StateAcknowledged, StateError},
	StateAcknowledged: {StateStreaming, StateError, StateCompleting},
	StateStreaming:    {StateError, StateCompleting},
	StateError:        {StateClosed},
	StateCompleting:   {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active binds one definition to one consumer. It lives only in memory; a
// reconnect creates a new Active with a new ID.
type Active struct {
	ID           string
	ClientID     string // id chosen by the consumer, unique per connection
	ConnectionID string
	Shard        string // empty matches every shard
	Definition   *Definition
	Auth         AuthContext
	Variables    map[string]any
	Binding      *Binding
	CreatedAt    time.Time

	state atomic.Int32

	// sequences are per shard; a subscription spanning shards keeps one
	// position for each
	deliveredMu sync.Mutex
	delivered   map[string]uint64
}

func (a *Active) State() State {
	return State(a.state.Load())
}

// Transition moves to the next state, rejecting transitions the lifecycle
// does not allow
func (a *Active) Transition(to State) error {
	for {
		from := a.State()
		if from == to {
			return nil
		}
		if !canTransition(from, to) {
			return fmt.Errorf("subscription %s: invalid transition %s -> %s", a.ID, from, to)
		}
		if a.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// MarkDelivered records a delivered sequence of a shard. The first delivery
// moves an acknowledged subscription to STREAMING.
func (a *Active) MarkDelivered(shard string, seq uint64) {
	a.deliveredMu.Lock()
	if a.delivered == nil {
		a.delivered = make(map[string]uint64, 1)
	}
	if seq > a.delivered[shard] {
		a.delivered[shard] = seq
	}
	a.deliveredMu.Unlock()

	a.state.CompareAndSwap(int32(StateAcknowledged), int32(StateStreaming))
}

// LastSequenceOf is the highest sequence of shard delivered so far
func (a *Active) LastSequenceOf(shard string) uint64 {
	a.deliveredMu.Lock()
	defer a.deliveredMu.Unlock()
	return a.delivered[shard]
}

// LastSequence is the highest sequence delivered on the subscription's
// shard. A subscription spanning several shards has no single position and
// reports 0 once it has seen more than one of them.
func (a *Active) LastSequence() uint64 {
	a.deliveredMu.Lock()
	defer a.deliveredMu.Unlock()

	if a.Shard != "" {
		return a.delivered[a.Shard]
	}
	if len(a.delivered) != 1 {
		return 0
	}
	for _, seq := range a.delivered {
		return seq
	}
	return 0
}

// LastSequences returns the delivered position of every shard seen
func (a *Active) LastSequences() map[string]uint64 {
	a.deliveredMu.Lock()
	defer a.deliveredMu.Unlock()

	out := make(map[string]uint64, len(a.delivered))
	for shard, seq := range a.delivered {
		out[shard] = seq
	}
	return out
}

// Accepts reports whether a record from the shard is a match for this
// subscription: entity type, operation, filter and row filter
func (a *Active) Accepts(shard string, rec *changelog.ChangeRecord) bool {
	if a.Shard != "" && a.Shard != shard {
		return false
	}
	def := a.Definition
	if rec.EntityType != def.EntityType || !def.Operations.Includes(rec.Operation) {
		return false
	}
	return a.Binding.Evaluate(rec)
}

// Info is a serializable view for operators
type Info struct {
	ID            string            `json:"id"`
	ClientID      string            `json:"client_id,omitempty"`
	ConnectionID  string            `json:"connection_id,omitempty"`
	Subscription  string            `json:"subscription"`
	EntityType    string            `json:"entity_type"`
	Shard         string            `json:"shard,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	State         State             `json:"state"`
	LastSequence  uint64            `json:"last_sequence"`
	LastSequences map[string]uint64 `json:"last_sequences,omitempty"` // subscriptions spanning shards
	CreatedAt     time.Time         `json:"created_at"`
}

func (a *Active) Info() Info {
	info := Info{
		ID:           a.ID,
		ClientID:     a.ClientID,
		ConnectionID: a.ConnectionID,
		Subscription: a.Definition.Name,
		EntityType:   a.Definition.EntityType,
		Shard:        a.Shard,
		Subject:      a.Auth.Subject,
		State:        a.State(),
		LastSequence: a.LastSequence(),
		CreatedAt:    a.CreatedAt,
	}
	if a.Shard == "" {
		info.LastSequences = a.LastSequences()
	}
	return info
}
