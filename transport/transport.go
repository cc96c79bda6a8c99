// Package transport defines the contract between the fanout layer and the
// delivery backends (push, webhook, event stream).
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/maxpert/ripple/subscription"
)

// Policy says what the fanout layer does when a subscriber falls behind
type Policy int

const (
	// DropOldest ends the subscription with a BUFFER_OVERFLOW error; the
	// consumer resubscribes and replays from its last sequence
	DropOldest Policy = iota
	// Accumulate keeps buffering up to the retry bound and records the
	// oldest event as failed beyond it
	Accumulate
)

func (p Policy) String() string {
	if p == Accumulate {
		return "accumulate"
	}
	return "drop_oldest"
}

// Status is the outcome of one Deliver call
type Status int

const (
	StatusDelivered Status = iota
	// StatusFailed means the adapter gave up on this event
	StatusFailed
	// StatusClosed means the consumer is gone; no further events can be delivered
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Result reports how a delivery ended
type Result struct {
	Status   Status
	Attempts int
	Err      error
}

func Delivered(attempts int) Result {
	return Result{Status: StatusDelivered, Attempts: attempts}
}

func Failed(attempts int, err error) Result {
	return Result{Status: StatusFailed, Attempts: attempts, Err: err}
}

func Closed(err error) Result {
	return Result{Status: StatusClosed, Err: err}
}

// Adapter delivers events for subscriptions. Deliver is called from one
// goroutine per subscription, in order, and must return promptly once ctx
// is cancelled.
type Adapter interface {
	Name() string
	Policy() Policy
	Deliver(ctx context.Context, sub *subscription.Active, ev subscription.Event) Result
	Close() error
}

// Controller is implemented by streaming adapters that carry control frames
type Controller interface {
	SendError(sub *subscription.Active, err *subscription.Error)
	SendComplete(sub *subscription.Active)
}

// FailureRecorder is implemented by retry-capable adapters that keep
// failed deliveries for operators
type FailureRecorder interface {
	RecordFailure(sub *subscription.Active, ev subscription.Event, reason string)
}

// Envelope is the serialized form of an event on every transport
type Envelope struct {
	EventID          string         `json:"event_id"`
	SubscriptionName string         `json:"subscription_name"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	Operation        string         `json:"operation"`
	SequenceNumber   uint64         `json:"sequence_number"`
	Timestamp        time.Time      `json:"timestamp"`
	Data             map[string]any `json:"data"`
}

func NewEnvelope(ev subscription.Event) Envelope {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		EventID:          ev.EventID,
		SubscriptionName: ev.SubscriptionName,
		EntityType:       ev.EntityType,
		EntityID:         ev.EntityID,
		Operation:        ev.Operation.String(),
		SequenceNumber:   ev.Sequence,
		Timestamp:        ev.Timestamp,
		Data:             data,
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
