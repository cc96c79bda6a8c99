// Package push implements the multiplexed push protocol. One connection
// carries many subscriptions, each keyed by an id the client picks.
//
// Frames follow the graphql-transport-ws shape: the client opens with
// connection_init, then sends subscribe and complete; the server answers
// with connection_ack, subscribe_ack, next, error and complete. Either side
// may ping.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/transport"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageType is the type field of a frame
type MessageType string

const (
	MsgConnectionInit MessageType = "connection_init"
	MsgConnectionAck  MessageType = "connection_ack"
	MsgSubscribe      MessageType = "subscribe"
	MsgSubscribeAck   MessageType = "subscribe_ack"
	MsgNext           MessageType = "next"
	MsgError          MessageType = "error"
	MsgComplete       MessageType = "complete"
	MsgPing           MessageType = "ping"
	MsgPong           MessageType = "pong"
)

// Message is one protocol frame
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a subscribe frame
type SubscribePayload struct {
	Subscription string         `json:"subscription"`
	Variables    map[string]any `json:"variables,omitempty"`
	// FromSequence asks for a replay of everything after this sequence
	// before live events
	FromSequence *uint64 `json:"from_sequence,omitempty"`
	Shard        string  `json:"shard,omitempty"`
}

// SubscribeAckPayload tells the client the server-side subscription id
type SubscribeAckPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

func newMessage(id string, typ MessageType, payload any) (*Message, error) {
	msg := &Message{ID: id, Type: typ}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = data
	return msg, nil
}

// NextMessage builds a next frame carrying an event envelope
func NextMessage(id string, ev subscription.Event) (*Message, error) {
	return newMessage(id, MsgNext, transport.NewEnvelope(ev))
}

// ErrorMessage builds an error frame
func ErrorMessage(id string, err *subscription.Error) *Message {
	msg, encErr := newMessage(id, MsgError, err)
	if encErr != nil {
		msg = &Message{ID: id, Type: MsgError}
	}
	return msg
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// toStruct converts a frame to the protobuf Struct carried on the wire
func toStruct(m *Message) (*structpb.Struct, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func fromStruct(st *structpb.Struct) (*Message, error) {
	data, err := protojson.Marshal(st)
	if err != nil {
		return nil, err
	}
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, fmt.Errorf("frame has no type")
	}
	return m, nil
}
