// Package stream publishes subscription events to an event-streaming
// system. Messages are keyed by entity id so every change to one entity
// lands on the same partition, and routed to a destination derived from the
// entity type and operation.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/ripple/cfg"
)

// Message is one record handed to a Producer. A nil Value is a tombstone.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Producer writes messages to a broker. Publish must honour ctx.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// ProducerFactory creates a Producer from a stream configuration
type ProducerFactory func(cfg.StreamConfiguration) (Producer, error)

var (
	producerFactories = make(map[string]ProducerFactory)
	factoryMu         sync.RWMutex
)

// RegisterProducer registers a producer factory for a stream type
func RegisterProducer(streamType string, factory ProducerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	producerFactories[streamType] = factory
}

// NewProducer creates the producer registered for config.Type
func NewProducer(config cfg.StreamConfiguration) (Producer, error) {
	factoryMu.RLock()
	factory, ok := producerFactories[config.Type]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown stream type: %s", config.Type)
	}
	return factory(config)
}
