package stream

import (
	"context"
	"sync"
)

// MockProducer records published messages and can fail on demand
type MockProducer struct {
	mu       sync.Mutex
	messages []Message
	failures int
	err      error
	attempts int
	closed   bool
}

// FailNext makes the next n Publish calls return err; n < 0 fails every call
func (m *MockProducer) FailNext(n int, err error) {
	m.mu.Lock()
	m.failures = n
	m.err = err
	m.mu.Unlock()
}

func (m *MockProducer) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MockProducer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Messages returns a copy of the published messages
func (m *MockProducer) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Attempts counts Publish calls including failed ones
func (m *MockProducer) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockProducer) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
