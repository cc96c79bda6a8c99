package changelog

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInjected is returned by MemoryStore while fault injection is armed
var ErrInjected = errors.New("changelog: injected failure")

// MemoryStore keeps the log in memory. It honours the same ordering
// contract as the durable stores and supports fault injection for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	records     []ChangeRecord
	lastSeq     uint64
	checkpoints map[string]uint64
	corrupt     map[string]bool
	parked      map[string][]byte
	closed      bool

	failReads       int
	failCheckpoints int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]uint64),
		corrupt:     make(map[string]bool),
		parked:      make(map[string][]byte),
	}
}

func (m *MemoryStore) Append(ctx context.Context, records []ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := prepareAppend(records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for i := range records {
		m.lastSeq++
		records[i].Sequence = m.lastSeq
		m.records = append(m.records, records[i])
	}
	return nil
}

// SkipSequences advances the sequence counter without writing, producing a gap
func (m *MemoryStore) SkipSequences(n uint64) {
	m.mu.Lock()
	m.lastSeq += n
	m.mu.Unlock()
}

func (m *MemoryStore) ReadSince(ctx context.Context, after uint64, limit int) ([]ChangeRecord, error) {
	limit = normalizeLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.failReads > 0 {
		m.failReads--
		return nil, ErrInjected
	}

	i := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].Sequence > after
	})

	end := i + limit
	if end > len(m.records) {
		end = len(m.records)
	}

	out := make([]ChangeRecord, end-i)
	copy(out, m.records[i:end])
	return out, nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, shard string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if m.corrupt[shard] {
		return 0, ErrCheckpointCorrupt
	}
	return m.checkpoints[shard], nil
}

func (m *MemoryStore) SetCheckpoint(ctx context.Context, shard string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failCheckpoints > 0 {
		m.failCheckpoints--
		return ErrInjected
	}
	m.checkpoints[shard] = seq
	delete(m.corrupt, shard)
	return nil
}

func (m *MemoryStore) PutParked(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.parked[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) DeleteParked(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.parked, key)
	return nil
}

func (m *MemoryStore) ListParked(ctx context.Context) ([]Parked, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Parked, 0, len(m.parked))
	for key, value := range m.parked {
		out = append(out, Parked{Key: key, Value: append([]byte(nil), value...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}

// FailReads makes the next n ReadSince calls fail
func (m *MemoryStore) FailReads(n int) {
	m.mu.Lock()
	m.failReads = n
	m.mu.Unlock()
}

// FailCheckpoints makes the next n SetCheckpoint calls fail
func (m *MemoryStore) FailCheckpoints(n int) {
	m.mu.Lock()
	m.failCheckpoints = n
	m.mu.Unlock()
}

// CorruptCheckpoint makes GetCheckpoint for shard return ErrCheckpointCorrupt
func (m *MemoryStore) CorruptCheckpoint(shard string) {
	m.mu.Lock()
	m.corrupt[shard] = true
	m.mu.Unlock()
}

// Len returns the number of stored records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
