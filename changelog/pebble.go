package changelog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/ripple/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixLog        = "/log/"        // /log/{16-digit-zero-padded-seq}
	prefixCheckpoint = "/checkpoint/" // /checkpoint/{shard}
	prefixParked     = "/parked/"     // /parked/{key}
	keySequence      = "/seq"         // last assigned sequence
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Compact every 128 checkpoint advances
const cleanupIntervalMask = 0x7F

// PebbleOptions tunes a PebbleStore
type PebbleOptions struct {
	// RetainRecords keeps this many records below the lowest checkpoint so
	// clients can replay recent history. Zero keeps the whole log.
	RetainRecords uint64
}

// PebbleStore is a durable single-writer change log
type PebbleStore struct {
	db     *pebble.DB
	path   string
	retain uint64

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	checkpoints   map[string]uint64
	checkpointsMu sync.RWMutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenPebbleStore creates or opens a Pebble-backed change log at path
func OpenPebbleStore(path string, opts PebbleOptions) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open change log at %s: %w", path, err)
	}

	s := &PebbleStore{
		db:          db,
		path:        path,
		retain:      opts.RetainRecords,
		checkpoints: make(map[string]uint64),
	}

	if err := s.loadSequence(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	if err := s.loadCheckpoints(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PebbleStore) loadSequence() error {
	val, closer, err := s.db.Get([]byte(keySequence))
	if err == pebble.ErrNotFound {
		s.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	s.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (s *PebbleStore) loadCheckpoints() error {
	prefix := []byte(prefixCheckpoint)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		shard := string(iter.Key()[len(prefixCheckpoint):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("shard %s: %w (length %d)", shard, ErrCheckpointCorrupt, len(val))
		}
		s.checkpoints[shard] = binary.LittleEndian.Uint64(val)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(s.checkpoints) > 0 {
		log.Info().Int("checkpoints", len(s.checkpoints)).Str("path", s.path).Msg("Loaded change log checkpoints")
	}
	return nil
}

// Append assigns sequence numbers and writes records in one synced batch.
// Sequence numbers are only published after the batch commits.
func (s *PebbleStore) Append(ctx context.Context, records []ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := prepareAppend(records); err != nil {
		return err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	seq := s.lastSeq.Load()
	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range records {
		seq++
		records[i].Sequence = seq

		val, err := encoding.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := batch.Set(logKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := batch.Set([]byte(keySequence), encodeUint64(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		for i := range records {
			records[i].Sequence = 0
		}
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	s.lastSeq.Store(seq)
	return nil
}

// ReadSince returns up to limit records after the given sequence
func (s *PebbleStore) ReadSince(ctx context.Context, after uint64, limit int) ([]ChangeRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	limit = normalizeLimit(limit)

	start := logKey(after + 1)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixLog)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]ChangeRecord, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(records) < limit; iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var rec ChangeRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return nil, fmt.Errorf("key %s: %w: %v", iter.Key(), ErrRecordCorrupt, err)
		}
		records = append(records, rec)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetCheckpoint returns the stored checkpoint for a shard
func (s *PebbleStore) GetCheckpoint(ctx context.Context, shard string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.checkpointsMu.RLock()
	seq, ok := s.checkpoints[shard]
	s.checkpointsMu.RUnlock()
	if ok {
		return seq, nil
	}

	val, closer, err := s.db.Get([]byte(prefixCheckpoint + shard))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("shard %s: %w (length %d)", shard, ErrCheckpointCorrupt, len(val))
	}
	seq = binary.LittleEndian.Uint64(val)

	s.checkpointsMu.Lock()
	if existing, ok := s.checkpoints[shard]; ok {
		s.checkpointsMu.Unlock()
		return existing, nil
	}
	s.checkpoints[shard] = seq
	s.checkpointsMu.Unlock()

	return seq, nil
}

// SetCheckpoint persists the checkpoint and periodically compacts the log
func (s *PebbleStore) SetCheckpoint(ctx context.Context, shard string, seq uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.db.Set([]byte(prefixCheckpoint+shard), encodeUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	s.checkpointsMu.Lock()
	prev := s.checkpoints[shard]
	s.checkpoints[shard] = seq
	s.checkpointsMu.Unlock()

	// Trigger when the checkpoint crosses a 128 boundary
	if s.retain > 0 && prev|cleanupIntervalMask < seq {
		if s.cleanupRunning.CompareAndSwap(false, true) {
			s.cleanupWg.Add(1)
			go s.cleanupAsync()
		}
	}

	return nil
}

// PutParked writes a parked value with a synced write
func (s *PebbleStore) PutParked(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.db.Set([]byte(prefixParked+key), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to park %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) DeleteParked(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.db.Delete([]byte(prefixParked+key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to unpark %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) ListParked(ctx context.Context) ([]Parked, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(prefixParked)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Parked
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		out = append(out, Parked{
			Key:   string(iter.Key()[len(prefixParked):]),
			Value: append([]byte(nil), val...),
		})
	}
	return out, iter.Error()
}

// LastSequence returns the highest assigned sequence
func (s *PebbleStore) LastSequence() uint64 {
	return s.lastSeq.Load()
}

// cleanup deletes records older than the retention window below the
// lowest checkpoint. Safe to call directly from tests.
func (s *PebbleStore) cleanup() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if s.closed.Load() || s.retain == 0 {
		return
	}

	s.checkpointsMu.RLock()
	if len(s.checkpoints) == 0 {
		s.checkpointsMu.RUnlock()
		return
	}
	low := ^uint64(0)
	for _, seq := range s.checkpoints {
		if seq < low {
			low = seq
		}
	}
	s.checkpointsMu.RUnlock()

	if low <= s.retain {
		return
	}
	floor := low - s.retain

	if err := s.db.DeleteRange([]byte(prefixLog), logKey(floor), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("floor", floor).Msg("Failed to compact change log")
		return
	}

	log.Debug().Uint64("floor", floor).Msg("Compacted change log")
}

func (s *PebbleStore) cleanupAsync() {
	defer s.cleanupWg.Done()
	defer s.cleanupRunning.Store(false)
	s.cleanup()
}

// Close waits for in-flight compaction and closes the database
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	s.cleanupWg.Wait()
	return s.db.Close()
}

func logKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixLog, seq))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
