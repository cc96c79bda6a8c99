// Package changelog holds the append-only record of committed mutations and
// the per-shard checkpoints of the pollers reading it.
//
// Every Store assigns strictly increasing, never reused sequence numbers and
// returns records in ascending sequence order. Gaps are permitted.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by every operation on a closed store
	ErrClosed = errors.New("changelog: store is closed")

	// ErrCheckpointCorrupt means a persisted checkpoint cannot be decoded.
	// Resuming would risk skipping or replaying an unknown range, so callers
	// must treat it as fatal.
	ErrCheckpointCorrupt = errors.New("changelog: checkpoint is corrupt")

	// ErrRecordCorrupt means a stored record cannot be decoded. Skipping it
	// would silently drop an event, so callers must treat it as fatal.
	ErrRecordCorrupt = errors.New("changelog: record is corrupt")
)

const defaultReadLimit = 100

// Store is the EventLogStore contract
type Store interface {
	// Append assigns sequence numbers to records (in place) and persists them
	Append(ctx context.Context, records []ChangeRecord) error
	// ReadSince returns up to limit records with Sequence > after, ascending
	ReadSince(ctx context.Context, after uint64, limit int) ([]ChangeRecord, error)
	// GetCheckpoint returns the last processed sequence for a shard, 0 if none
	GetCheckpoint(ctx context.Context, shard string) (uint64, error)
	// SetCheckpoint persists the last processed sequence for a shard
	SetCheckpoint(ctx context.Context, shard string, seq uint64) error

	// PutParked keeps an opaque value outside the log, replacing any value
	// already under key. Parked values hold deliveries that gave up and wait
	// for an operator.
	PutParked(ctx context.Context, key string, value []byte) error
	// DeleteParked removes a parked value; a missing key is not an error
	DeleteParked(ctx context.Context, key string) error
	// ListParked returns every parked value ordered by key
	ListParked(ctx context.Context) ([]Parked, error)

	Close() error
}

// Parked is one value kept by PutParked
type Parked struct {
	Key   string
	Value []byte
}

// prepareAppend validates records and fills in missing timestamps
func prepareAppend(records []ChangeRecord) error {
	now := time.Now().UnixMilli()
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if records[i].OccurredAt == 0 {
			records[i].OccurredAt = now
		}
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultReadLimit
	}
	return limit
}
