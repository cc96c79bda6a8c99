package changelog

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of mutation a change record captures
type Operation uint8

const (
	OpCreate Operation = 1
	OpUpdate Operation = 2
	OpDelete Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// ParseOperation accepts the names emitted by mutation engines.
// INSERT is treated as CREATE.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATE", "INSERT":
		return OpCreate, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// Snapshot is the full field map of an entity before or after a mutation
type Snapshot map[string]any

// Lookup resolves a dotted path ("customer.tier") through nested maps
func (s Snapshot) Lookup(path string) (any, bool) {
	if s == nil {
		return nil, false
	}

	var cur any = map[string]any(s)
	for _, part := range strings.Split(path, ".") {
		var (
			v  any
			ok bool
		)
		switch m := cur.(type) {
		case map[string]any:
			v, ok = m[part]
		case Snapshot:
			v, ok = m[part]
		default:
			return nil, false
		}
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// ChangeRecord is one committed mutation. Immutable once appended.
type ChangeRecord struct {
	Sequence   uint64    `msgpack:"seq"`
	EntityType string    `msgpack:"type"`
	EntityID   string    `msgpack:"id"`
	Operation  Operation `msgpack:"op"`
	Before     Snapshot  `msgpack:"before,omitempty"`
	After      Snapshot  `msgpack:"after,omitempty"`
	OccurredAt int64     `msgpack:"ts"` // unix ms
}

// Current returns the snapshot describing the entity as of this record:
// After, or Before for deletes.
func (r *ChangeRecord) Current() Snapshot {
	if r.Operation == OpDelete {
		return r.Before
	}
	return r.After
}

// Time returns OccurredAt as a time.Time
func (r *ChangeRecord) Time() time.Time {
	return time.UnixMilli(r.OccurredAt).UTC()
}

// Validate checks the shape of a record before it is appended
func (r *ChangeRecord) Validate() error {
	if r.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if r.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	switch r.Operation {
	case OpCreate:
		if r.After == nil {
			return fmt.Errorf("create requires an after snapshot")
		}
	case OpUpdate:
		if r.After == nil {
			return fmt.Errorf("update requires an after snapshot")
		}
	case OpDelete:
		if r.Before == nil {
			return fmt.Errorf("delete requires a before snapshot")
		}
	default:
		return fmt.Errorf("invalid operation %d", r.Operation)
	}
	return nil
}

// Batch is a contiguous read from one shard, ascending by sequence
type Batch struct {
	Shard   string
	Records []ChangeRecord
}

func (b Batch) Len() int {
	return len(b.Records)
}

// First returns the lowest sequence in the batch, 0 when empty
func (b Batch) First() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[0].Sequence
}

// Last returns the highest sequence in the batch, 0 when empty
func (b Batch) Last() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].Sequence
}
