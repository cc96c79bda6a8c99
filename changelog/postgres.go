package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Signaler receives append notifications; notify.Hub satisfies it
type Signaler interface {
	Signal(shard string, seq uint64)
}

// PostgresOptions tunes a PostgresStore
type PostgresOptions struct {
	Table string
	// NotifyChannel, when set, is notified with the last sequence after
	// every Append so other processes can wake their pollers.
	NotifyChannel string
	SkipMigrate   bool
}

// PostgresStore keeps the change log in Postgres through a pgx pool
type PostgresStore struct {
	pool       *pgxpool.Pool
	table      string
	checkpoint string
	parked     string
	channel    string

	appendMu sync.Mutex
	closed   atomic.Bool
}

// OpenPostgresStore connects, pings and migrates
func OpenPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	table := opts.Table
	if table == "" {
		table = defaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{
		pool:       pool,
		table:      table,
		checkpoint: table + "_checkpoint",
		parked:     table + "_parked",
		channel:    opts.NotifyChannel,
	}

	if !opts.SkipMigrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			before_data JSONB,
			after_data JSONB,
			occurred_at BIGINT NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			shard TEXT PRIMARY KEY,
			last_seq BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.checkpoint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.parked),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate change log: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, records []ChangeRecord) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := fmt.Sprintf(`INSERT INTO %s (entity_type, entity_id, operation, before_data, after_data, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`, s.table)

	seqs := make([]uint64, len(records))
	for i := range records {
		r := &records[i]
		before, err := jsonOrNil(r.Before)
		if err != nil {
			return err
		}
		after, err := jsonOrNil(r.After)
		if err != nil {
			return err
		}

		var seq int64
		if err := tx.QueryRow(ctx, insert, r.EntityType, r.EntityID, r.Operation.String(), before, after, r.OccurredAt).Scan(&seq); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		seqs[i] = uint64(seq)
	}

	if s.channel != "" {
		last := strconv.FormatUint(seqs[len(seqs)-1], 10)
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, last); err != nil {
			return fmt.Errorf("notify append: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	for i := range records {
		records[i].Sequence = seqs[i]
	}
	return nil
}

func (s *PostgresStore) ReadSince(ctx context.Context, after uint64, limit int) ([]ChangeRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	limit = normalizeLimit(limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT seq, entity_type, entity_id, operation, before_data, after_data, occurred_at
		 FROM %s WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, s.table),
		int64(after), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	defer rows.Close()

	records := make([]ChangeRecord, 0, limit)
	for rows.Next() {
		var (
			seq           int64
			op            string
			before, after []byte
			rec           ChangeRecord
		)
		if err := rows.Scan(&seq, &rec.EntityType, &rec.EntityID, &op, &before, &after, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		rec.Sequence = uint64(seq)
		if rec.Operation, err = ParseOperation(op); err != nil {
			return nil, fmt.Errorf("seq %d: %w: %v", seq, ErrRecordCorrupt, err)
		}
		if len(before) > 0 {
			if err := json.Unmarshal(before, &rec.Before); err != nil {
				return nil, fmt.Errorf("seq %d: %w: %v", seq, ErrRecordCorrupt, err)
			}
		}
		if len(after) > 0 {
			if err := json.Unmarshal(after, &rec.After); err != nil {
				return nil, fmt.Errorf("seq %d: %w: %v", seq, ErrRecordCorrupt, err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, shard string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	var seq *int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT last_seq FROM %s WHERE shard = $1", s.checkpoint), shard,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if seq == nil || *seq < 0 {
		return 0, fmt.Errorf("shard %s: %w", shard, ErrCheckpointCorrupt)
	}
	return uint64(*seq), nil
}

func (s *PostgresStore) SetCheckpoint(ctx context.Context, shard string, seq uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (shard, last_seq, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (shard) DO UPDATE SET last_seq = EXCLUDED.last_seq, updated_at = EXCLUDED.updated_at`,
		s.checkpoint), shard, int64(seq))
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutParked(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, payload, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		s.parked), key, value)
	if err != nil {
		return fmt.Errorf("park %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteParked(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.parked), key); err != nil {
		return fmt.Errorf("unpark %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListParked(ctx context.Context) ([]Parked, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT id, payload FROM %s ORDER BY id", s.parked))
	if err != nil {
		return nil, fmt.Errorf("read parked: %w", err)
	}
	defer rows.Close()

	var out []Parked
	for rows.Next() {
		var p Parked
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("scan parked: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parked: %w", err)
	}
	return out, nil
}

// Listen turns NOTIFY messages on channel into wake-up signals for shard.
// It blocks until ctx is cancelled.
func (s *PostgresStore) Listen(ctx context.Context, channel string, sig Signaler, shard string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		seq, err := strconv.ParseUint(n.Payload, 10, 64)
		if err != nil {
			log.Debug().Str("payload", n.Payload).Msg("Non-numeric change log notification")
		}
		sig.Signal(shard, seq)
	}
}

func (s *PostgresStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.pool.Close()
	return nil
}

func jsonOrNil(s Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}
