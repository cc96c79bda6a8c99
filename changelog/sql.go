package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"

	defaultTable = "entity_change_log"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var sqlSchema = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS %[1]s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			before_data TEXT,
			after_data TEXT,
			occurred_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS %[1]s_checkpoint (
			shard TEXT PRIMARY KEY,
			last_seq INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS %[1]s_parked (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL
		)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS %[1]s (
			seq BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			entity_type VARCHAR(255) NOT NULL,
			entity_id VARCHAR(255) NOT NULL,
			operation VARCHAR(16) NOT NULL,
			before_data JSON NULL,
			after_data JSON NULL,
			occurred_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS %[1]s_checkpoint (
			shard VARCHAR(255) NOT NULL PRIMARY KEY,
			last_seq BIGINT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS %[1]s_parked (
			id VARCHAR(512) NOT NULL PRIMARY KEY,
			payload LONGBLOB NOT NULL
		)`,
	},
}

// SQLOptions tunes an SQLStore
type SQLOptions struct {
	Table string
	// SkipMigrate leaves schema management to the mutation engine
	SkipMigrate bool
}

// SQLStore reads and writes the change log through database/sql.
// Queries are built with goqu for the sqlite3 and mysql dialects.
type SQLStore struct {
	db         *sql.DB
	dialect    goqu.DialectWrapper
	table      string
	checkpoint string
	parked     string

	// appends are serialized so sequence order matches commit order
	appendMu sync.Mutex
	closed   atomic.Bool
}

// OpenSQLStore opens the database and ensures the schema exists
func OpenSQLStore(ctx context.Context, driver, dsn string, opts SQLOptions) (*SQLStore, error) {
	schema, ok := sqlSchema[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	table := opts.Table
	if table == "" {
		table = defaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	if !opts.SkipMigrate {
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, fmt.Sprintf(stmt, table)); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to create schema: %w", err)
			}
		}
	}

	return &SQLStore{
		db:         db,
		dialect:    goqu.Dialect(driver),
		table:      table,
		checkpoint: table + "_checkpoint",
		parked:     table + "_parked",
	}, nil
}

func (s *SQLStore) Append(ctx context.Context, records []ChangeRecord) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	seqs := make([]uint64, len(records))
	for i := range records {
		row, err := recordRow(&records[i])
		if err != nil {
			return err
		}

		query, args, err := s.dialect.Insert(s.table).Rows(row).Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("failed to build insert: %w", err)
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read assigned sequence: %w", err)
		}
		seqs[i] = uint64(id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}

	for i := range records {
		records[i].Sequence = seqs[i]
	}
	return nil
}

func (s *SQLStore) ReadSince(ctx context.Context, after uint64, limit int) ([]ChangeRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	limit = normalizeLimit(limit)

	query, args, err := s.dialect.
		From(s.table).
		Select("seq", "entity_type", "entity_id", "operation", "before_data", "after_data", "occurred_at").
		Where(goqu.C("seq").Gt(after)).
		Order(goqu.C("seq").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build read: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]ChangeRecord, 0, limit)
	for rows.Next() {
		var (
			seq           int64
			op            string
			before, after sql.NullString
			rec           ChangeRecord
		)
		if err := rows.Scan(&seq, &rec.EntityType, &rec.EntityID, &op, &before, &after, &rec.OccurredAt); err != nil {
			return nil, err
		}

		rec.Sequence = uint64(seq)
		if rec.Operation, err = ParseOperation(op); err != nil {
			return nil, fmt.Errorf("seq %d: %w: %v", seq, ErrRecordCorrupt, err)
		}
		if rec.Before, err = decodeSnapshot(before); err != nil {
			return nil, fmt.Errorf("seq %d: %w: %v", seq, ErrRecordCorrupt, err)
		}
		if rec.After, err = decodeSnapshot(after); err != nil {
			return nil, fmt.Errorf("seq %d: %w: %v", seq, ErrRecordCorrupt, err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, shard string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	query, args, err := s.dialect.
		From(s.checkpoint).
		Select("last_seq").
		Where(goqu.C("shard").Eq(shard)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build checkpoint read: %w", err)
	}

	var seq sql.NullInt64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, fmt.Errorf("shard %s: %w", shard, ErrCheckpointCorrupt)
	}
	return uint64(seq.Int64), nil
}

func (s *SQLStore) SetCheckpoint(ctx context.Context, shard string, seq uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	query, args, err := s.dialect.
		Insert(s.checkpoint).
		Rows(goqu.Record{"shard": shard, "last_seq": int64(seq)}).
		OnConflict(goqu.DoUpdate("shard", goqu.Record{"last_seq": int64(seq)})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint write: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) PutParked(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	query, args, err := s.dialect.
		Insert(s.parked).
		Rows(goqu.Record{"id": key, "payload": value}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{"payload": value})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build park: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to park %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) DeleteParked(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	query, args, err := s.dialect.
		Delete(s.parked).
		Where(goqu.C("id").Eq(key)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build unpark: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to unpark %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) ListParked(ctx context.Context) ([]Parked, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query, args, err := s.dialect.
		From(s.parked).
		Select("id", "payload").
		Order(goqu.C("id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build parked read: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Parked
	for rows.Next() {
		var p Parked
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for tests and migrations
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.db.Close()
}

func recordRow(r *ChangeRecord) (goqu.Record, error) {
	before, err := encodeSnapshot(r.Before)
	if err != nil {
		return nil, err
	}
	after, err := encodeSnapshot(r.After)
	if err != nil {
		return nil, err
	}
	return goqu.Record{
		"entity_type": r.EntityType,
		"entity_id":   r.EntityID,
		"operation":   r.Operation.String(),
		"before_data": before,
		"after_data":  after,
		"occurred_at": r.OccurredAt,
	}, nil
}

func encodeSnapshot(s Snapshot) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeSnapshot(v sql.NullString) (Snapshot, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(v.String), &s); err != nil {
		return nil, err
	}
	return s, nil
}
