// Package checkpoint persists replay memory snapshots in SQLite or PostgreSQL.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates no checkpoint exists under the requested name.
var ErrNotFound = errors.New("checkpoint not found")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	transitions INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	name TEXT PRIMARY KEY,
	transitions INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	payload BYTEA NOT NULL,
	created_at BIGINT NOT NULL
)`

// Record is a named memory snapshot
type Record struct {
	Name        string    `json:"name"`
	Transitions int       `json:"transitions"`
	SizeBytes   int       `json:"size_bytes"`
	Payload     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store provides SQL-backed checkpoint persistence.
type Store struct {
	sqlDB    *sql.DB
	postgres bool
}

// Open opens a checkpoint database, creating the schema when missing.
// postgres:// and postgresql:// locations use PostgreSQL; anything else is a
// SQLite file path.
func Open(location string) (*Store, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return open("postgres", location, postgresSchema, true)
	}
	dsn := filepath.Clean(location) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	return open("sqlite", dsn, sqliteSchema, false)
}

func open(driver, dsn, schema string, postgres bool) (*Store, error) {
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, postgres: postgres}, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	return rebindNumbered(query)
}

func rebindNumbered(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save writes a checkpoint, replacing any previous one with the same name.
func (s *Store) Save(ctx context.Context, record Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	record.Name = strings.TrimSpace(record.Name)
	if record.Name == "" {
		return Record{}, fmt.Errorf("checkpoint name is required")
	}
	if record.Payload == nil {
		return Record{}, fmt.Errorf("checkpoint payload is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.SizeBytes = len(record.Payload)

	_, err := s.sqlDB.ExecContext(ctx, s.rebind(`
INSERT INTO checkpoints (name, transitions, size_bytes, payload, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	transitions = excluded.transitions,
	size_bytes = excluded.size_bytes,
	payload = excluded.payload,
	created_at = excluded.created_at
`),
		record.Name,
		record.Transitions,
		record.SizeBytes,
		record.Payload,
		record.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("save checkpoint: %w", err)
	}
	record.CreatedAt = time.UnixMilli(record.CreatedAt.UnixMilli()).UTC()
	return record, nil
}

// Load reads a checkpoint including its payload.
func (s *Store) Load(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var record Record
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, s.rebind(`
SELECT name, transitions, size_bytes, payload, created_at
FROM checkpoints
WHERE name = ?
`), strings.TrimSpace(name)).Scan(
		&record.Name,
		&record.Transitions,
		&record.SizeBytes,
		&record.Payload,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load checkpoint: %w", err)
	}
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	return record, nil
}

// List returns newest-first checkpoint metadata without payloads.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT name, transitions, size_bytes, created_at
FROM checkpoints
ORDER BY created_at DESC, name ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var record Record
		var createdAt int64
		if err := rows.Scan(&record.Name, &record.Transitions, &record.SizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return records, nil
}

// Delete removes a checkpoint.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := s.sqlDB.ExecContext(ctx, s.rebind(`DELETE FROM checkpoints WHERE name = ?`), strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}
