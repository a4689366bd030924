package replikv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	// pure-Go SQLite driver, registered under the "sqlite" name.
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures a SQLite-backed Store.
type SQLiteStoreConfig struct {
	// Path is the database file. Use ":memory:" for an ephemeral store.
	Path string

	// JournalMode sets SQLite's journal mode. Default: WAL.
	JournalMode string

	// BusyTimeout bounds how long a statement waits on a lock, in
	// milliseconds. Default: 5000.
	BusyTimeout int
}

// DefaultSQLiteStoreConfig returns sensible defaults for path.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{Path: path, JournalMode: "WAL", BusyTimeout: 5000}
}

// SQLiteStore is a Store backed by a single SQLite table, keyed by path.
// It exists so a ReplicationNode can survive process restarts without
// pulling in a full database server.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("replikv: opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // avoid SQLITE_BUSY across concurrent writers

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			path TEXT PRIMARY KEY,
			value BLOB,
			vector_clock TEXT NOT NULL,
			origin TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("replikv: creating sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT value, vector_clock, origin FROM records WHERE path = ?`, path)

	var valueBlob []byte
	var vcJSON, origin string
	if err := row.Scan(&valueBlob, &vcJSON, &origin); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, newStoreError("get", path, err)
	}

	rec, err := decodeSQLiteRecord(valueBlob, vcJSON, origin)
	if err != nil {
		return Record{}, false, newStoreError("get", path, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, path string, record Record) error {
	valueBlob, vcJSON, err := encodeSQLiteRecord(record)
	if err != nil {
		return newStoreError("put", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (path, value, vector_clock, origin) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, vector_clock = excluded.vector_clock, origin = excluded.origin
	`, path, valueBlob, vcJSON, record.Origin)
	if err != nil {
		return newStoreError("put", path, err)
	}
	return nil
}

func (s *SQLiteStore) Del(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE path = ?`, path); err != nil {
		return newStoreError("del", path, err)
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]PathRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT path, value, vector_clock, origin FROM records ORDER BY path`)
	if err != nil {
		return nil, newStoreError("scan", prefix, err)
	}
	defer rows.Close()

	var out []PathRecord
	for rows.Next() {
		var path string
		var valueBlob []byte
		var vcJSON, origin string
		if err := rows.Scan(&path, &valueBlob, &vcJSON, &origin); err != nil {
			return nil, newStoreError("scan", prefix, err)
		}
		if !isAncestorOrEqual(prefix, path) {
			continue
		}
		rec, err := decodeSQLiteRecord(valueBlob, vcJSON, origin)
		if err != nil {
			return nil, newStoreError("scan", prefix, err)
		}
		out = append(out, PathRecord{Path: path, Record: rec})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeSQLiteRecord(record Record) (valueBlob []byte, vcJSON string, err error) {
	valueBlob, err = canonicalMarshal(record.Value)
	if err != nil {
		return nil, "", err
	}
	vcBytes, err := canonicalMarshal(record.VectorClock)
	if err != nil {
		return nil, "", err
	}
	return valueBlob, string(vcBytes), nil
}

func decodeSQLiteRecord(valueBlob []byte, vcJSON, origin string) (Record, error) {
	value, err := canonicalUnmarshal(valueBlob)
	if err != nil {
		return Record{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(vcJSON), &raw); err != nil {
		return Record{}, err
	}
	return Record{Value: value, VectorClock: vectorClockFromJSON(raw), Origin: origin}, nil
}
