// Package store provides Shared Battle Store adapters: a SQLite-backed
// store with optimistic versioning for multi-instance deployments, and
// an in-memory store for single-instance dev mode. Both hand out clones
// and accept writes only through compare-and-set.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"modelarena/internal/arena"
	"modelarena/internal/logging"
)

// DefaultTTL bounds how long an inactive battle survives in the store.
// A deployment parameter, not a protocol guarantee.
const DefaultTTL = 30 * time.Minute

// SQLiteStore persists battle records in a SQLite database shared by
// every server instance. One row per battle: a JSON document plus a
// version counter bumped on every committed update.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore opens (creating if needed) the store at path.
func NewSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, ttl: ttl}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("SQLiteStore ready at %s (ttl %v)", path, ttl)
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS battles (
		battle_id    TEXT PRIMARY KEY,
		data         TEXT NOT NULL,
		version      INTEGER NOT NULL DEFAULT 1,
		last_updated INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_battles_last_updated ON battles(last_updated);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Create inserts a new battle record at version 1. Fails if the id is
// already present.
func (s *SQLiteStore) Create(ctx context.Context, b *arena.BattleSession) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal battle: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO battles (battle_id, data, version, last_updated) VALUES (?, ?, 1, ?)`,
		b.BattleID, string(data), time.Now().UnixMilli())
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return arena.ErrBattleExists
		}
		return fmt.Errorf("failed to insert battle %s: %w", b.BattleID, err)
	}
	logging.StoreDebug("created battle %s", b.BattleID)
	return nil
}

// Get reads the record and the version it was read at. Expired records
// are treated as missing.
func (s *SQLiteStore) Get(ctx context.Context, battleID string) (*arena.BattleSession, uint64, error) {
	var data string
	var version uint64
	var lastUpdated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, last_updated FROM battles WHERE battle_id = ?`,
		battleID).Scan(&data, &version, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, arena.ErrInvalidBattle
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read battle %s: %w", battleID, err)
	}
	if time.Since(time.UnixMilli(lastUpdated)) > s.ttl {
		return nil, 0, arena.ErrInvalidBattle
	}

	var b arena.BattleSession
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, 0, fmt.Errorf("corrupt battle record %s: %w", battleID, err)
	}
	return &b, version, nil
}

// Update commits the record iff the stored version still matches. The
// version column is the compare-and-set probe: zero rows affected with
// the row still present means another instance won the race.
func (s *SQLiteStore) Update(ctx context.Context, b *arena.BattleSession, version uint64) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal battle: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE battles SET data = ?, version = version + 1, last_updated = ?
		 WHERE battle_id = ? AND version = ?`,
		string(data), time.Now().UnixMilli(), b.BattleID, version)
	if err != nil {
		return fmt.Errorf("failed to update battle %s: %w", b.BattleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM battles WHERE battle_id = ?`, b.BattleID).Scan(&exists); err != nil {
			return arena.ErrInvalidBattle
		}
		return arena.ErrStaleWrite
	}
	return nil
}

// Sweep deletes records whose last update is older than the TTL.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM battles WHERE last_updated < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("swept %d expired battles", n)
	}
	return int(n), nil
}

// Degraded reports false: this adapter is cross-instance safe.
func (s *SQLiteStore) Degraded() bool { return false }

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
