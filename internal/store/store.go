// Package store provides the durable on-device persistence layer for the
// sync core.
//
// The store is a local SQLite database opened in WAL mode for concurrent
// reads during writes. It holds:
//   - offline_queue: operations accumulated while the transport is
//     unreachable, drained oldest-first on recovery
//   - dead_letter: operations that exhausted retry policy, kept for offline
//     inspection and recovery (never silently dropped)
//   - crisis_journal: synchronous write-through of every crisis operation,
//     so a crash or flight loss cannot lose a safety signal
//   - snapshots: sealed governor state (usage meter, grace period)
//
// Operation payloads arrive already sealed and are stored as-is. Snapshot
// blobs are sealed by the store through the encryption boundary before they
// touch disk; nothing sensitive is persisted in cleartext.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MP2EZ/being-sync/internal/seal"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// QueueRecord is the persisted form of a sync operation. The engine maps
// between this and its in-memory operation type.
type QueueRecord struct {
	ID         string
	Domain     string
	Priority   int
	RoutingTag string
	EntityKey  string
	Attempt    int
	CreatedAt  time.Time
	Payload    []byte // sealed blob, stored as-is
}

// DeadLetter is a dead-lettered operation plus failure metadata.
type DeadLetter struct {
	QueueRecord
	Reason   string
	FailedAt time.Time
}

// Store wraps the SQLite connection with sync-core persistence.
type Store struct {
	conn   *sql.DB
	path   string
	sealer seal.Sealer
}

// Open creates or opens the store database at path. The caller MUST call
// Close when done. The sealer is used for snapshot blobs; operation
// payloads are expected to be sealed already.
func Open(path string, sealer seal.Sealer) (*Store, error) {
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, sealer: sealer}

	// WAL mode for concurrent reads during crisis write-through
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS offline_queue (
			id          TEXT PRIMARY KEY,
			domain      TEXT NOT NULL,
			priority    INTEGER NOT NULL,
			routing_tag TEXT NOT NULL DEFAULT '',
			entity_key  TEXT NOT NULL DEFAULT '',
			attempt     INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			payload     BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_order
			ON offline_queue(priority DESC, created_at ASC)`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
			id          TEXT PRIMARY KEY,
			domain      TEXT NOT NULL,
			priority    INTEGER NOT NULL,
			routing_tag TEXT NOT NULL DEFAULT '',
			entity_key  TEXT NOT NULL DEFAULT '',
			attempt     INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			failed_at   INTEGER NOT NULL,
			reason      TEXT NOT NULL,
			payload     BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS crisis_journal (
			id          TEXT PRIMARY KEY,
			priority    INTEGER NOT NULL DEFAULT 0,
			routing_tag TEXT NOT NULL DEFAULT '',
			entity_key  TEXT NOT NULL DEFAULT '',
			attempt     INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			resolved    INTEGER NOT NULL DEFAULT 0,
			payload     BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			name       TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			blob       BLOB NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveQueued upserts an operation into the offline queue.
func (s *Store) SaveQueued(rec QueueRecord) error {
	_, err := s.conn.Exec(`
		INSERT INTO offline_queue (id, domain, priority, routing_tag, entity_key, attempt, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			attempt  = excluded.attempt,
			payload  = excluded.payload`,
		rec.ID, rec.Domain, rec.Priority, rec.RoutingTag, rec.EntityKey,
		rec.Attempt, rec.CreatedAt.UnixNano(), rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to save queued operation %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteQueued removes an operation from the offline queue. Deleting a
// missing id is a no-op.
func (s *Store) DeleteQueued(id string) error {
	if _, err := s.conn.Exec(`DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queued operation %s: %w", id, err)
	}
	return nil
}

// LoadQueued returns all offline-queued operations ordered for recovery
// drain: priority first, oldest first within a priority.
func (s *Store) LoadQueued() ([]QueueRecord, error) {
	rows, err := s.conn.Query(`
		SELECT id, domain, priority, routing_tag, entity_key, attempt, created_at, payload
		FROM offline_queue
		ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load offline queue: %w", err)
	}
	defer rows.Close()

	var out []QueueRecord
	for rows.Next() {
		var rec QueueRecord
		var createdNs int64
		if err := rows.Scan(&rec.ID, &rec.Domain, &rec.Priority, &rec.RoutingTag,
			&rec.EntityKey, &rec.Attempt, &createdNs, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan queued operation: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdNs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueueDepth returns the number of offline-queued operations.
func (s *Store) QueueDepth() (int, error) {
	var n int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count offline queue: %w", err)
	}
	return n, nil
}

// AddDeadLetter records an operation that exhausted its retry policy.
func (s *Store) AddDeadLetter(rec QueueRecord, reason string, failedAt time.Time) error {
	_, err := s.conn.Exec(`
		INSERT INTO dead_letter (id, domain, priority, routing_tag, entity_key, attempt, created_at, failed_at, reason, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempt   = excluded.attempt,
			failed_at = excluded.failed_at,
			reason    = excluded.reason`,
		rec.ID, rec.Domain, rec.Priority, rec.RoutingTag, rec.EntityKey,
		rec.Attempt, rec.CreatedAt.UnixNano(), failedAt.UnixNano(), reason, rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to dead-letter operation %s: %w", rec.ID, err)
	}
	return nil
}

// ListDeadLetters returns up to limit dead-lettered operations, most recent
// failures first. limit <= 0 returns all.
func (s *Store) ListDeadLetters(limit int) ([]DeadLetter, error) {
	q := `
		SELECT id, domain, priority, routing_tag, entity_key, attempt, created_at, failed_at, reason, payload
		FROM dead_letter
		ORDER BY failed_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.conn.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.conn.Query(q)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var createdNs, failedNs int64
		if err := rows.Scan(&dl.ID, &dl.Domain, &dl.Priority, &dl.RoutingTag,
			&dl.EntityKey, &dl.Attempt, &createdNs, &failedNs, &dl.Reason, &dl.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.CreatedAt = time.Unix(0, createdNs)
		dl.FailedAt = time.Unix(0, failedNs)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeleteDeadLetter removes a dead letter after recovery. Idempotent.
func (s *Store) DeleteDeadLetter(id string) error {
	if _, err := s.conn.Exec(`DELETE FROM dead_letter WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", id, err)
	}
	return nil
}

// JournalCrisis writes a crisis operation through to disk synchronously.
// Called before dispatch so the signal survives a crash.
func (s *Store) JournalCrisis(rec QueueRecord) error {
	_, err := s.conn.Exec(`
		INSERT INTO crisis_journal (id, priority, routing_tag, entity_key, attempt, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET attempt = excluded.attempt`,
		rec.ID, rec.Priority, rec.RoutingTag, rec.EntityKey,
		rec.Attempt, rec.CreatedAt.UnixNano(), rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to journal crisis operation %s: %w", rec.ID, err)
	}
	return nil
}

// ResolveCrisis marks a journaled crisis operation as delivered. The row is
// kept: crisis records are never deleted, only resolved.
func (s *Store) ResolveCrisis(id string) error {
	if _, err := s.conn.Exec(`UPDATE crisis_journal SET resolved = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to resolve crisis journal entry %s: %w", id, err)
	}
	return nil
}

// UnresolvedCrisis returns journaled crisis operations not yet delivered,
// oldest first.
func (s *Store) UnresolvedCrisis() ([]QueueRecord, error) {
	rows, err := s.conn.Query(`
		SELECT id, priority, routing_tag, entity_key, attempt, created_at, payload
		FROM crisis_journal
		WHERE resolved = 0
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load crisis journal: %w", err)
	}
	defer rows.Close()

	var out []QueueRecord
	for rows.Next() {
		var rec QueueRecord
		var createdNs int64
		if err := rows.Scan(&rec.ID, &rec.Priority, &rec.RoutingTag, &rec.EntityKey,
			&rec.Attempt, &createdNs, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan crisis journal entry: %w", err)
		}
		rec.Domain = "crisis"
		rec.CreatedAt = time.Unix(0, createdNs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSnapshot seals and stores a named state blob (usage meter, grace
// period).
func (s *Store) SaveSnapshot(name string, cleartext []byte) error {
	sealed, err := s.sealer.Seal(cleartext, seal.SensitivityStandard)
	if err != nil {
		return fmt.Errorf("failed to seal snapshot %s: %w", name, err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO snapshots (name, updated_at, blob) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET updated_at = excluded.updated_at, blob = excluded.blob`,
		name, time.Now().UnixNano(), sealed)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", name, err)
	}
	return nil
}

// LoadSnapshot opens and returns a named state blob, or (nil, nil) if no
// snapshot exists.
func (s *Store) LoadSnapshot(name string) ([]byte, error) {
	var sealed []byte
	err := s.conn.QueryRow(`SELECT blob FROM snapshots WHERE name = ?`, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", name, err)
	}
	cleartext, err := s.sealer.Open(sealed, seal.SensitivityStandard)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot %s: %w", name, err)
	}
	return cleartext, nil
}
