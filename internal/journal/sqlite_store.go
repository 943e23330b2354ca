package journal

// ============================================================================
// SQLite Journal Backend
// One database holds every run. Positions are claimed through the
// (run_id, seq) primary key, so a second writer is detected at insert time.
// ============================================================================

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/procjournal/pkg/types"
)

// SQLiteBackend implements Backend using SQLite.
type SQLiteBackend struct {
	db *sql.DB

	mu      sync.Mutex
	writers map[types.RunID]bool // runs with an open writer in this process
}

// NewSQLiteBackend opens (and migrates) the database at dsn.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Serialize connections so that every writer sees committed rows immediately.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	b := &SQLiteBackend{db: db, writers: make(map[types.RunID]bool)}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return b, nil
}

// DB exposes the handle so that other stores can share the same file.
func (b *SQLiteBackend) DB() *sql.DB { return b.db }

func (b *SQLiteBackend) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			run_id TEXT NOT NULL,
			ref TEXT NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (run_id, ref)
		)`,
		`CREATE TABLE IF NOT EXISTS audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_run ON audit(run_id, id)`,
	}
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Create(ctx context.Context, runID types.RunID) (Store, error) {
	_, err := b.db.ExecContext(ctx, `INSERT INTO runs (run_id) VALUES (?)`, string(runID))
	if err != nil {
		if isConstraint(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
		}
		return nil, fmt.Errorf("journal: create run: %w", err)
	}
	return b.acquire(ctx, runID)
}

func (b *SQLiteBackend) Open(ctx context.Context, runID types.RunID) (Store, error) {
	if err := b.exists(ctx, runID); err != nil {
		return nil, err
	}
	return b.acquire(ctx, runID)
}

func (b *SQLiteBackend) OpenReader(ctx context.Context, runID types.RunID) (Store, error) {
	if err := b.exists(ctx, runID); err != nil {
		return nil, err
	}
	return &SQLiteStore{backend: b, runID: runID, readOnly: true}, nil
}

func (b *SQLiteBackend) List(ctx context.Context) ([]types.RunID, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY created_at, run_id`)
	if err != nil {
		return nil, fmt.Errorf("journal: list runs: %w", err)
	}
	defer rows.Close()
	var ids []types.RunID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.RunID(id))
	}
	return ids, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) exists(ctx context.Context, runID types.RunID) error {
	var one int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, string(runID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("journal: lookup run: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) acquire(ctx context.Context, runID types.RunID) (*SQLiteStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writers[runID] {
		return nil, fmt.Errorf("%w: %s", ErrWriterLocked, runID)
	}
	var last sql.NullInt64
	err := b.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = ?`, string(runID)).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("journal: read last seq: %w", err)
	}
	b.writers[runID] = true
	return &SQLiteStore{backend: b, runID: runID, nextSeq: uint64(last.Int64) + 1}, nil
}

func (b *SQLiteBackend) release(runID types.RunID) {
	b.mu.Lock()
	delete(b.writers, runID)
	b.mu.Unlock()
}

// ============================================================================
// SQLiteStore
// ============================================================================

// SQLiteStore is the per-run view of a SQLiteBackend.
type SQLiteStore struct {
	backend  *SQLiteBackend
	runID    types.RunID
	mu       sync.Mutex
	nextSeq  uint64
	closed   bool
	readOnly bool
}

func (s *SQLiteStore) Append(ctx context.Context, ev Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.readOnly {
		return 0, ErrReadOnly
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal event: %w", err)
	}
	seq := s.nextSeq
	_, err = s.backend.db.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, body) VALUES (?, ?, ?)`,
		string(s.runID), seq, string(body))
	if err != nil {
		if isConstraint(err) {
			return 0, fmt.Errorf("%w: seq=%d already written", ErrConcurrentWriter, seq)
		}
		return 0, fmt.Errorf("journal: append seq=%d: %w", seq, err)
	}
	s.nextSeq++
	return seq, nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.backend.db.QueryContext(ctx,
		`SELECT seq, body FROM events WHERE run_id = ? ORDER BY seq`, string(s.runID))
	if err != nil {
		return nil, fmt.Errorf("journal: read events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			seq  uint64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, err
		}
		want := uint64(len(records)) + 1
		if seq != want {
			return nil, &IntegrityError{Seq: want, Reason: fmt.Sprintf("missing event, next row is seq=%d", seq)}
		}
		var ev Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, &CorruptionError{Seq: seq, Cause: err}
		}
		if err := VerifyChecksum(seq, ev); err != nil {
			return nil, err
		}
		records = append(records, Record{Seq: seq, Event: ev})
	}
	return records, rows.Err()
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev Event) error {
	if s.readOnly {
		return ErrReadOnly
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: marshal audit event: %w", err)
	}
	_, err = s.backend.db.ExecContext(ctx,
		`INSERT INTO audit (run_id, body) VALUES (?, ?)`, string(s.runID), string(body))
	if err != nil {
		return fmt.Errorf("journal: append audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadAudit(ctx context.Context) ([]Event, error) {
	rows, err := s.backend.db.QueryContext(ctx,
		`SELECT body FROM audit WHERE run_id = ? ORDER BY id`, string(s.runID))
	if err != nil {
		return nil, fmt.Errorf("journal: read audit: %w", err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, &CorruptionError{Cause: err}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PutBlob(ctx context.Context, data []byte) (string, error) {
	if s.readOnly {
		return "", ErrReadOnly
	}
	ref := BlobRef(data)
	_, err := s.backend.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs (run_id, ref, body) VALUES (?, ?, ?)`, string(s.runID), ref, data)
	if err != nil {
		return "", fmt.Errorf("journal: put blob: %w", err)
	}
	return ref, nil
}

func (s *SQLiteStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	if _, err := parseRef(ref); err != nil {
		return nil, err
	}
	var data []byte
	err := s.backend.db.QueryRowContext(ctx,
		`SELECT body FROM blobs WHERE run_id = ? AND ref = ?`, string(s.runID), ref).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get blob: %w", err)
	}
	if err := verifyBlob(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.readOnly {
		s.backend.release(s.runID)
	}
	return nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
