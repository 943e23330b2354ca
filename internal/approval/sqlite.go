package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/pkg/types"
)

// fixed width so created_at sorts chronologically as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is an approval service backed by a SQLite table. It can share a database with
// the SQLite journal backend.
type SQLite struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// OpenSQLite opens (and migrates) the database at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite uses an existing handle.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate approvals: %w", err)
	}
	return s, nil
}

// Close closes the database when OpenSQLite opened it.
func (s *SQLite) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			effect_id TEXT NOT NULL UNIQUE,
			question TEXT NOT NULL,
			context TEXT,
			attachments TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			comment TEXT,
			decided_by TEXT,
			created_at TEXT NOT NULL,
			decided_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, req breakpoint.CreateRequest) (*breakpoint.Approval, error) {
	attachments, err := json.Marshal(req.Attachments)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, run_id, effect_id, question, context, attachments, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(effect_id) DO NOTHING`,
		newApprovalID(), string(req.RunID), string(req.EffectID), req.Question,
		nullString(string(req.Context)), string(attachments), string(breakpoint.StatusPending),
		s.now().UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return s.scanOne(ctx, `WHERE effect_id = ?`, string(req.EffectID))
}

func (s *SQLite) Get(ctx context.Context, id string) (*breakpoint.Approval, error) {
	return s.scanOne(ctx, `WHERE approval_id = ?`, id)
}

func (s *SQLite) Decide(ctx context.Context, id string, d breakpoint.Decision) (*breakpoint.Approval, error) {
	status := breakpoint.StatusRejected
	if d.Approved {
		status = breakpoint.StatusApproved
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, comment = ?, decided_by = ?, decided_at = ?
		 WHERE approval_id = ? AND status = ?`,
		string(status), nullString(d.Comment), nullString(d.DecidedBy), s.now().UTC().Format(timeLayout),
		id, string(breakpoint.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, breakpoint.ErrAlreadyDecided
	}
	return s.Get(ctx, id)
}

func (s *SQLite) List(ctx context.Context, status breakpoint.Status) ([]*breakpoint.Approval, error) {
	query := selectApprovals + ` ORDER BY created_at, approval_id`
	args := []any{}
	if status != "" {
		query = selectApprovals + ` WHERE status = ? ORDER BY created_at, approval_id`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	out := []*breakpoint.Approval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const selectApprovals = `SELECT approval_id, run_id, effect_id, question, context, attachments, status, comment, decided_by, created_at, decided_at FROM approvals`

func (s *SQLite) scanOne(ctx context.Context, where string, arg any) (*breakpoint.Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, selectApprovals+" "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, breakpoint.ErrNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(row scanner) (*breakpoint.Approval, error) {
	var (
		a                                            breakpoint.Approval
		runID, effectID, status, createdAt           string
		contextJSON, attachments, comment, decidedBy sql.NullString
		decidedAt                                    sql.NullString
	)
	if err := row.Scan(&a.ID, &runID, &effectID, &a.Question, &contextJSON, &attachments, &status,
		&comment, &decidedBy, &createdAt, &decidedAt); err != nil {
		return nil, err
	}
	a.RunID = types.RunID(runID)
	a.EffectID = types.EffectID(effectID)
	a.Status = breakpoint.Status(status)
	if contextJSON.Valid {
		a.Context = json.RawMessage(contextJSON.String)
	}
	if attachments.Valid && attachments.String != "null" {
		if err := json.Unmarshal([]byte(attachments.String), &a.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", a.ID, err)
		}
	}
	a.Comment = comment.String
	a.DecidedBy = decidedBy.String
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("decode created_at of %s: %w", a.ID, err)
	}
	a.CreatedAt = t
	if decidedAt.Valid {
		t, err := time.Parse(timeLayout, decidedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decode decided_at of %s: %w", a.ID, err)
		}
		a.DecidedAt = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
