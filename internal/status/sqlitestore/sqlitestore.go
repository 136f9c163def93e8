// Package sqlitestore implements status.Store on a local SQLite database for
// single-node deployments without redis.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/mailwarden/internal/status"
)

const schema = `
CREATE TABLE IF NOT EXISTS email_status (
	email_id   TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT '',
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_email_status_expires ON email_status (expires_at);
`

// Store is a SQLite-backed status.Store. Expired rows are invisible to Get
// and removed by Prune.
type Store struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// Open opens (or creates) the database at path and runs migrations.
// A zero retention uses status.DefaultRetention.
func Open(path string, retention time.Duration) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite connections do not share an in-memory database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if retention <= 0 {
		retention = status.DefaultRetention
	}
	return &Store{db: db, retention: retention, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts rec and restarts its retention window.
func (s *Store) Put(ctx context.Context, rec *status.Record) error {
	expires := s.now().Add(s.retention).UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_status
			(email_id, thread_id, sender, subject, status, category, note, updated_by, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_id) DO UPDATE SET
			thread_id  = excluded.thread_id,
			sender     = excluded.sender,
			subject    = excluded.subject,
			status     = excluded.status,
			category   = excluded.category,
			note       = excluded.note,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		rec.EmailID, rec.ThreadID, rec.Sender, rec.Subject, string(rec.Status),
		rec.Category, rec.Note, rec.UpdatedBy,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano), expires,
	)
	if err != nil {
		return fmt.Errorf("upsert status %s: %w", rec.EmailID, err)
	}
	return nil
}

// Get returns the live record for emailID.
func (s *Store) Get(ctx context.Context, emailID string) (*status.Record, bool, error) {
	var (
		rec       status.Record
		st        string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email_id, thread_id, sender, subject, status, category, note, updated_by, updated_at
		FROM email_status
		WHERE email_id = ? AND expires_at > ?`,
		emailID, s.now().UnixNano(),
	).Scan(&rec.EmailID, &rec.ThreadID, &rec.Sender, &rec.Subject, &st,
		&rec.Category, &rec.Note, &rec.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get status %s: %w", emailID, err)
	}

	if rec.Status, err = status.Parse(st); err != nil {
		return nil, false, err
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, false, fmt.Errorf("parse updated_at for %s: %w", emailID, err)
	}
	return &rec, true, nil
}

// Prune deletes expired rows and returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM email_status WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune status: %w", err)
	}
	return res.RowsAffected()
}
