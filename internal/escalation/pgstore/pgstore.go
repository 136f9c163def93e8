// Package pgstore provides a PostgreSQL implementation of escalation.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

var tracer = otel.Tracer("github.com/linnemanlabs/mailwarden/internal/escalation/pgstore")

//go:embed schema.sql
var schema string

// Store persists escalation tasks in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
// The pool stays owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const taskColumns = `email_id, thread_id, sender, subject, body, category, created_at,
	status, processed_at, operator, reply_content, reply_id, remark`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Upsert inserts a task. On a duplicate email id the content is refreshed
// and the task is reopened as pending.
func (s *Store) Upsert(ctx context.Context, t *escalation.Task) error {
	ctx, span := startSpan(ctx, "pgstore.Upsert", "UPSERT")
	defer span.End()

	query := `INSERT INTO manual_email_tasks (
		email_id, thread_id, sender, subject, body, category, created_at, status, remark
	) VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',$8)
	ON CONFLICT (email_id) DO UPDATE SET
		thread_id     = EXCLUDED.thread_id,
		sender        = EXCLUDED.sender,
		subject       = EXCLUDED.subject,
		body          = EXCLUDED.body,
		category      = EXCLUDED.category,
		created_at    = EXCLUDED.created_at,
		remark        = EXCLUDED.remark,
		status        = 'pending',
		processed_at  = NULL,
		operator      = '',
		reply_content = '',
		reply_id      = ''`

	_, err := s.pool.Exec(ctx, query,
		t.EmailID, t.ThreadID, t.Sender, t.Subject, t.Body, t.Category, t.CreatedAt, t.Remark,
	)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// Get retrieves a task by email ID.
func (s *Store) Get(ctx context.Context, emailID string) (*escalation.Task, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM manual_email_tasks WHERE email_id = $1`
	t, err := scanTask(s.pool.QueryRow(ctx, query, emailID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		fail(span, err)
		return nil, false, err
	}
	return t, true, nil
}

// List returns one page of tasks with the requested status, newest first.
func (s *Store) List(ctx context.Context, q escalation.ListQuery) (*escalation.Page, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()
	span.SetAttributes(
		attribute.String("mailwarden.task.status", string(q.Status)),
		attribute.Int("mailwarden.page", q.Page),
	)

	page := &escalation.Page{Page: q.Page, PageSize: q.PageSize, Tasks: []escalation.Task{}}

	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM manual_email_tasks WHERE status = $1`, string(q.Status),
	).Scan(&page.Total)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM manual_email_tasks
		 WHERE status = $1
		 ORDER BY created_at DESC, email_id
		 LIMIT $2 OFFSET $3`,
		string(q.Status), q.PageSize, q.Offset(),
	)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		page.Tasks = append(page.Tasks, *t)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return page, nil
}

// Resolve closes a task with the operator's reply details.
func (s *Store) Resolve(ctx context.Context, emailID string, r escalation.Resolution) (*escalation.Task, bool, error) {
	if err := r.Validate(); err != nil {
		return nil, false, err
	}

	ctx, span := startSpan(ctx, "pgstore.Resolve", "UPDATE")
	defer span.End()

	query := `UPDATE manual_email_tasks SET
		status        = 'resolved',
		processed_at  = $2,
		operator      = $3,
		reply_content = $4,
		reply_id      = $5,
		remark        = CASE WHEN $6::text = '' THEN remark ELSE $6::text END
	WHERE email_id = $1
	RETURNING ` + taskColumns

	t, err := scanTask(s.pool.QueryRow(ctx, query,
		emailID, time.Now().UTC(), r.Operator, r.ReplyContent, r.ReplyID, r.Remark,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		fail(span, err)
		return nil, false, err
	}
	return t, true, nil
}

// scanTask scans a single row. pgx.ErrNoRows is returned unwrapped.
func scanTask(row pgx.Row) (*escalation.Task, error) {
	var (
		t           escalation.Task
		status      string
		processedAt *time.Time
	)
	err := row.Scan(
		&t.EmailID, &t.ThreadID, &t.Sender, &t.Subject, &t.Body, &t.Category, &t.CreatedAt,
		&status, &processedAt, &t.Operator, &t.ReplyContent, &t.ReplyID, &t.Remark,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	t.Status = escalation.Status(status)
	t.ProcessedAt = processedAt
	return &t, nil
}
