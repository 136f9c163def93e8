// Package pgstore provides PostgreSQL storage for rag: pgvector collections
// for chunk and question embeddings, and relational chunk metadata.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/mailwarden/internal/rag"
)

var tracer = otel.Tracer("github.com/linnemanlabs/mailwarden/internal/rag/pgstore")

//go:embed schema.sql
var schema string

var collectionName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func startSpan(ctx context.Context, name, op, table string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", table),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Index is a vector collection stored in its own table.
type Index struct {
	pool  *pgxpool.Pool
	name  string
	table string
}

// NewIndex creates the collection table if needed. The pool must have the
// pgvector types registered.
func NewIndex(ctx context.Context, pool *pgxpool.Pool, name string, dimensions int) (*Index, error) {
	if !collectionName.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("invalid embedding dimensions %d", dimensions)
	}
	table := pgx.Identifier{name}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id        TEXT PRIMARY KEY,
		content   TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		metadata  JSONB NOT NULL DEFAULT '{}'::jsonb
	)`, table, dimensions)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return &Index{pool: pool, name: name, table: table}, nil
}

// Upsert writes records in one batch.
func (x *Index) Upsert(ctx context.Context, records []rag.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Upsert", "UPSERT", x.name)
	defer span.End()

	query := `INSERT INTO ` + x.table + ` (id, content, embedding, metadata) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content   = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata  = EXCLUDED.metadata`

	batch := &pgx.Batch{}
	for _, r := range records {
		meta := r.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		batch.Queue(query, r.ID, r.Content, pgvector.NewVector(r.Embedding), meta)
	}
	if err := x.pool.SendBatch(ctx, batch).Close(); err != nil {
		fail(span, err)
		return fmt.Errorf("upsert %s: %w", x.name, err)
	}
	return nil
}

// Search returns the k nearest records by cosine distance. Score is
// 1 - distance, i.e. cosine similarity.
func (x *Index) Search(ctx context.Context, embedding []float32, k int) ([]rag.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	ctx, span := startSpan(ctx, "pgstore.Search", "SELECT", x.name)
	defer span.End()

	rows, err := x.pool.Query(ctx,
		`SELECT id, content, embedding, metadata, 1 - (embedding <=> $1) AS score
		 FROM `+x.table+`
		 ORDER BY embedding <=> $1, id
		 LIMIT $2`,
		pgvector.NewVector(embedding), k,
	)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("search %s: %w", x.name, err)
	}
	defer rows.Close()

	var hits []rag.Hit
	for rows.Next() {
		var (
			h   rag.Hit
			vec pgvector.Vector
		)
		if err := rows.Scan(&h.Record.ID, &h.Record.Content, &vec, &h.Record.Metadata, &h.Score); err != nil {
			fail(span, err)
			return nil, fmt.Errorf("scan %s: %w", x.name, err)
		}
		h.Record.Embedding = vec.Slice()
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate %s: %w", x.name, err)
	}
	return hits, nil
}

// Get retrieves a record by id.
func (x *Index) Get(ctx context.Context, id string) (*rag.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT", x.name)
	defer span.End()

	var (
		r   rag.Record
		vec pgvector.Vector
	)
	err := x.pool.QueryRow(ctx,
		`SELECT id, content, embedding, metadata FROM `+x.table+` WHERE id = $1`, id,
	).Scan(&r.ID, &r.Content, &vec, &r.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		fail(span, err)
		return nil, false, fmt.Errorf("get %s/%s: %w", x.name, id, err)
	}
	r.Embedding = vec.Slice()
	return &r, true, nil
}

// Delete removes records by id.
func (x *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, span := startSpan(ctx, "pgstore.Delete", "DELETE", x.name)
	defer span.End()

	if _, err := x.pool.Exec(ctx, `DELETE FROM `+x.table+` WHERE id = ANY($1)`, ids); err != nil {
		fail(span, err)
		return fmt.Errorf("delete from %s: %w", x.name, err)
	}
	return nil
}

// Metadata stores chunk metadata and question mappings.
type Metadata struct {
	pool *pgxpool.Pool
}

// NewMetadata applies the relational schema.
func NewMetadata(ctx context.Context, pool *pgxpool.Pool) (*Metadata, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Metadata{pool: pool}, nil
}

// PutChunk upserts chunk metadata.
func (m *Metadata) PutChunk(ctx context.Context, c rag.ChunkMetadata) error {
	ctx, span := startSpan(ctx, "pgstore.PutChunk", "UPSERT", "chunk_metadata")
	defer span.End()

	_, err := m.pool.Exec(ctx,
		`INSERT INTO chunk_metadata (chunk_id, source, document_id, chunk_index, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chunk_id) DO UPDATE SET
			source      = EXCLUDED.source,
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index`,
		c.ChunkID, c.Source, c.DocumentID, c.Index, c.CreatedAt,
	)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("upsert chunk metadata: %w", err)
	}
	return nil
}

// PutMapping upserts a question mapping.
func (m *Metadata) PutMapping(ctx context.Context, q rag.QuestionChunkMapping) error {
	ctx, span := startSpan(ctx, "pgstore.PutMapping", "UPSERT", "question_chunk_mapping")
	defer span.End()

	_, err := m.pool.Exec(ctx,
		`INSERT INTO question_chunk_mapping (question_id, chunk_id, question_content)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (question_id, chunk_id) DO UPDATE SET
			question_content = EXCLUDED.question_content`,
		q.QuestionID, q.ChunkID, q.QuestionContent,
	)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("upsert question mapping: %w", err)
	}
	return nil
}

// ResolveQuestions joins questions to their chunks' metadata.
func (m *Metadata) ResolveQuestions(ctx context.Context, questionIDs []string) ([]rag.ResolvedQuestion, error) {
	if len(questionIDs) == 0 {
		return nil, nil
	}
	ctx, span := startSpan(ctx, "pgstore.ResolveQuestions", "SELECT", "question_chunk_mapping")
	defer span.End()

	rows, err := m.pool.Query(ctx,
		`SELECT qcm.question_id, qcm.question_content, qcm.chunk_id, cm.source, cm.document_id
		 FROM question_chunk_mapping qcm
		 JOIN chunk_metadata cm ON qcm.chunk_id = cm.chunk_id
		 WHERE qcm.question_id = ANY($1)
		 ORDER BY array_position($1::text[], qcm.question_id), qcm.chunk_id`,
		questionIDs,
	)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("resolve questions: %w", err)
	}
	defer rows.Close()

	var out []rag.ResolvedQuestion
	for rows.Next() {
		var r rag.ResolvedQuestion
		if err := rows.Scan(&r.QuestionID, &r.QuestionContent, &r.ChunkID, &r.Source, &r.DocumentID); err != nil {
			fail(span, err)
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// DocumentEntries lists the chunk ids of a document and the question ids
// mapped to them, each sorted.
func (m *Metadata) DocumentEntries(ctx context.Context, documentID string) ([]string, []string, error) {
	ctx, span := startSpan(ctx, "pgstore.DocumentEntries", "SELECT", "chunk_metadata")
	defer span.End()

	chunkIDs, err := m.ids(ctx,
		`SELECT chunk_id FROM chunk_metadata WHERE document_id = $1 ORDER BY chunk_id`, documentID)
	if err != nil {
		fail(span, err)
		return nil, nil, fmt.Errorf("list document chunks: %w", err)
	}
	questionIDs, err := m.ids(ctx,
		`SELECT qcm.question_id
		 FROM question_chunk_mapping qcm
		 JOIN chunk_metadata cm ON qcm.chunk_id = cm.chunk_id
		 WHERE cm.document_id = $1
		 ORDER BY qcm.question_id`, documentID)
	if err != nil {
		fail(span, err)
		return nil, nil, fmt.Errorf("list document questions: %w", err)
	}
	return chunkIDs, questionIDs, nil
}

func (m *Metadata) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// DeleteEntries removes chunk metadata with its mappings, and mappings of the
// given questions, in one transaction.
func (m *Metadata) DeleteEntries(ctx context.Context, chunkIDs, questionIDs []string) error {
	if len(chunkIDs) == 0 && len(questionIDs) == 0 {
		return nil
	}
	ctx, span := startSpan(ctx, "pgstore.DeleteEntries", "DELETE", "chunk_metadata")
	defer span.End()

	if chunkIDs == nil {
		chunkIDs = []string{}
	}
	if questionIDs == nil {
		questionIDs = []string{}
	}
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM question_chunk_mapping WHERE chunk_id = ANY($1) OR question_id = ANY($2)`,
			chunkIDs, questionIDs,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM chunk_metadata WHERE chunk_id = ANY($1)`, chunkIDs)
		return err
	})
	if err != nil {
		fail(span, err)
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}
