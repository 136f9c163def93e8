package rag

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const (
	DefaultTopK     = 3
	DefaultTopN     = 8
	DefaultMinScore = 0.5
)

// NoReferenceMaterial is the drafting context used when retrieval finds nothing.
const NoReferenceMaterial = "No reference material found."

const tracerName = "github.com/linnemanlabs/mailwarden/internal/rag"

// Options tune ingestion and retrieval.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	// TopK is the number of neighbours fetched per query and path.
	TopK int
	// TopN caps merged results; <= 0 keeps all.
	TopN int
	// MinScore drops merged results scoring below it.
	MinScore float64
	Now      func() time.Time
}

// Hooks receive ingestion and retrieval events, typically to drive metrics.
type Hooks struct {
	OnIngest   func(chunks, questions int)
	OnRetrieve func(path Path, hits int)
}

// Engine ingests documents and serves hybrid retrieval.
type Engine struct {
	embedder  Embedder
	questions QuestionGenerator
	chunks    VectorIndex
	hyde      VectorIndex
	meta      MetadataStore
	splitter  *Splitter
	opts      Options
	logger    log.Logger
	hooks     Hooks
}

// NewEngine wires an engine. It panics on missing collaborators or invalid
// chunking options.
func NewEngine(embedder Embedder, questions QuestionGenerator, chunks, hyde VectorIndex, meta MetadataStore, opts Options, logger log.Logger, hooks Hooks) *Engine {
	if embedder == nil || questions == nil || chunks == nil || hyde == nil || meta == nil {
		panic(xerrors.New("rag engine requires embedder, question generator, both collections and a metadata store"))
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
		if opts.ChunkOverlap == 0 {
			opts.ChunkOverlap = DefaultChunkOverlap
		}
	}
	sp, err := NewSplitter(opts.ChunkSize, opts.ChunkOverlap)
	if err != nil {
		panic(xerrors.New(err.Error()))
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		embedder:  embedder,
		questions: questions,
		chunks:    chunks,
		hyde:      hyde,
		meta:      meta,
		splitter:  sp,
		opts:      opts,
		logger:    logger,
		hooks:     hooks,
	}
}

// idSpace namespaces the name-based ids of documents, chunks and questions.
var idSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/linnemanlabs/mailwarden/rag"))

// DocumentIDFor returns the document id ingestion uses for a source.
func DocumentIDFor(source string) string {
	return uuid.NewSHA1(idSpace, []byte("document:"+source)).String()
}

func chunkIDFor(documentID string, index int) string {
	return uuid.NewSHA1(idSpace, []byte("chunk:"+documentID+"/"+strconv.Itoa(index))).String()
}

func questionIDFor(chunkID string, index int) string {
	return uuid.NewSHA1(idSpace, []byte("question:"+chunkID+"/"+strconv.Itoa(index))).String()
}

// ProcessDocument ingests content keyed by its source, replacing whatever an
// earlier ingestion of the same source stored.
func (e *Engine) ProcessDocument(ctx context.Context, content, source string) (chunks, questions int, err error) {
	res, err := e.ProcessDocumentWithID(ctx, "", content, source)
	if err != nil {
		return 0, 0, err
	}
	return res.Chunks, res.Questions, nil
}

// ProcessDocumentWithID splits, embeds and stores a document, then generates
// and stores hypothetical questions for every chunk. An empty documentID is
// derived from the source. Chunk and question ids derive from the document id
// and position, so ingesting a document again overwrites its entries; entries
// the new version no longer produces are removed afterwards.
//
// Question generation failures are logged and count as zero questions for
// that chunk. Storage and embedding failures abort ingestion; entries written
// before the failure stay and the previous version is not pruned.
func (e *Engine) ProcessDocumentWithID(ctx context.Context, documentID, content, source string) (*IngestResult, error) {
	if source == "" {
		source = "unknown"
	}
	if documentID == "" {
		documentID = DocumentIDFor(source)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "rag.ingest", trace.WithAttributes(
		attribute.String("mailwarden.document.id", documentID),
		attribute.String("mailwarden.document.source", source),
	))
	defer span.End()

	oldChunks, oldQuestions, err := e.meta.DocumentEntries(ctx, documentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list previous entries: %w", err)
	}

	res := &IngestResult{DocumentID: documentID}
	pieces := e.splitter.Split(content)
	res.Chunks = len(pieces)

	written := make(map[string]struct{})
	for i, text := range pieces {
		chunkID, qids, err := e.ingestChunk(ctx, documentID, source, i, text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		written[chunkID] = struct{}{}
		for _, q := range qids {
			written[q] = struct{}{}
		}
		res.Questions += len(qids)
	}

	staleChunks, staleQuestions := missing(oldChunks, written), missing(oldQuestions, written)
	if err := e.prune(ctx, staleChunks, staleQuestions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.Replaced = len(oldChunks) > 0

	span.SetAttributes(
		attribute.Int("mailwarden.ingest.chunks", res.Chunks),
		attribute.Int("mailwarden.ingest.questions", res.Questions),
	)
	if e.hooks.OnIngest != nil {
		e.hooks.OnIngest(res.Chunks, res.Questions)
	}
	e.logger.Info(ctx, "document ingested",
		"document_id", documentID,
		"source", source,
		"chunks", res.Chunks,
		"questions", res.Questions,
		"pruned_chunks", len(staleChunks),
		"pruned_questions", len(staleQuestions),
	)
	return res, nil
}

// prune removes entries of a previous document version.
func (e *Engine) prune(ctx context.Context, chunkIDs, questionIDs []string) error {
	if len(chunkIDs) == 0 && len(questionIDs) == 0 {
		return nil
	}
	if err := e.hyde.Delete(ctx, questionIDs); err != nil {
		return fmt.Errorf("prune questions: %w", err)
	}
	if err := e.chunks.Delete(ctx, chunkIDs); err != nil {
		return fmt.Errorf("prune chunks: %w", err)
	}
	if err := e.meta.DeleteEntries(ctx, chunkIDs, questionIDs); err != nil {
		return fmt.Errorf("prune metadata: %w", err)
	}
	return nil
}

// missing returns the ids not in keep, in input order.
func missing(ids []string, keep map[string]struct{}) []string {
	var out []string
	for _, id := range ids {
		if _, ok := keep[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// ingestChunk stores one chunk and its questions and returns their ids.
func (e *Engine) ingestChunk(ctx context.Context, documentID, source string, index int, text string) (string, []string, error) {
	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", nil, fmt.Errorf("embed chunk %d: %w", index, err)
	}
	if len(vecs) != 1 {
		return "", nil, fmt.Errorf("embed chunk %d: got %d vectors, want 1", index, len(vecs))
	}

	chunkID := chunkIDFor(documentID, index)
	err = e.chunks.Upsert(ctx, []Record{{
		ID:        chunkID,
		Content:   text,
		Embedding: vecs[0],
		Metadata: map[string]string{
			MetaChunkID:    chunkID,
			MetaDocumentID: documentID,
			MetaSource:     source,
			MetaChunkIndex: strconv.Itoa(index),
		},
	}})
	if err != nil {
		return "", nil, fmt.Errorf("store chunk %d: %w", index, err)
	}
	err = e.meta.PutChunk(ctx, ChunkMetadata{
		ChunkID:    chunkID,
		Source:     source,
		DocumentID: documentID,
		Index:      index,
		CreatedAt:  e.opts.Now().UTC(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("store chunk metadata %d: %w", index, err)
	}

	qs, err := e.questions.GenerateQuestions(ctx, text)
	if err != nil {
		e.logger.Warn(ctx, "question generation failed, chunk stored without questions",
			"chunk_id", chunkID, "error", err.Error())
		return chunkID, nil, nil
	}
	qs = nonEmpty(qs)
	if len(qs) == 0 {
		return chunkID, nil, nil
	}

	qvecs, err := e.embedder.Embed(ctx, qs)
	if err != nil {
		return "", nil, fmt.Errorf("embed questions for chunk %d: %w", index, err)
	}
	if len(qvecs) != len(qs) {
		return "", nil, fmt.Errorf("embed questions for chunk %d: got %d vectors, want %d", index, len(qvecs), len(qs))
	}

	records := make([]Record, len(qs))
	qids := make([]string, len(qs))
	for i, q := range qs {
		qid := questionIDFor(chunkID, i)
		qids[i] = qid
		records[i] = Record{
			ID:        qid,
			Content:   q,
			Embedding: qvecs[i],
			Metadata:  map[string]string{MetaQuestionID: qid, MetaChunkID: chunkID},
		}
	}
	if err := e.hyde.Upsert(ctx, records); err != nil {
		return "", nil, fmt.Errorf("store questions for chunk %d: %w", index, err)
	}
	for _, r := range records {
		if err := e.meta.PutMapping(ctx, QuestionChunkMapping{QuestionID: r.ID, ChunkID: chunkID, QuestionContent: r.Content}); err != nil {
			return "", nil, fmt.Errorf("store question mapping: %w", err)
		}
	}
	return chunkID, qids, nil
}

// RetrieveDirect searches the chunk collection, up to k results per query.
func (e *Engine) RetrieveDirect(ctx context.Context, queries []string, k int) ([]ScoredChunk, error) {
	queries = nonEmpty(queries)
	if len(queries) == 0 {
		return nil, nil
	}
	vecs, err := e.embedQueries(ctx, queries)
	if err != nil {
		return nil, err
	}
	return e.searchDirect(ctx, vecs, k)
}

// RetrieveHyde searches the question collection and resolves each matched
// question to its owning chunk. The chunk inherits the question's score.
func (e *Engine) RetrieveHyde(ctx context.Context, queries []string, k int) ([]ScoredChunk, error) {
	queries = nonEmpty(queries)
	if len(queries) == 0 {
		return nil, nil
	}
	vecs, err := e.embedQueries(ctx, queries)
	if err != nil {
		return nil, err
	}
	return e.searchHyde(ctx, vecs, k)
}

func (e *Engine) searchDirect(ctx context.Context, vecs [][]float32, k int) ([]ScoredChunk, error) {
	var out []ScoredChunk
	for i, v := range vecs {
		hits, err := e.chunks.Search(ctx, v, k)
		if err != nil {
			return nil, fmt.Errorf("search chunks for query %d: %w", i, err)
		}
		for _, h := range hits {
			out = append(out, ScoredChunk{
				ChunkID:    chunkIDOf(h.Record),
				DocumentID: h.Record.Metadata[MetaDocumentID],
				Source:     h.Record.Metadata[MetaSource],
				Content:    h.Record.Content,
				Path:       PathDirect,
				Score:      h.Score,
			})
		}
	}
	if e.hooks.OnRetrieve != nil {
		e.hooks.OnRetrieve(PathDirect, len(out))
	}
	return out, nil
}

func (e *Engine) searchHyde(ctx context.Context, vecs [][]float32, k int) ([]ScoredChunk, error) {
	var out []ScoredChunk
	for i, v := range vecs {
		hits, err := e.hyde.Search(ctx, v, k)
		if err != nil {
			return nil, fmt.Errorf("search questions for query %d: %w", i, err)
		}
		if len(hits) == 0 {
			continue
		}

		scores := make(map[string]float64, len(hits))
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			qid := h.Record.Metadata[MetaQuestionID]
			if qid == "" {
				qid = h.Record.ID
			}
			scores[qid] = h.Score
			ids = append(ids, qid)
		}

		resolved, err := e.meta.ResolveQuestions(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve questions: %w", err)
		}
		for _, rq := range resolved {
			rec, ok, err := e.chunks.Get(ctx, rq.ChunkID)
			if err != nil {
				return nil, fmt.Errorf("get chunk %s: %w", rq.ChunkID, err)
			}
			if !ok {
				// index and metadata are written separately and may disagree
				e.logger.Warn(ctx, "question maps to missing chunk", "question_id", rq.QuestionID, "chunk_id", rq.ChunkID)
				continue
			}
			out = append(out, ScoredChunk{
				ChunkID:          rq.ChunkID,
				DocumentID:       rq.DocumentID,
				Source:           rq.Source,
				Content:          rec.Content,
				Path:             PathHyde,
				MatchingQuestion: rq.QuestionContent,
				Score:            scores[rq.QuestionID],
			})
		}
	}
	if e.hooks.OnRetrieve != nil {
		e.hooks.OnRetrieve(PathHyde, len(out))
	}
	return out, nil
}

// Retrieve embeds the queries once, runs both paths with TopK, merges them
// and applies the TopN and MinScore cutoff.
func (e *Engine) Retrieve(ctx context.Context, queries []string) ([]ScoredChunk, error) {
	queries = nonEmpty(queries)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rag.retrieve", trace.WithAttributes(
		attribute.Int("mailwarden.rag.queries", len(queries)),
	))
	defer span.End()
	if len(queries) == 0 {
		return nil, nil
	}

	fail := func(err error) ([]ScoredChunk, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	vecs, err := e.embedQueries(ctx, queries)
	if err != nil {
		return fail(err)
	}
	direct, err := e.searchDirect(ctx, vecs, e.opts.TopK)
	if err != nil {
		return fail(err)
	}
	hyde, err := e.searchHyde(ctx, vecs, e.opts.TopK)
	if err != nil {
		return fail(err)
	}

	merged := MergeAndRerank(direct, hyde)
	out := Rerank(merged, e.opts.TopN, e.opts.MinScore)
	span.SetAttributes(
		attribute.Int("mailwarden.rag.direct", len(direct)),
		attribute.Int("mailwarden.rag.hyde", len(hyde)),
		attribute.Int("mailwarden.rag.results", len(out)),
	)
	return out, nil
}

// RetrieveContext retrieves and renders reference material for drafting.
func (e *Engine) RetrieveContext(ctx context.Context, queries []string) (string, error) {
	results, err := e.Retrieve(ctx, queries)
	if err != nil {
		return "", err
	}
	return FormatContext(results), nil
}

func (e *Engine) embedQueries(ctx context.Context, queries []string) ([][]float32, error) {
	vecs, err := e.embedder.Embed(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("embed queries: %w", err)
	}
	if len(vecs) != len(queries) {
		return nil, fmt.Errorf("embed queries: got %d vectors, want %d", len(vecs), len(queries))
	}
	return vecs, nil
}

// MergeAndRerank unions results by chunk id keeping the higher score. Equal
// scores keep the direct entry. Output is ordered by score descending, then
// chunk id, so the merge is commutative and idempotent. No cutoff is applied.
func MergeAndRerank(direct, hyde []ScoredChunk) []ScoredChunk {
	best := make(map[string]ScoredChunk, len(direct)+len(hyde))
	consider := func(c ScoredChunk) {
		cur, ok := best[c.ChunkID]
		if !ok || better(c, cur) {
			best[c.ChunkID] = c
		}
	}
	for _, c := range direct {
		consider(c)
	}
	for _, c := range hyde {
		consider(c)
	}

	out := make([]ScoredChunk, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// better reports whether a should replace b for the same chunk.
func better(a, b ScoredChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Path != b.Path {
		return a.Path == PathDirect
	}
	return a.MatchingQuestion < b.MatchingQuestion
}

// Rerank drops results below minScore then keeps at most topN (topN <= 0
// keeps all). Input order is preserved.
func Rerank(results []ScoredChunk, topN int, minScore float64) []ScoredChunk {
	out := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		if r.Score < minScore {
			continue
		}
		out = append(out, r)
		if topN > 0 && len(out) == topN {
			break
		}
	}
	return out
}

// FormatContext renders results as numbered reference sections.
func FormatContext(results []ScoredChunk) string {
	if len(results) == 0 {
		return NoReferenceMaterial
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] source: %s (%s, score %.3f)\n", i+1, r.Source, r.Path, r.Score)
		if r.MatchingQuestion != "" {
			fmt.Fprintf(&b, "answers: %s\n", r.MatchingQuestion)
		}
		b.WriteString(r.Content)
	}
	return b.String()
}

func chunkIDOf(r Record) string {
	if id := r.Metadata[MetaChunkID]; id != "" {
		return id
	}
	return r.ID
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
