package rag

import "context"

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// QuestionGenerator proposes questions a chunk of text answers.
type QuestionGenerator interface {
	GenerateQuestions(ctx context.Context, chunk string) ([]string, error)
}

// Record is an entry in a vector collection.
type Record struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Hit is a nearest-neighbour match with its cosine similarity.
type Hit struct {
	Record Record
	Score  float64
}

// VectorIndex is one named vector collection.
type VectorIndex interface {
	Upsert(ctx context.Context, records []Record) error
	// Search returns up to k records ordered by descending similarity.
	Search(ctx context.Context, embedding []float32, k int) ([]Hit, error)
	Get(ctx context.Context, id string) (*Record, bool, error)
	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error
}

// MetadataStore holds chunk metadata and question mappings.
type MetadataStore interface {
	PutChunk(ctx context.Context, m ChunkMetadata) error
	PutMapping(ctx context.Context, m QuestionChunkMapping) error
	// ResolveQuestions joins question ids to their chunks. Unknown ids are dropped.
	ResolveQuestions(ctx context.Context, questionIDs []string) ([]ResolvedQuestion, error)
	// DocumentEntries lists the chunk and question ids recorded for a document.
	DocumentEntries(ctx context.Context, documentID string) (chunkIDs, questionIDs []string, err error)
	// DeleteEntries removes chunk metadata, the mappings of those chunks, and
	// the mappings of the given questions.
	DeleteEntries(ctx context.Context, chunkIDs, questionIDs []string) error
}

// metadata keys on vector records
const (
	MetaChunkID    = "chunk_id"
	MetaDocumentID = "document_id"
	MetaSource     = "source"
	MetaChunkIndex = "chunk_index"
	MetaQuestionID = "question_id"
)
