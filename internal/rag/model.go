package rag

import "time"

// Path is the retrieval path that produced a result.
type Path string

const (
	PathDirect Path = "direct"
	PathHyde   Path = "hyde"
)

// DocumentChunk is a stored slice of a source document. Re-ingesting the
// document overwrites it in place.
type DocumentChunk struct {
	ID         string
	DocumentID string
	Source     string
	Index      int
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

// HydeQuestion is a generated question a chunk answers.
type HydeQuestion struct {
	ID        string
	ChunkID   string
	Content   string
	Embedding []float32
}

// QuestionChunkMapping links a question to the chunk it was generated from.
// Unique on (QuestionID, ChunkID).
type QuestionChunkMapping struct {
	QuestionID      string
	ChunkID         string
	QuestionContent string
}

// ChunkMetadata is the relational record of a chunk.
type ChunkMetadata struct {
	ChunkID    string
	Source     string
	DocumentID string
	Index      int
	CreatedAt  time.Time
}

// ResolvedQuestion is a matched question joined with its chunk's metadata.
type ResolvedQuestion struct {
	QuestionID      string
	QuestionContent string
	ChunkID         string
	Source          string
	DocumentID      string
}

// ScoredChunk is a retrieval result. Score is cosine similarity in [-1, 1].
type ScoredChunk struct {
	ChunkID          string  `json:"chunk_id"`
	DocumentID       string  `json:"document_id"`
	Source           string  `json:"source"`
	Content          string  `json:"content"`
	Path             Path    `json:"retrieval_path"`
	MatchingQuestion string  `json:"matching_question,omitempty"`
	Score            float64 `json:"score"`
}

// IngestResult reports what one document produced.
type IngestResult struct {
	DocumentID string
	Chunks     int
	Questions  int
	// Replaced is set when the document had been ingested before.
	Replaced bool
}
