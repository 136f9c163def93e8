// Package memstore provides in-memory vector collections and metadata for rag.
package memstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/linnemanlabs/mailwarden/internal/rag"
)

// Index is an in-memory vector collection searched by exhaustive cosine
// similarity. Suitable for dev/testing.
type Index struct {
	mu      sync.RWMutex
	records map[string]rag.Record
}

// NewIndex initializes an empty collection.
func NewIndex() *Index {
	return &Index{records: make(map[string]rag.Record)}
}

// Upsert stores copies of the records, replacing any with the same id.
func (x *Index) Upsert(_ context.Context, records []rag.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			return errors.New("record without id")
		}
		x.records[r.ID] = clone(r)
	}
	return nil
}

// Search returns the k most similar records, ties broken by id.
func (x *Index) Search(_ context.Context, embedding []float32, k int) ([]rag.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	x.mu.RLock()
	hits := make([]rag.Hit, 0, len(x.records))
	for _, r := range x.records {
		hits = append(hits, rag.Hit{Record: r, Score: Cosine(embedding, r.Embedding)})
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	for i := range hits {
		hits[i].Record = clone(hits[i].Record)
	}
	return hits, nil
}

// Get retrieves a record by id. Returns a copy.
func (x *Index) Get(_ context.Context, id string) (*rag.Record, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.records[id]
	if !ok {
		return nil, false, nil
	}
	cp := clone(r)
	return &cp, true, nil
}

// Delete removes records by id.
func (x *Index) Delete(_ context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.records, id)
	}
	return nil
}

// Len returns the number of stored records.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clone(r rag.Record) rag.Record {
	cp := r
	cp.Embedding = append([]float32(nil), r.Embedding...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Metadata holds chunk metadata and question mappings in memory.
type Metadata struct {
	mu       sync.RWMutex
	chunks   map[string]rag.ChunkMetadata
	mappings map[[2]string]rag.QuestionChunkMapping // (question, chunk) -> mapping
}

// NewMetadata initializes an empty store.
func NewMetadata() *Metadata {
	return &Metadata{
		chunks:   make(map[string]rag.ChunkMetadata),
		mappings: make(map[[2]string]rag.QuestionChunkMapping),
	}
}

// PutChunk upserts chunk metadata.
func (m *Metadata) PutChunk(_ context.Context, c rag.ChunkMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[c.ChunkID] = c
	return nil
}

// PutMapping upserts a question mapping, unique on the (question, chunk) pair.
func (m *Metadata) PutMapping(_ context.Context, q rag.QuestionChunkMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[[2]string{q.QuestionID, q.ChunkID}] = q
	return nil
}

// ResolveQuestions joins questions to chunk metadata, in question id order
// of the input. Questions whose chunk has no metadata are dropped.
func (m *Metadata) ResolveQuestions(_ context.Context, questionIDs []string) ([]rag.ResolvedQuestion, error) {
	want := make(map[string]int, len(questionIDs))
	for i, id := range questionIDs {
		if _, ok := want[id]; !ok {
			want[id] = i
		}
	}

	m.mu.RLock()
	var out []rag.ResolvedQuestion
	for key, q := range m.mappings {
		if _, ok := want[key[0]]; !ok {
			continue
		}
		c, ok := m.chunks[q.ChunkID]
		if !ok {
			continue
		}
		out = append(out, rag.ResolvedQuestion{
			QuestionID:      q.QuestionID,
			QuestionContent: q.QuestionContent,
			ChunkID:         q.ChunkID,
			Source:          c.Source,
			DocumentID:      c.DocumentID,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if want[out[i].QuestionID] != want[out[j].QuestionID] {
			return want[out[i].QuestionID] < want[out[j].QuestionID]
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}

// DocumentEntries lists the chunks of a document and the questions mapped to
// them, each sorted by id.
func (m *Metadata) DocumentEntries(_ context.Context, documentID string) ([]string, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := make(map[string]struct{})
	var chunkIDs []string
	for id, c := range m.chunks {
		if c.DocumentID == documentID {
			owned[id] = struct{}{}
			chunkIDs = append(chunkIDs, id)
		}
	}
	var questionIDs []string
	for key := range m.mappings {
		if _, ok := owned[key[1]]; ok {
			questionIDs = append(questionIDs, key[0])
		}
	}
	sort.Strings(chunkIDs)
	sort.Strings(questionIDs)
	return chunkIDs, questionIDs, nil
}

// DeleteEntries removes chunk metadata with its mappings, and mappings of the
// given questions.
func (m *Metadata) DeleteEntries(_ context.Context, chunkIDs, questionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunks := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		chunks[id] = struct{}{}
		delete(m.chunks, id)
	}
	questions := make(map[string]struct{}, len(questionIDs))
	for _, id := range questionIDs {
		questions[id] = struct{}{}
	}
	for key := range m.mappings {
		_, byChunk := chunks[key[1]]
		_, byQuestion := questions[key[0]]
		if byChunk || byQuestion {
			delete(m.mappings, key)
		}
	}
	return nil
}

// Chunks returns the number of stored chunk metadata records.
func (m *Metadata) Chunks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Mappings returns the number of stored question mappings.
func (m *Metadata) Mappings() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings)
}
