// Package app builds the model clients and stores shared by the server and
// the operator CLI from a cfg.Config.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	mc "github.com/linnemanlabs/mailwarden/internal/cfg"
	"github.com/linnemanlabs/mailwarden/internal/escalation"
	escmem "github.com/linnemanlabs/mailwarden/internal/escalation/memstore"
	escpg "github.com/linnemanlabs/mailwarden/internal/escalation/pgstore"
	"github.com/linnemanlabs/mailwarden/internal/llm"
	"github.com/linnemanlabs/mailwarden/internal/llm/claude"
	"github.com/linnemanlabs/mailwarden/internal/llm/openai"
	"github.com/linnemanlabs/mailwarden/internal/rag"
	ragmem "github.com/linnemanlabs/mailwarden/internal/rag/memstore"
	ragpg "github.com/linnemanlabs/mailwarden/internal/rag/pgstore"
)

// NewProvider builds the configured generation provider, instrumented.
func NewProvider(c *mc.Config, metrics *llm.Metrics) (llm.Provider, string, error) {
	switch c.LLMProvider {
	case mc.ProviderClaude:
		return llm.Instrument(mc.ProviderClaude, claude.New(c.ClaudeAPIKey, c.ClaudeModel), metrics), c.ClaudeModel, nil
	case mc.ProviderOpenAI:
		return llm.Instrument(mc.ProviderOpenAI, openai.New(c.OpenAIAPIKey, c.OpenAIBaseURL, c.OpenAIModel), metrics), c.OpenAIModel, nil
	}
	return nil, "", fmt.Errorf("unknown llm provider %q", c.LLMProvider)
}

// NewEmbedder builds the OpenAI-compatible embedding client.
func NewEmbedder(c *mc.Config) rag.Embedder {
	key, base := c.EmbeddingEndpoint()
	return openai.NewEmbedder(key, base, c.EmbeddingModel, c.EmbeddingDimensions)
}

// Stores are the persistence backends shared by the engine, consumer and API.
type Stores struct {
	Tasks     escalation.Store
	Chunks    rag.VectorIndex
	Questions rag.VectorIndex
	Meta      rag.MetadataStore
	Backend   string
}

// OpenStores selects postgres when pool is set and in-memory stores otherwise.
func OpenStores(ctx context.Context, c *mc.Config, pool *pgxpool.Pool) (*Stores, error) {
	if pool == nil {
		return &Stores{
			Tasks:     escmem.New(),
			Chunks:    ragmem.NewIndex(),
			Questions: ragmem.NewIndex(),
			Meta:      ragmem.NewMetadata(),
			Backend:   "memory",
		}, nil
	}

	tasks, err := escpg.New(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("task store init: %w", err)
	}
	chunks, err := ragpg.NewIndex(ctx, pool, c.ChunkCollection, c.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("chunk collection init: %w", err)
	}
	questions, err := ragpg.NewIndex(ctx, pool, c.QuestionCollection, c.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("question collection init: %w", err)
	}
	meta, err := ragpg.NewMetadata(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("metadata store init: %w", err)
	}
	return &Stores{Tasks: tasks, Chunks: chunks, Questions: questions, Meta: meta, Backend: "postgres"}, nil
}
