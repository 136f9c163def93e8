package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/mailwarden/internal/agents"
	"github.com/linnemanlabs/mailwarden/internal/app"
	"github.com/linnemanlabs/mailwarden/internal/postgres"
	"github.com/linnemanlabs/mailwarden/internal/rag"
)

// ingester is the slice of rag.Engine used by the ingest command.
type ingester interface {
	ProcessDocument(ctx context.Context, content, source string) (chunks, questions int, err error)
}

func ingestCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Load every .txt file in a directory into the retrieval index",
		Long: `Split, embed and store each .txt file found directly in <dir>, then
generate hypothetical questions for every chunk. The file name is recorded as
the source of its chunks and keys the document, so ingesting a file again
replaces what the previous run stored for it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ing, closeFn, err := o.openIngester(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			sum, err := ingestDir(ctx, ing, args[0], cmd.OutOrStdout())
			if sum.Documents > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\ningested %d documents: %d chunks, %d questions\n",
					sum.Documents, sum.Chunks, sum.Questions)
			}
			return err
		},
	}
}

func (o *options) openPGIngester(ctx context.Context) (ingester, func(), error) {
	if err := o.app.ValidateIngest(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	pool, err := postgres.NewPool(ctx, o.app.DatabaseURL, postgres.WithVector())
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	st, err := app.OpenStores(ctx, &o.app, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	provider, model, err := app.NewProvider(&o.app, nil)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	o.logger.Info(ctx, "ingesting", "provider", o.app.LLMProvider, "model", model,
		"embedding_model", o.app.EmbeddingModel, "chunk_collection", o.app.ChunkCollection)

	eng := rag.NewEngine(app.NewEmbedder(&o.app), agents.New(provider), st.Chunks, st.Questions, st.Meta, rag.Options{
		ChunkSize:    o.app.ChunkSize,
		ChunkOverlap: o.app.ChunkOverlap,
	}, o.logger, rag.Hooks{})
	return eng, pool.Close, nil
}

// ingestSummary totals a directory ingestion.
type ingestSummary struct {
	Documents int
	Chunks    int
	Questions int
	Failed    int
}

// ingestDir ingests the .txt files directly inside dir in name order. A failed
// file is reported and skipped; the returned error counts the failures.
func ingestDir(ctx context.Context, ing ingester, dir string, out io.Writer) (ingestSummary, error) {
	var sum ingestSummary

	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("read %s: %w", dir, err)
	}

	ok := color.New(color.FgGreen).Sprint("✓")
	skip := color.New(color.FgYellow).Sprint("-")
	fail := color.New(color.FgRed).Sprint("✗")

	seen := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".txt") {
			continue
		}
		seen++
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			sum.Failed++
			fmt.Fprintf(out, "%s %s: %v\n", fail, e.Name(), err)
			continue
		}
		content := string(raw)
		if strings.TrimSpace(content) == "" {
			fmt.Fprintf(out, "%s %s: empty, skipped\n", skip, e.Name())
			continue
		}

		chunks, questions, err := ing.ProcessDocument(ctx, content, e.Name())
		if err != nil {
			sum.Failed++
			fmt.Fprintf(out, "%s %s: %v\n", fail, e.Name(), err)
			continue
		}
		sum.Documents++
		sum.Chunks += chunks
		sum.Questions += questions
		fmt.Fprintf(out, "%s %s: %d chunks, %d questions\n", ok, e.Name(), chunks, questions)
	}

	if seen == 0 {
		return sum, fmt.Errorf("no .txt files in %s", dir)
	}
	if sum.Failed > 0 {
		return sum, errors.New(color.New(color.FgRed).Sprintf("%d of %d files failed", sum.Failed, seen))
	}
	return sum, nil
}
