// Package agents implements the engine's capabilities on top of an
// llm.Provider. Each agent asks for a JSON object and rejects anything that
// does not decode into the expected shape.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mailwarden/internal/llm"
	"github.com/linnemanlabs/mailwarden/internal/rag"
	"github.com/linnemanlabs/mailwarden/internal/triage"
)

// ErrMalformed is returned when model output cannot be decoded.
var ErrMalformed = errors.New("malformed model output")

// Sampling temperatures: deterministic for labeling, looser for writing.
const (
	precise  = 0.0
	creative = 0.7
)

// Agents bundles every LLM-backed capability over one provider.
type Agents struct {
	provider llm.Provider
}

// New returns agents that call p.
func New(p llm.Provider) *Agents {
	if p == nil {
		panic(xerrors.New("llm provider is required"))
	}
	return &Agents{provider: p}
}

var (
	_ triage.Classifier     = (*Agents)(nil)
	_ triage.QueryBuilder   = (*Agents)(nil)
	_ triage.Drafter        = (*Agents)(nil)
	_ triage.Reviewer       = (*Agents)(nil)
	_ rag.QuestionGenerator = (*Agents)(nil)
)

// ask sends one prompt and decodes the JSON object in the answer into out.
func (a *Agents) ask(ctx context.Context, system, user string, temperature float64, out any) error {
	req := llm.Prompt(system, user)
	req.Temperature = llm.Temperature(temperature)
	text, err := llm.Complete(ctx, a.provider, req)
	if err != nil {
		return err
	}
	return decodeJSON(text, out)
}

// decodeJSON extracts the outermost JSON object from text, tolerating code
// fences and prose around it.
func decodeJSON(text string, out any) error {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object in %q", ErrMalformed, truncate(text, 120))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// cleanList trims entries and drops empty ones and exact duplicates, keeping order.
func cleanList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Classify assigns one of the fixed categories to email.
func (a *Agents) Classify(ctx context.Context, email *triage.Email) (triage.Category, error) {
	var out struct {
		Category string `json:"category"`
	}
	if err := a.ask(ctx, classifySystem, emailBlock(email), precise, &out); err != nil {
		return "", err
	}
	return triage.ParseCategory(strings.ToLower(strings.TrimSpace(out.Category)))
}

// BuildQueries derives search queries for the knowledge base.
func (a *Agents) BuildQueries(ctx context.Context, email *triage.Email) ([]string, error) {
	var out struct {
		Queries []string `json:"queries"`
	}
	if err := a.ask(ctx, queriesSystem, emailBlock(email), precise, &out); err != nil {
		return nil, err
	}
	return cleanList(out.Queries), nil
}

// Draft writes one reply attempt.
func (a *Agents) Draft(ctx context.Context, in *triage.DraftInput) (string, error) {
	var out struct {
		Email string `json:"email"`
	}
	if err := a.ask(ctx, draftSystem, draftPrompt(in), creative, &out); err != nil {
		return "", err
	}
	body := strings.TrimSpace(out.Email)
	if body == "" {
		return "", fmt.Errorf("%w: empty draft", ErrMalformed)
	}
	return body, nil
}

// Review decides whether draft is ready to send as a reply to original.
func (a *Agents) Review(ctx context.Context, original *triage.Email, draft string) (triage.Verdict, error) {
	var out struct {
		Send     *bool  `json:"send"`
		Feedback string `json:"feedback"`
	}
	if err := a.ask(ctx, reviewSystem, reviewPrompt(original, draft), creative, &out); err != nil {
		return triage.Verdict{}, err
	}
	if out.Send == nil {
		return triage.Verdict{}, fmt.Errorf("%w: review has no send decision", ErrMalformed)
	}
	return triage.Verdict{Sendable: *out.Send, Reason: strings.TrimSpace(out.Feedback)}, nil
}

// GenerateQuestions proposes questions a chunk of reference text answers.
func (a *Agents) GenerateQuestions(ctx context.Context, chunk string) ([]string, error) {
	var out struct {
		Queries []string `json:"queries"`
	}
	if err := a.ask(ctx, questionsSystem, "Document content:\n"+chunk, creative, &out); err != nil {
		return nil, err
	}
	return cleanList(out.Queries), nil
}
