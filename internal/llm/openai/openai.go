// Package openai implements llm.Provider and rag.Embedder for any
// OpenAI-compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/mailwarden/internal/llm"
)

// newAPI builds a go-openai client. An empty baseURL keeps the public API.
func newAPI(apiKey, baseURL string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(cfg)
}

// Client implements llm.Provider using the chat completions API.
type Client struct {
	api   *goopenai.Client
	model string
}

// New creates a chat client for model.
func New(apiKey, baseURL, model string) *Client {
	return &Client{api: newAPI(apiKey, baseURL), model: model}
}

// Send sends a chat completion request.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := c.api.CreateChatCompletion(ctx, toChatRequest(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion: no choices")
	}
	return fromChatResponse(&resp), nil
}

func toChatRequest(model string, req *llm.Request) goopenai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	out := goopenai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}

func fromChatResponse(resp *goopenai.ChatCompletionResponse) *llm.Response {
	choice := resp.Choices[0]
	stop := llm.StopReason(choice.FinishReason)
	switch choice.FinishReason {
	case goopenai.FinishReasonStop:
		stop = llm.StopEnd
	case goopenai.FinishReasonLength:
		stop = llm.StopMaxTokens
	}
	return &llm.Response{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		StopReason: stop,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// Embedder implements rag.Embedder using the embeddings API.
type Embedder struct {
	api        *goopenai.Client
	model      string
	dimensions int
}

// NewEmbedder creates an embedder. dimensions of 0 keeps the model default.
func NewEmbedder(apiKey, baseURL, model string, dimensions int) *Embedder {
	return &Embedder{api: newAPI(apiKey, baseURL), model: model, dimensions: dimensions}
}

// Embed returns one vector per input text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      texts,
		Model:      goopenai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai embeddings: bad index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
