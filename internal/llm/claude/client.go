package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/mailwarden/internal/llm"
)

// Client implements llm.Provider for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a new Claude API client with the given API key and model name.
// Extra request options (base URL, retries, HTTP client) are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		sdk:   anthropic.NewClient(opts...),
		model: model,
	}
}

// Send sends a request to the Claude API and returns the response.
func (c *Client) Send(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	msg, err := c.sdk.Messages.New(ctx, c.toParams(req))
	if err != nil {
		return nil, fmt.Errorf("claude messages.new: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func (c *Client) toParams(req *llm.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func toSDKMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	var text strings.Builder
	for i := range msg.Content {
		if msg.Content[i].Type == "text" {
			text.WriteString(msg.Content[i].Text)
		}
	}

	stop := llm.StopReason(msg.StopReason)
	switch msg.StopReason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		stop = llm.StopEnd
	case anthropic.StopReasonMaxTokens:
		stop = llm.StopMaxTokens
	}

	return &llm.Response{
		Text:       text.String(),
		Model:      string(msg.Model),
		StopReason: stop,
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
