// Package llm defines the provider-neutral text generation types shared by
// the agents and the concrete clients under llm/.
package llm

import (
	"context"
	"errors"
	"strings"
)

// DefaultMaxTokens bounds a single completion when a request leaves MaxTokens unset.
const DefaultMaxTokens = 1024

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm returned no text")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to a provider.
type Message struct {
	Role Role
	Text string
}

// Request is a single completion request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEnd       StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a provider's answer.
type Response struct {
	Text       string
	Model      string
	StopReason StopReason
	Usage      Usage
}

// Provider sends completion requests to a model.
type Provider interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Prompt builds a single-turn request.
func Prompt(system, user string) *Request {
	return &Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Text: user}},
	}
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 { return &t }

// Complete sends req and returns the trimmed text, failing on an empty answer.
func Complete(ctx context.Context, p Provider, req *Request) (string, error) {
	resp, err := p.Send(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
