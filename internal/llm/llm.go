// Package llm wraps the chat-completion providers used for problem analysis.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Image is a picture referenced by URL, attached to a user message.
type Image struct {
	URL string
}

type Message struct {
	Role    Role
	Content string
	Images  []Image
}

type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is one completed chat call.
type Response struct {
	Content      string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Latency      time.Duration
	FinishReason string
}

// IsTruncated reports whether generation stopped at the token limit.
// OpenAI-style APIs say "length", Anthropic says "max_tokens".
func (r *Response) IsTruncated() bool {
	return r.FinishReason == "length" || r.FinishReason == "max_tokens"
}

func (r *Response) Tokens() int {
	return r.InputTokens + r.OutputTokens
}

type Provider interface {
	Name() string
	SupportsImages() bool
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error)
}

var (
	ErrEmptyResponse   = errors.New("llm: empty response")
	ErrUnknownProvider = errors.New("llm: unknown provider")
	ErrMissingAPIKey   = errors.New("llm: api key not configured")
)

// APIError is a non-success reply from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

const defaultMaxTokens = 4096
