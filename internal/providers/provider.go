// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Groq, OpenRouter).
//
// Each provider lives in its own sub-package and implements the Provider
// interface over a normalized request/response pair. The normalized response
// — ChatCompletion — is the only completion value the rest of the gateway
// handles: it is what the cache stores and what the stream bridge replays.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// Provider name constants. The gateway only routes to providers a project has
// stored keys for, so the set is closed.
const (
	NameOpenAI     = "openai"
	NameAnthropic  = "anthropic"
	NameGroq       = "groq"
	NameOpenRouter = "openrouter"
)

// Names lists all supported providers in failover-documentation order.
var Names = []string{NameOpenAI, NameAnthropic, NameGroq, NameOpenRouter}

// Terminal finish reasons. A completion whose finish_reason is outside this
// set (or empty) is a truncated stream and must not be cached.
var terminalFinish = map[string]struct{}{
	"stop":            {},
	"length":          {},
	"tool_calls":      {},
	"function_call":   {},
	"content_filter":  {},
}

// TerminalFinish reports whether reason marks a complete response.
func TerminalFinish(reason string) bool {
	_, ok := terminalFinish[reason]
	return ok
}

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats in the OpenAI wire shape.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatRequest — normalized client request after parsing and validation.
	ChatRequest struct {
		Endpoint    string          `json:"endpoint"`
		Model       string          `json:"model"`
		Messages    []Message       `json:"messages"`
		Temperature float64         `json:"temperature"`
		TopP        float64         `json:"top_p"`
		MaxTokens   int             `json:"max_tokens"`
		Stream      bool            `json:"-"`
		ResponseFormat json.RawMessage `json:"response_format,omitempty"`
		Tools          json.RawMessage `json:"tools,omitempty"`
		Seed           *int            `json:"seed,omitempty"`

		// Gateway-side routing metadata — never part of the fingerprint.
		ProjectID string `json:"-"`
		RequestID string `json:"-"`
		APIKey    string `json:"-"`
	}

	// Choice is a single completion choice.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// ChatCompletion is the canonical provider-neutral completion.
	ChatCompletion struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}

	// StreamChunk is a single delta delivered during a streaming response.
	StreamChunk struct {
		ID           string
		Model        string
		Role         string
		Content      string
		FinishReason string
		Usage        *Usage
		Err          error
	}

	// ChatResult is a provider response: exactly one of Completion or Stream
	// is set, depending on ChatRequest.Stream.
	ChatResult struct {
		Completion *ChatCompletion
		Stream     <-chan StreamChunk
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		Input     []string
		Model     string
		ProjectID string
		RequestID string
		APIKey    string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Content returns the first choice's message content, or "".
func (c *ChatCompletion) Content() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// FinishReason returns the first choice's finish reason, or "".
func (c *ChatCompletion) FinishReason() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

// Cacheable reports whether the completion is complete enough to store:
// terminal finish and non-empty content.
func (c *ChatCompletion) Cacheable() bool {
	return c != nil && c.Content() != "" && TerminalFinish(c.FinishReason())
}

// Provider — LLM provider capability set.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ChatRequest) (*ChatResult, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// Dispatch timeouts. Streaming calls get a generous total deadline with a
// per-chunk idle limit enforced by the orchestrator's tee loop.
const (
	RequestTimeout     = 60 * time.Second
	StreamIdleTimeout  = 30 * time.Second
	StreamTotalTimeout = 300 * time.Second
	// MaxConnsPerProvider caps the HTTP connection pool for each upstream.
	MaxConnsPerProvider = 64
)

// StatusCoder is implemented by provider errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterer is implemented by provider errors that carry an upstream
// Retry-After hint (rate-limit responses).
type RetryAfterer interface {
	RetryAfter() time.Duration
}
