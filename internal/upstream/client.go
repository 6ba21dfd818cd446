// Package upstream consumes the model endpoint's streaming chat protocol.
package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/docsmith/chat-engine/pkg/logger"
)

// ChatMessage is one turn in the wire-format message history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one streaming completion request.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting carried by the final data frame, when the
// upstream supplies it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the assembled terminal value of a completed stream.
type Result struct {
	Content          string
	ReasoningContent string
	Model            string
	Usage            *Usage
}

// Handler receives the stream's callbacks. Content and reasoning deltas are
// delivered in wire order; the two channels interleave independently.
// Exactly one of OnComplete or OnError fires per stream, always last —
// except on cancellation, which terminates silently with no further
// callbacks of any kind.
type Handler struct {
	OnContent   func(delta string)
	OnReasoning func(delta string)
	OnComplete  func(res *Result)
	OnError     func(err error)
}

func (h Handler) content(delta string) {
	if h.OnContent != nil {
		h.OnContent(delta)
	}
}

func (h Handler) reasoning(delta string) {
	if h.OnReasoning != nil {
		h.OnReasoning(delta)
	}
}

func (h Handler) complete(res *Result) {
	if h.OnComplete != nil {
		h.OnComplete(res)
	}
}

func (h Handler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Streamer is the interface the controller consumes.
type Streamer interface {
	// Stream runs one completion request to termination. Errors are
	// delivered through the handler, never returned.
	Stream(ctx context.Context, req *ChatRequest, h Handler)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates an upstream client. baseURL is the API root, e.g.
// "https://api.deepseek.com/v1".
func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			// No overall timeout: streams are unbounded and get cut only by
			// the caller's context. The header timeout makes a dead endpoint
			// fail fast without touching the body read.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		logger: log,
	}
}
