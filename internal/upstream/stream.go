package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/docsmith/chat-engine/pkg/metrics"
)

// doneSentinel is the terminal data frame that ends a well-formed stream.
const doneSentinel = "[DONE]"

// maxFrameSize bounds one SSE line; frames beyond this abort the scan.
const maxFrameSize = 1 << 20

// chatCompletionRequest is the wire shape of the request body.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// streamChunk is the wire shape of one decoded data frame. Frames with no
// choices (heartbeats, usage-only frames) are legal.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Stream opens a streaming completion request and consumes its framed
// response. Content and reasoning deltas fire in wire order; exactly one
// terminal callback fires unless ctx is cancelled, in which case nothing
// further fires at all. See Handler for the full contract.
func (c *Client) Stream(ctx context.Context, req *ChatRequest, h Handler) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		h.fail(fmt.Errorf("encode request: %w", err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		h.fail(fmt.Errorf("build request: %w", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.fail(fmt.Errorf("upstream request failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.fail(fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, bytes.TrimSpace(excerpt)))
		return
	}

	var content, reasoning strings.Builder
	var usage *Usage
	modelID := req.Model
	sawDone := false
	sawDelta := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		// Cancellation is observed between frames: once the token reads as
		// cancelled, no delta is delivered and no terminal event fires.
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			// Event separator or SSE comment (heartbeat).
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			// Other SSE fields (event:, id:) carry nothing in this protocol.
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneSentinel {
			sawDone = true
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// One bad frame must not discard an otherwise-good answer.
			metrics.MalformedFramesTotal.Inc()
			c.logger.Debug("skipping malformed frame", zap.Error(err))
			continue
		}

		if chunk.Model != "" {
			modelID = chunk.Model
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		// Some upstreams name the channel "reasoning", others
		// "reasoning_content".
		reasoningDelta := delta.Reasoning
		if reasoningDelta == "" {
			reasoningDelta = delta.ReasoningContent
		}

		if reasoningDelta != "" {
			reasoning.WriteString(reasoningDelta)
			metrics.DeltasTotal.WithLabelValues("reasoning").Inc()
			sawDelta = true
			h.reasoning(reasoningDelta)
		}
		if delta.Content != "" {
			content.WriteString(delta.Content)
			metrics.DeltasTotal.WithLabelValues("content").Inc()
			sawDelta = true
			h.content(delta.Content)
		}
	}

	if ctx.Err() != nil {
		return
	}

	if err := scanner.Err(); err != nil && !sawDone {
		// A transport failure after deltas were delivered still yields a
		// partial-but-usable answer; only a failure with nothing read at
		// all is surfaced as an error.
		if !sawDelta {
			h.fail(fmt.Errorf("upstream stream failed: %w", err))
			return
		}
		c.logger.Warn("stream interrupted, completing with partial answer", zap.Error(err))
	}

	// A clean close without the sentinel is treated as completion: partial
	// answers beat silent data loss.
	h.complete(&Result{
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		Model:            modelID,
		Usage:            usage,
	})
}
