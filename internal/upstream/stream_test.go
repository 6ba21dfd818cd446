package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsmith/chat-engine/pkg/logger"
)

// collector records every callback a stream delivers.
type collector struct {
	mu        sync.Mutex
	content   []string
	reasoning []string
	result    *Result
	err       error
	terminals int
}

func (c *collector) handler() Handler {
	return Handler{
		OnContent: func(delta string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.content = append(c.content, delta)
		},
		OnReasoning: func(delta string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.reasoning = append(c.reasoning, delta)
		},
		OnComplete: func(res *Result) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.result = res
			c.terminals++
		},
		OnError: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.err = err
			c.terminals++
		},
	}
}

func contentFrame(text string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", text)
}

func reasoningFrame(text string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"reasoning_content":%q}}]}`+"\n\n", text)
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(h)
	return NewClient(srv.URL, "test-key", logger.NewNop()), srv.Close
}

func TestStreamOrderPreservation(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		// Reasoning and content interleave arbitrarily on the wire.
		fmt.Fprint(w, reasoningFrame("x"))
		fmt.Fprint(w, contentFrame("A"))
		flusher.Flush()
		fmt.Fprint(w, contentFrame("B"))
		fmt.Fprint(w, reasoningFrame("y"))
		fmt.Fprint(w, contentFrame("C"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.NotNil(t, c.result)
	assert.Equal(t, "ABC", c.result.Content)
	assert.Equal(t, "xy", c.result.ReasoningContent)
	assert.Equal(t, []string{"A", "B", "C"}, c.content)
	assert.Equal(t, []string{"x", "y"}, c.reasoning)
	assert.Equal(t, 1, c.terminals)
}

func TestStreamFrameSplitAcrossReads(t *testing.T) {
	frame := contentFrame("Hello, world")
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		// One frame split across two transport writes, then two frames in
		// a single write.
		fmt.Fprint(w, frame[:10])
		flusher.Flush()
		fmt.Fprint(w, frame[10:])
		flusher.Flush()
		fmt.Fprint(w, contentFrame("!")+"data: [DONE]\n\n")
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.NotNil(t, c.result)
	assert.Equal(t, "Hello, world!", c.result.Content)
}

func TestStreamPrematureCloseSynthesizesCompletion(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, contentFrame("He"))
		fmt.Fprint(w, contentFrame("llo"))
		// No [DONE]: the transport closes cleanly.
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.NoError(t, c.err)
	require.NotNil(t, c.result)
	assert.Equal(t, "Hello", c.result.Content)
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, contentFrame("good"))
		fmt.Fprint(w, "data: {this is not json\n\n")
		fmt.Fprint(w, contentFrame(" frames"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.NotNil(t, c.result)
	assert.Equal(t, "good frames", c.result.Content)
	assert.Nil(t, c.err)
}

func TestStreamIgnoresHeartbeatsAndEmptyFrames(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[]}\n\n")
		fmt.Fprint(w, contentFrame("ok"))
		fmt.Fprint(w, "event: ping\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.NotNil(t, c.result)
	assert.Equal(t, "ok", c.result.Content)
}

func TestStreamSentinelStopsParsing(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, contentFrame("before"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		// Bytes after the sentinel must not be interpreted.
		fmt.Fprint(w, contentFrame("after"))
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.NotNil(t, c.result)
	assert.Equal(t, "before", c.result.Content)
	assert.Equal(t, []string{"before"}, c.content)
}

func TestStreamCapturesUsageAndModel(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `data: {"model":"deepseek-chat","choices":[{"delta":{"content":"hi"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "fallback"}, c.handler())

	require.NotNil(t, c.result)
	assert.Equal(t, "deepseek-chat", c.result.Model)
	require.NotNil(t, c.result.Usage)
	assert.Equal(t, 12, c.result.Usage.PromptTokens)
	assert.Equal(t, 34, c.result.Usage.CompletionTokens)
	assert.Equal(t, 46, c.result.Usage.TotalTokens)
}

func TestStreamNonSuccessStatusFails(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"overloaded"}`)
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.Error(t, c.err)
	assert.Contains(t, c.err.Error(), "503")
	assert.Nil(t, c.result)
	assert.Empty(t, c.content)
}

func TestStreamConnectionRefusedFails(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "key", logger.NewNop())

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	require.Error(t, c.err)
	assert.Nil(t, c.result)
}

func TestStreamCancellationIsSilent(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, contentFrame("partial"))
		flusher.Flush()
		// Hold the stream open until the client gives up.
		<-r.Context().Done()
	})
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c collector
	h := c.handler()
	inner := h.OnContent
	h.OnContent = func(delta string) {
		inner(delta)
		cancel()
	}

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		client.Stream(ctx, &ChatRequest{Model: "test"}, h)
	}()

	select {
	case <-streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}

	// Cancellation terminates with no terminal callback at all.
	assert.Equal(t, 0, c.terminals)
	assert.Nil(t, c.result)
	assert.NoError(t, c.err)
	assert.Equal(t, []string{"partial"}, c.content)
}

func TestStreamInterruptedAfterDeltasCompletesPartial(t *testing.T) {
	client, done := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, contentFrame("partial answer"))
		flusher.Flush()
		// Kill the connection without a clean chunked terminator.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("hijacking not supported")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	})
	defer done()

	var c collector
	client.Stream(context.Background(), &ChatRequest{Model: "test"}, c.handler())

	// Content was already delivered: prefer a partial answer to an error.
	require.NotNil(t, c.result)
	assert.Equal(t, "partial answer", c.result.Content)
	assert.NoError(t, c.err)
}
