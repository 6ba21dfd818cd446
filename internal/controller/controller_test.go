package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsmith/chat-engine/internal/model"
	"github.com/docsmith/chat-engine/internal/store"
	"github.com/docsmith/chat-engine/internal/upstream"
	"github.com/docsmith/chat-engine/pkg/logger"
)

// fakeStreamer plays one scripted exchange per call and records every
// request it received.
type fakeStreamer struct {
	mu       sync.Mutex
	scripts  []func(ctx context.Context, req *upstream.ChatRequest, h upstream.Handler)
	requests []*upstream.ChatRequest
	calls    int
}

func (f *fakeStreamer) Stream(ctx context.Context, req *upstream.ChatRequest, h upstream.Handler) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	idx := f.calls
	f.calls++
	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	script := f.scripts[idx]
	f.mu.Unlock()

	script(ctx, req, h)
}

func (f *fakeStreamer) request(i int) *upstream.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func completeWith(content, reasoning string) func(context.Context, *upstream.ChatRequest, upstream.Handler) {
	return func(_ context.Context, _ *upstream.ChatRequest, h upstream.Handler) {
		for _, r := range strings.Split(reasoning, "") {
			if h.OnReasoning != nil {
				h.OnReasoning(r)
			}
		}
		for _, c := range strings.Split(content, "") {
			if h.OnContent != nil {
				h.OnContent(c)
			}
		}
		h.OnComplete(&upstream.Result{
			Content:          content,
			ReasoningContent: reasoning,
			Model:            "test-model",
			Usage:            &upstream.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		})
	}
}

func failWith(err error) func(context.Context, *upstream.ChatRequest, upstream.Handler) {
	return func(_ context.Context, _ *upstream.ChatRequest, h upstream.Handler) {
		h.OnError(err)
	}
}

func testDefaults() Defaults {
	return Defaults{
		Model:          "chat-model",
		ReasoningModel: "reasoning-model",
		Temperature:    0.7,
		MaxTokens:      4096,
	}
}

func newTestController(scripts ...func(context.Context, *upstream.ChatRequest, upstream.Handler)) (*Controller, *fakeStreamer, *store.SessionStore) {
	st := store.NewSessionStore(store.NewMemKV(), logger.NewNop())
	fake := &fakeStreamer{scripts: scripts}
	ctrl := New(st, fake, testDefaults(), logger.NewNop())
	return ctrl, fake, st
}

func TestSendCreatesSessionAndCommitsBothTurns(t *testing.T) {
	ctx := context.Background()
	ctrl, fake, st := newTestController(completeWith("Hello there", "because"))

	var deltas []string
	msg, err := ctrl.Send(ctx, SendRequest{Text: "hi"}, func(channel, delta string) {
		deltas = append(deltas, channel+":"+delta)
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, model.RoleAssistant, msg.Role)
	assert.Equal(t, "Hello there", msg.Content)
	assert.Equal(t, "because", msg.ReasoningContent)
	require.NotNil(t, msg.Usage)
	assert.Equal(t, 3, msg.Usage.TotalTokens)

	sessions := st.ListSessions(ctx)
	require.Len(t, sessions, 1)
	sess := sessions[0]
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, model.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "hi", sess.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, sess.Messages[1].Role)

	// The new session became current, and deltas arrived in order.
	assert.Equal(t, sess.ID, st.CurrentSessionID(ctx))
	assert.Equal(t, "reasoning:b", deltas[0])
	assert.Equal(t, "content:H", deltas[len("because")])

	// The upstream saw the user turn.
	req := fake.request(0)
	assert.Equal(t, "chat-model", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].Content)
}

func TestSendPrependsSystemMessage(t *testing.T) {
	ctx := context.Background()
	ctrl, fake, _ := newTestController(completeWith("ok", ""))

	_, err := ctrl.Send(ctx, SendRequest{Text: "hi", SystemOverride: "be terse"}, nil)
	require.NoError(t, err)

	req := fake.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestTitleDerivation(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"trimmed", "  What is a monad?  ", "What is a monad?"},
		{"whitespace only", "   \n\t ", "New Conversation"},
		{"bounded prefix", strings.Repeat("long ", 20), strings.Repeat("long ", 6) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ctrl, _, st := newTestController(completeWith("ok", ""))

			_, err := ctrl.Send(ctx, SendRequest{Text: tt.text}, nil)
			require.NoError(t, err)

			sessions := st.ListSessions(ctx)
			require.Len(t, sessions, 1)
			assert.Equal(t, tt.want, sessions[0].Title)
		})
	}
}

func TestFailedStreamKeepsUserMessage(t *testing.T) {
	ctx := context.Background()
	upstreamErr := errors.New("upstream returned status 500")
	ctrl, _, st := newTestController(failWith(upstreamErr))

	msg, err := ctrl.Send(ctx, SendRequest{Text: "doomed"}, nil)
	assert.Nil(t, msg)
	require.ErrorIs(t, err, upstreamErr)

	sessions := st.ListSessions(ctx)
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Messages, 1)
	assert.Equal(t, model.RoleUser, sessions[0].Messages[0].Role)

	// Transient state is cleared on failure.
	assert.False(t, ctrl.Streaming().Active)
}

func TestStopLeavesNoPartialAssistantMessage(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	blocking := func(ctx context.Context, _ *upstream.ChatRequest, h upstream.Handler) {
		h.OnContent("par")
		h.OnContent("tial")
		close(started)
		<-ctx.Done()
		// Cancelled: no terminal callback fires.
	}
	ctrl, _, st := newTestController(blocking)

	sess, err := ctrl.NewSession(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := ctrl.Send(ctx, SendRequest{SessionID: sess.ID, Text: "hi"}, nil)
		assert.Nil(t, msg)
		assert.NoError(t, err)
	}()

	<-started
	assert.Equal(t, "partial", ctrl.Streaming().Content)
	ctrl.Stop(sess.ID)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after stop")
	}

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.False(t, ctrl.Streaming().Active)
}

func TestSecondSendSupersedesFirst(t *testing.T) {
	ctx := context.Background()
	firstStarted := make(chan struct{})
	first := func(ctx context.Context, _ *upstream.ChatRequest, h upstream.Handler) {
		h.OnContent("first")
		close(firstStarted)
		<-ctx.Done()
	}
	ctrl, _, st := newTestController(first, completeWith("second", ""))

	sess, err := ctrl.NewSession(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := ctrl.Send(ctx, SendRequest{SessionID: sess.ID, Text: "one"}, nil)
		assert.Nil(t, msg)
		assert.NoError(t, err)
	}()
	<-firstStarted

	msg, err := ctrl.Send(ctx, SendRequest{SessionID: sess.ID, Text: "two"}, nil)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "second", msg.Content)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("superseded send did not return")
	}

	// Exactly one assistant message, from the second stream.
	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	var assistants []model.Message
	for _, m := range got.Messages {
		if m.Role == model.RoleAssistant {
			assistants = append(assistants, m)
		}
	}
	require.Len(t, assistants, 1)
	assert.Equal(t, "second", assistants[0].Content)
}

func TestReasoningModeRecordedAndPreservedByRegenerate(t *testing.T) {
	ctx := context.Background()
	ctrl, fake, st := newTestController(
		completeWith("first answer", "thinking"),
		completeWith("second answer", "rethinking"),
	)

	_, err := ctrl.Send(ctx, SendRequest{Text: "hard question", Reasoning: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "reasoning-model", fake.request(0).Model)

	sessions := st.ListSessions(ctx)
	require.Len(t, sessions, 1)
	sessionID := sessions[0].ID
	assert.Equal(t, "reasoning-model", sessions[0].Settings.Model)

	// Regenerate re-issues with the recorded mode, no flag re-specified.
	msg, err := ctrl.Regenerate(ctx, sessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "second answer", msg.Content)
	assert.Equal(t, "reasoning-model", fake.request(1).Model)

	got, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "second answer", got.Messages[1].Content)
}

func TestRegenerateWithoutAssistantReply(t *testing.T) {
	ctx := context.Background()
	ctrl, _, st := newTestController(failWith(errors.New("boom")), completeWith("recovered", ""))

	_, err := ctrl.Send(ctx, SendRequest{Text: "hi"}, nil)
	require.Error(t, err)

	sessionID := st.ListSessions(ctx)[0].ID
	msg, err := ctrl.Regenerate(ctx, sessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", msg.Content)

	got, _ := st.GetSession(ctx, sessionID)
	require.Len(t, got.Messages, 2)
}

func TestRegenerateEmptySession(t *testing.T) {
	ctx := context.Background()
	ctrl, _, _ := newTestController(completeWith("ok", ""))

	sess, err := ctrl.NewSession(ctx)
	require.NoError(t, err)

	_, err = ctrl.Regenerate(ctx, sess.ID, nil)
	assert.ErrorIs(t, err, ErrNoUserMessage)
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	ctrl, _, st := newTestController(completeWith("answer", ""))

	_, err := ctrl.Send(ctx, SendRequest{Text: "hi"}, nil)
	require.NoError(t, err)

	sess := st.ListSessions(ctx)[0]
	require.Len(t, sess.Messages, 2)
	userID := sess.Messages[0].ID

	require.NoError(t, ctrl.DeleteMessage(ctx, sess.ID, userID))

	got, _ := st.GetSession(ctx, sess.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, model.RoleAssistant, got.Messages[0].Role)

	assert.ErrorIs(t, ctrl.DeleteMessage(ctx, sess.ID, "no-such-id"), ErrMessageNotFound)
}

func TestDeleteSessionReelectsCurrentPointer(t *testing.T) {
	ctx := context.Background()
	ctrl, _, st := newTestController(completeWith("ok", ""))

	older, err := ctrl.NewSession(ctx)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	newer, err := ctrl.NewSession(ctx)
	require.NoError(t, err)

	require.Equal(t, newer.ID, st.CurrentSessionID(ctx))

	require.NoError(t, ctrl.DeleteSession(ctx, newer.ID))
	assert.Equal(t, older.ID, st.CurrentSessionID(ctx))

	require.NoError(t, ctrl.DeleteSession(ctx, older.ID))
	assert.Empty(t, st.CurrentSessionID(ctx))
}

func TestSettingsClampedBeforeSend(t *testing.T) {
	ctx := context.Background()
	ctrl, fake, _ := newTestController(completeWith("ok", ""))

	sess, err := ctrl.NewSession(ctx)
	require.NoError(t, err)
	loaded, err := ctrl.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	loaded.Settings.Temperature = 9.9
	loaded.Settings.MaxTokens = 1 << 20
	require.NoError(t, ctrl.store.SaveSession(ctx, loaded))

	_, err = ctrl.Send(ctx, SendRequest{SessionID: sess.ID, Text: "hi"}, nil)
	require.NoError(t, err)

	req := fake.request(0)
	assert.Equal(t, 2.0, req.Temperature)
	assert.Equal(t, 8192, req.MaxTokens)
}

func TestSendToUnknownSessionFails(t *testing.T) {
	ctx := context.Background()
	ctrl, _, _ := newTestController(completeWith("ok", ""))

	_, err := ctrl.Send(ctx, SendRequest{SessionID: model.NewID(), Text: "hi"}, nil)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}
