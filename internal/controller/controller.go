// Package controller orchestrates sends, cancellation, regeneration and
// session lifecycle on top of the store and the upstream consumer.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docsmith/chat-engine/internal/model"
	"github.com/docsmith/chat-engine/internal/store"
	"github.com/docsmith/chat-engine/internal/upstream"
	"github.com/docsmith/chat-engine/pkg/logger"
	"github.com/docsmith/chat-engine/pkg/metrics"
)

var (
	// ErrNoUserMessage means regenerate found nothing to re-issue.
	ErrNoUserMessage = errors.New("no user message to regenerate")
	// ErrMessageNotFound means a delete targeted an unknown message id.
	ErrMessageNotFound = errors.New("message not found")
)

const (
	defaultTitle  = "New Conversation"
	maxTitleRunes = 30

	minTemperature = 0.0
	maxTemperature = 2.0
	minMaxTokens   = 1
	maxMaxTokens   = 8192
)

// Defaults are the global generation settings new sessions snapshot.
type Defaults struct {
	Model          string
	ReasoningModel string
	Temperature    float64
	MaxTokens      int
	SystemMessage  string

	// StreamTimeout of zero leaves streams unbounded; a hanging upstream
	// then blocks its session until the user cancels.
	StreamTimeout time.Duration
}

// SendRequest describes one user turn.
type SendRequest struct {
	// SessionID may be empty: a fresh session is created and made current.
	SessionID string
	Text      string
	// Reasoning requests the reasoning-capable model for this send and
	// records that choice into the session's persisted settings.
	Reasoning      bool
	SystemOverride string
}

// DeltaSink receives live fragments during a send. channel is "content" or
// "reasoning". It is invoked serially, in wire order per channel.
type DeltaSink func(channel, delta string)

// StreamingSnapshot is the transient live-display state for the at most one
// session currently streaming.
type StreamingSnapshot struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning"`
	Active    bool   `json:"active"`
}

type inflight struct {
	cancel context.CancelFunc
}

type liveState struct {
	sessionID string
	content   strings.Builder
	reasoning strings.Builder
}

// Controller is the orchestration layer the UI-facing handlers call into.
type Controller struct {
	store    *store.SessionStore
	streamer upstream.Streamer
	log      *logger.Logger
	defaults Defaults

	mu       sync.Mutex
	inflight map[string]*inflight
	live     *liveState
}

// New creates a controller.
func New(st *store.SessionStore, streamer upstream.Streamer, defaults Defaults, log *logger.Logger) *Controller {
	return &Controller{
		store:    st,
		streamer: streamer,
		log:      log,
		defaults: defaults,
		inflight: make(map[string]*inflight),
	}
}

// Send commits the user turn, streams the reply, and commits the finished
// assistant message. The user message is persisted before streaming begins
// and survives a failed stream. Returns (nil, nil) when the stream was
// cancelled or superseded by a newer send for the same session.
func (c *Controller) Send(ctx context.Context, req SendRequest, sink DeltaSink) (*model.Message, error) {
	sess, err := c.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	userMsg := model.Message{
		ID:        model.NewID(),
		Role:      model.RoleUser,
		Content:   req.Text,
		Timestamp: time.Now(),
	}
	sess.Append(userMsg)
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	if sess.Title == "" {
		sess.Title = deriveTitle(req.Text)
	}

	if req.Reasoning {
		// Recorded into the session so regenerate reproduces the mode
		// without the caller re-specifying it.
		sess.Settings.Model = c.defaults.ReasoningModel
	} else if sess.Settings.Model == "" {
		sess.Settings.Model = c.defaults.Model
	}

	c.persist(ctx, sess)

	settings, systemMessage := c.resolveSettings(sess, req.SystemOverride)
	return c.run(ctx, sess, settings, systemMessage, sink)
}

// Regenerate drops the assistant reply that follows the most recent user
// message and re-issues that turn, preserving the session's recorded mode.
func (c *Controller) Regenerate(ctx context.Context, sessionID string, sink DeltaSink) (*model.Message, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	i := sess.LastUserIndex()
	if i < 0 {
		return nil, ErrNoUserMessage
	}
	if i+1 < len(sess.Messages) && sess.Messages[i+1].Role == model.RoleAssistant {
		trimmed := make([]model.Message, 0, len(sess.Messages)-1)
		trimmed = append(trimmed, sess.Messages[:i+1]...)
		trimmed = append(trimmed, sess.Messages[i+2:]...)
		sess.Messages = trimmed
		sess.Touch()
	}

	c.persist(ctx, sess)

	settings, systemMessage := c.resolveSettings(sess, "")
	return c.run(ctx, sess, settings, systemMessage, sink)
}

// Stop cancels the in-flight stream for a session, if any, and clears the
// transient streaming state. Cancellation is silent: the session is left as
// it was before the send, except for the already-committed user message.
func (c *Controller) Stop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inf := c.inflight[sessionID]
	if inf == nil {
		return
	}
	inf.cancel()
	delete(c.inflight, sessionID)
	if c.live != nil && c.live.sessionID == sessionID {
		c.live = nil
	}
}

// StopAll cancels every in-flight stream. Used during shutdown.
func (c *Controller) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, inf := range c.inflight {
		inf.cancel()
		delete(c.inflight, id)
	}
	c.live = nil
}

// DeleteMessage removes one message from a session by id and persists the
// result. Adjacent messages are untouched.
func (c *Controller) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	kept := make([]model.Message, 0, len(sess.Messages))
	found := false
	for _, msg := range sess.Messages {
		if msg.ID == messageID {
			found = true
			continue
		}
		kept = append(kept, msg)
	}
	if !found {
		return ErrMessageNotFound
	}

	sess.Messages = kept
	sess.Touch()
	return c.store.SaveSession(ctx, sess)
}

// DeleteSession removes a session and re-elects the current pointer to the
// most recently updated remaining session, or clears it.
func (c *Controller) DeleteSession(ctx context.Context, sessionID string) error {
	c.Stop(sessionID)

	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	if c.store.CurrentSessionID(ctx) == sessionID {
		next := ""
		if remaining := c.store.ListSessions(ctx); len(remaining) > 0 {
			next = remaining[0].ID
		}
		if err := c.store.SetCurrentSessionID(ctx, next); err != nil {
			c.log.Warn("failed to persist current-session pointer", zap.Error(err))
		}
	}
	return nil
}

// NewSession creates an empty session with the default settings snapshot
// and makes it current.
func (c *Controller) NewSession(ctx context.Context) (*model.Session, error) {
	sess := model.NewSession(c.defaultSettings())
	if err := c.store.SaveSession(ctx, sess); err != nil {
		c.log.Warn("session not persisted, continuing in memory", zap.Error(err))
	}
	if err := c.store.SetCurrentSessionID(ctx, sess.ID); err != nil {
		c.log.Warn("failed to persist current-session pointer", zap.Error(err))
	}
	metrics.SessionsTotal.Inc()
	return sess, nil
}

// SelectSession makes an existing session current.
func (c *Controller) SelectSession(ctx context.Context, sessionID string) error {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return c.store.SetCurrentSessionID(ctx, sessionID)
}

// Streaming returns the transient live text of the session currently
// streaming, if any.
func (c *Controller) Streaming() StreamingSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil {
		return StreamingSnapshot{}
	}
	return StreamingSnapshot{
		SessionID: c.live.sessionID,
		Content:   c.live.content.String(),
		Reasoning: c.live.reasoning.String(),
		Active:    true,
	}
}

func (c *Controller) resolveSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID != "" {
		return c.store.GetSession(ctx, sessionID)
	}
	sess, err := c.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Controller) defaultSettings() model.Settings {
	return model.Settings{
		Model:         c.defaults.Model,
		Temperature:   c.defaults.Temperature,
		MaxTokens:     c.defaults.MaxTokens,
		SystemMessage: c.defaults.SystemMessage,
	}
}

// resolveSettings produces the clamped effective settings for one send and
// the system message to prepend: per-send override, then session settings,
// then global defaults.
func (c *Controller) resolveSettings(sess *model.Session, systemOverride string) (model.Settings, string) {
	settings := sess.Settings
	if settings.Model == "" {
		settings.Model = c.defaults.Model
	}
	if settings.Temperature == 0 {
		settings.Temperature = c.defaults.Temperature
	}
	if settings.MaxTokens == 0 {
		settings.MaxTokens = c.defaults.MaxTokens
	}

	settings.Temperature = clampFloat(settings.Temperature, minTemperature, maxTemperature)
	settings.MaxTokens = clampInt(settings.MaxTokens, minMaxTokens, maxMaxTokens)

	systemMessage := settings.SystemMessage
	if systemMessage == "" {
		systemMessage = c.defaults.SystemMessage
	}
	if systemOverride != "" {
		systemMessage = systemOverride
	}
	return settings, systemMessage
}

// persist saves a session, downgrading write failures to a logged warning:
// the store keeps the in-memory copy authoritative, so a full or absent
// medium must not abort the turn.
func (c *Controller) persist(ctx context.Context, sess *model.Session) {
	if err := c.store.SaveSession(ctx, sess); err != nil {
		c.log.Warn("session not persisted, continuing in memory",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// run executes one streaming exchange for a session that already has its
// user turn committed. Entering while the session is already streaming
// cancels the active stream first; stale deltas are fenced out by comparing
// inflight identity under the mutex.
func (c *Controller) run(ctx context.Context, sess *model.Session, settings model.Settings, systemMessage string, sink DeltaSink) (*model.Message, error) {
	req := buildChatRequest(sess, settings, systemMessage)

	var streamCtx context.Context
	var cancel context.CancelFunc
	if c.defaults.StreamTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, c.defaults.StreamTimeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	inf := &inflight{cancel: cancel}

	c.mu.Lock()
	if prev := c.inflight[sess.ID]; prev != nil {
		prev.cancel()
	}
	c.inflight[sess.ID] = inf
	live := &liveState{sessionID: sess.ID}
	c.live = live
	c.mu.Unlock()

	var result *upstream.Result
	var streamErr error
	start := time.Now()

	h := upstream.Handler{
		OnContent: func(delta string) {
			c.deliver(sess.ID, inf, live, "content", delta, sink)
		},
		OnReasoning: func(delta string) {
			c.deliver(sess.ID, inf, live, "reasoning", delta, sink)
		},
		OnComplete: func(res *upstream.Result) {
			result = res
		},
		OnError: func(err error) {
			streamErr = err
		},
	}

	c.streamer.Stream(streamCtx, req, h)

	c.mu.Lock()
	mine := c.inflight[sess.ID] == inf
	if mine {
		delete(c.inflight, sess.ID)
		if c.live == live {
			c.live = nil
		}
	}
	c.mu.Unlock()

	if !mine {
		// Cancelled via Stop or superseded by a newer send. Whatever this
		// stream produced is discarded; the newer send owns the session.
		return nil, nil
	}

	switch {
	case streamErr != nil:
		metrics.RecordStream(settings.Model, "error", time.Since(start).Seconds(), 0, 0)
		c.log.Warn("stream failed", zap.String("session_id", sess.ID), zap.Error(streamErr))
		return nil, streamErr

	case result != nil:
		return c.commit(ctx, sess.ID, settings.Model, result, start)

	case errors.Is(streamCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		metrics.RecordStream(settings.Model, "timeout", time.Since(start).Seconds(), 0, 0)
		return nil, fmt.Errorf("upstream stream timed out after %s", c.defaults.StreamTimeout)

	default:
		// Caller's context was cancelled mid-stream: silent, like Stop.
		return nil, nil
	}
}

// deliver appends a delta to the live state and forwards it to the sink,
// unless the stream has been cancelled or superseded. Delivery happens
// under the controller mutex, serializing it against newer sends so a stale
// stream's deltas never appear after its successor started.
func (c *Controller) deliver(sessionID string, inf *inflight, live *liveState, channel, delta string, sink DeltaSink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[sessionID] != inf {
		return
	}
	if channel == "reasoning" {
		live.reasoning.WriteString(delta)
	} else {
		live.content.WriteString(delta)
	}
	if sink != nil {
		sink(channel, delta)
	}
}

// commit appends the finished assistant message and persists the session.
func (c *Controller) commit(ctx context.Context, sessionID, fallbackModel string, res *upstream.Result, start time.Time) (*model.Message, error) {
	modelID := res.Model
	if modelID == "" {
		modelID = fallbackModel
	}

	assistant := model.Message{
		ID:               model.NewID(),
		Role:             model.RoleAssistant,
		Content:          res.Content,
		ReasoningContent: res.ReasoningContent,
		Model:            modelID,
		Timestamp:        time.Now(),
	}
	if res.Usage != nil {
		assistant.Usage = &model.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	}

	// Re-read the session: a message may have been deleted while the
	// stream was running.
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session vanished during stream: %w", err)
	}
	sess.Append(assistant)
	c.persist(ctx, sess)

	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	prompt, completion := 0, 0
	if assistant.Usage != nil {
		prompt, completion = assistant.Usage.PromptTokens, assistant.Usage.CompletionTokens
	}
	metrics.RecordStream(modelID, "success", time.Since(start).Seconds(), prompt, completion)

	if assistant.Usage != nil {
		c.log.Info("stream completed",
			zap.String("session_id", sessionID),
			zap.String("model", modelID),
			zap.String("usage", assistant.Usage.String()),
		)
	}
	return &assistant, nil
}

func buildChatRequest(sess *model.Session, settings model.Settings, systemMessage string) *upstream.ChatRequest {
	messages := make([]upstream.ChatMessage, 0, len(sess.Messages)+1)
	if systemMessage != "" {
		messages = append(messages, upstream.ChatMessage{
			Role:    string(model.RoleSystem),
			Content: systemMessage,
		})
	}
	for _, msg := range sess.Messages {
		messages = append(messages, upstream.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return &upstream.ChatRequest{
		Model:       settings.Model,
		Messages:    messages,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
	}
}

// deriveTitle produces a short human-readable label from the first user
// message: trimmed, bounded to a rune prefix, with a fixed fallback.
func deriveTitle(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return defaultTitle
	}
	runes := []rune(t)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + "..."
	}
	return t
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
