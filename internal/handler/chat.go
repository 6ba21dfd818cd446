package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/docsmith/chat-engine/internal/controller"
	"github.com/docsmith/chat-engine/internal/middleware"
	"github.com/docsmith/chat-engine/internal/model"
	"github.com/docsmith/chat-engine/internal/store"
	"github.com/docsmith/chat-engine/pkg/logger"
	"github.com/docsmith/chat-engine/pkg/metrics"
)

// ChatHandler handles the streaming chat endpoints.
type ChatHandler struct {
	controller *controller.Controller
	store      *store.SessionStore
	logger     *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(ctrl *controller.Controller, st *store.SessionStore, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		controller: ctrl,
		store:      st,
		logger:     log,
	}
}

// SendMessageRequest is the request body for sending a message.
type SendMessageRequest struct {
	Content       string `json:"content"`
	Reasoning     bool   `json:"reasoning"`
	SystemMessage string `json:"system_message,omitempty"`
}

// DoneEvent closes the SSE relay; SessionID lets the client pick up a
// session that was created by this send.
type DoneEvent struct {
	SessionID string `json:"session_id,omitempty"`
}

// Send handles POST /api/v1/sessions/:id/messages and POST /api/v1/messages
// (no session selected). The response is an SSE relay of the stream.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID != "" {
		if err := middleware.ValidateSessionID(sessionID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.relay(w, r, sessionID, func(sink controller.DeltaSink) (*model.Message, error) {
		return h.controller.Send(r.Context(), controller.SendRequest{
			SessionID:      sessionID,
			Text:           req.Content,
			Reasoning:      req.Reasoning,
			SystemOverride: req.SystemMessage,
		}, sink)
	})
}

// Regenerate handles POST /api/v1/sessions/:id/regenerate
func (h *ChatHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.relay(w, r, sessionID, func(sink controller.DeltaSink) (*model.Message, error) {
		return h.controller.Regenerate(r.Context(), sessionID, sink)
	})
}

// relay runs one streaming exchange and forwards its callbacks as SSE
// events: delta/reasoning fragments, then exactly one of complete or error,
// then done. A cancelled stream emits only done.
func (h *ChatHandler) relay(w http.ResponseWriter, r *http.Request, sessionID string, exchange func(controller.DeltaSink) (*model.Message, error)) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	var writeMu sync.Mutex
	send := func(event model.EventType, data interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		sendSSEEvent(w, flusher, event, data)
	}

	// Reasoning models can stay quiet for long stretches; heartbeats keep
	// intermediary proxies from killing the connection.
	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				send(model.EventTypeHeartbeat, &model.HeartbeatEvent{Timestamp: time.Now()})
			}
		}
	}()

	msg, err := exchange(func(channel, delta string) {
		event := model.EventTypeDelta
		if channel == "reasoning" {
			event = model.EventTypeReasoning
		}
		send(event, &model.DeltaEvent{Text: delta})
	})
	close(heartbeatDone)

	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		send(model.EventTypeError, &model.ErrorEvent{
			Code:    "session_not_found",
			Message: "session not found",
		})
	case errors.Is(err, controller.ErrNoUserMessage):
		send(model.EventTypeError, &model.ErrorEvent{
			Code:    "nothing_to_regenerate",
			Message: err.Error(),
		})
	case err != nil:
		h.logger.Warn("stream exchange failed",
			zap.String("session_id", sessionID), zap.Error(err))
		send(model.EventTypeError, &model.ErrorEvent{
			Code:    "stream_error",
			Message: err.Error(),
		})
	case msg != nil:
		send(model.EventTypeComplete, &model.CompleteEvent{Message: *msg})
	}
	// msg == nil && err == nil: cancelled, the silent termination path.

	if sessionID == "" {
		// The send created a session; it became current.
		sessionID = h.store.CurrentSessionID(r.Context())
	}
	send("done", &DoneEvent{SessionID: sessionID})
}

// Stop handles POST /api/v1/sessions/:id/stop
func (h *ChatHandler) Stop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.controller.Stop(sessionID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopped"})
}

// DeleteMessage handles DELETE /api/v1/sessions/:id/messages/:messageID
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageID")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.controller.DeleteMessage(r.Context(), sessionID, messageID)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, controller.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case err != nil:
		h.logger.Error("failed to delete message", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete message")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Streaming handles GET /api/v1/streaming — the transient live text of the
// session currently streaming, for UI re-attach after a page reload.
func (h *ChatHandler) Streaming(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Streaming())
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event model.EventType, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
