// Package handler provides HTTP handlers for the API.
package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/docsmith/chat-engine/internal/controller"
	"github.com/docsmith/chat-engine/internal/middleware"
	"github.com/docsmith/chat-engine/internal/model"
	"github.com/docsmith/chat-engine/internal/store"
	"github.com/docsmith/chat-engine/pkg/logger"
)

// SessionHandler handles session CRUD endpoints.
type SessionHandler struct {
	controller *controller.Controller
	store      *store.SessionStore
	logger     *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(ctrl *controller.Controller, st *store.SessionStore, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		controller: ctrl,
		store:      st,
		logger:     log,
	}
}

// ListSessionsResponse is the response for listing sessions.
type ListSessionsResponse struct {
	Sessions         []*model.Session `json:"sessions"`
	CurrentSessionID string           `json:"current_session_id,omitempty"`
}

// List handles GET /api/v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	writeJSON(w, http.StatusOK, &ListSessionsResponse{
		Sessions:         h.store.ListSessions(ctx),
		CurrentSessionID: h.store.CurrentSessionID(ctx),
	})
}

// Create handles POST /api/v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	sess, err := h.controller.NewSession(r.Context())
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// Get handles GET /api/v1/sessions/:id
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Select handles PUT /api/v1/sessions/:id/select
func (h *SessionHandler) Select(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.controller.SelectSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("failed to select session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to select session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/sessions/:id
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.controller.DeleteSession(r.Context(), sessionID); err != nil {
		h.logger.Error("failed to delete session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
