package api

import (
	"errors"
	"net/http"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/session"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SessionsHandler handles session lifecycle requests.
type SessionsHandler struct {
	manager *session.Manager
	logger  zerolog.Logger
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(manager *session.Manager, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		manager: manager,
		logger:  logger.With().Str("handler", "sessions").Logger(),
	}
}

// Start seats a user at a PC.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ActorID = ActorFromContext(ctx)

	started, err := h.manager.Start(ctx, req)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, started)
}

// Stop closes a session. Billing problems never fail the request; the
// returned session shows whether it was paid.
func (h *SessionsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	stopped, err := h.manager.Stop(ctx, id, ActorFromContext(ctx))
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to stop session")
		return
	}

	writeJSON(w, http.StatusOK, stopped)
}

// Bill retries billing of a closed session.
func (h *SessionsHandler) Bill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	result, err := h.manager.Bill(ctx, id, ActorFromContext(ctx))
	if errors.Is(err, billing.ErrInsufficientBalance) {
		writeError(w, http.StatusPaymentRequired, "Wallet cannot cover the bill, session settled unpaid")
		return
	}
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to bill session")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Get returns a session by ID.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	s, err := h.manager.Get(ctx, id)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve session")
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// ListActive returns all open sessions, newest first.
func (h *SessionsHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.manager.ListActive(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list active sessions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
