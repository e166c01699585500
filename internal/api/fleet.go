package api

import (
	"fmt"
	"net/http"

	"github.com/goodtune/kcafe/internal/audit"
	"github.com/goodtune/kcafe/internal/pricing"
	"github.com/goodtune/kcafe/internal/realtime"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// FleetHandler handles PCs and the user and PC groups.
type FleetHandler struct {
	pcs        storage.PCStore
	pcGroups   storage.PCGroupStore
	userGroups storage.UserGroupStore
	rates      *pricing.Resolver
	hub        *realtime.Hub
	audit      *audit.Recorder
	logger     zerolog.Logger
}

// NewFleetHandler creates a new fleet handler.
func NewFleetHandler(store storage.Store, rates *pricing.Resolver, hub *realtime.Hub, recorder *audit.Recorder, logger zerolog.Logger) *FleetHandler {
	return &FleetHandler{
		pcs:        store.PCs(),
		pcGroups:   store.PCGroups(),
		userGroups: store.UserGroups(),
		rates:      rates,
		hub:        hub,
		audit:      recorder,
		logger:     logger.With().Str("handler", "fleet").Logger(),
	}
}

type commandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// ListPCs returns all PCs with their occupancy.
func (h *FleetHandler) ListPCs(w http.ResponseWriter, r *http.Request) {
	pcs, err := h.pcs.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list PCs")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve PCs")
		return
	}

	type pcView struct {
		storage.PC
		Connected int `json:"connected"`
	}
	views := make([]pcView, len(pcs))
	for i, pc := range pcs {
		views[i] = pcView{PC: pc, Connected: h.hub.Connected(pc.ID)}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pcs":   views,
		"count": len(views),
	})
}

// CreatePC registers a PC.
func (h *FleetHandler) CreatePC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var pc storage.PC
	if err := decodeJSON(r, &pc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if pc.Name == "" {
		writeError(w, http.StatusBadRequest, "PC name is required")
		return
	}
	if pc.Occupied() || pc.CurrentSessionID != "" {
		writeError(w, http.StatusBadRequest, "Occupancy is set by starting a session")
		return
	}
	if pc.GroupID != "" {
		if _, err := h.pcGroups.Get(ctx, pc.GroupID); err != nil {
			writeStoreError(w, h.logger, err, "Failed to retrieve PC group")
			return
		}
	}
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}

	if err := h.pcs.Create(ctx, pc); err != nil {
		writeStoreError(w, h.logger, err, "Failed to create PC")
		return
	}

	h.logger.Info().Str("id", pc.ID).Str("name", pc.Name).Msg("PC registered")
	writeJSON(w, http.StatusCreated, pc)
}

// SetPCGroup moves a PC into a pricing group; an empty group_id clears it.
func (h *FleetHandler) SetPCGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.GroupID != "" {
		if _, err := h.pcGroups.Get(ctx, req.GroupID); err != nil {
			writeStoreError(w, h.logger, err, "Failed to retrieve PC group")
			return
		}
	}

	if err := h.pcs.SetGroup(ctx, id, req.GroupID); err != nil {
		writeStoreError(w, h.logger, err, "Failed to set PC group")
		return
	}
	h.rates.InvalidatePC(id)

	pc, err := h.pcs.Get(ctx, id)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve PC")
		return
	}

	h.audit.Record(ctx, ActorFromContext(ctx), audit.ActionPCGroup, fmt.Sprintf("pc=%s group=%s", id, req.GroupID))
	writeJSON(w, http.StatusOK, pc)
}

// SendCommand pushes an imperative command to a PC's channels.
func (h *FleetHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "Command is required")
		return
	}

	if _, err := h.pcs.Get(ctx, id); err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve PC")
		return
	}

	d := h.hub.NotifyPC(ctx, id, realtime.Command{Command: req.Command, PCID: id, Params: req.Params})
	if d.Err != nil {
		h.logger.Warn().Err(d.Err).Str("pc_id", id).Str("command", req.Command).Msg("Command not delivered to every channel")
	}

	h.audit.Record(ctx, ActorFromContext(ctx), audit.ActionPCCommand, fmt.Sprintf("pc=%s command=%s", id, req.Command))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"pc_id":     id,
		"command":   req.Command,
		"attempted": d.Attempted,
		"delivered": d.Delivered,
	})
}

// ListPCGroups returns all PC groups.
func (h *FleetHandler) ListPCGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.pcGroups.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list PC groups")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve PC groups")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"count":  len(groups),
	})
}

// CreatePCGroup creates a PC group.
func (h *FleetHandler) CreatePCGroup(w http.ResponseWriter, r *http.Request) {
	var group storage.PCGroup
	if err := decodeJSON(r, &group); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if group.Name == "" {
		writeError(w, http.StatusBadRequest, "Group name is required")
		return
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}

	if err := h.pcGroups.Create(r.Context(), group); err != nil {
		writeStoreError(w, h.logger, err, "Failed to create PC group")
		return
	}

	writeJSON(w, http.StatusCreated, group)
}

// ListUserGroups returns all user groups.
func (h *FleetHandler) ListUserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.userGroups.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list user groups")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve user groups")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"count":  len(groups),
	})
}

// CreateUserGroup creates a discount and loyalty group.
func (h *FleetHandler) CreateUserGroup(w http.ResponseWriter, r *http.Request) {
	var group storage.UserGroup
	if err := decodeJSON(r, &group); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if group.Name == "" {
		writeError(w, http.StatusBadRequest, "Group name is required")
		return
	}
	if group.DiscountPercent < 0 || group.DiscountPercent > 100 {
		writeError(w, http.StatusBadRequest, "Discount percent must be between 0 and 100")
		return
	}
	if group.CoinMultiplier < 0 {
		writeError(w, http.StatusBadRequest, "Coin multiplier must not be negative")
		return
	}
	if group.CoinMultiplier == 0 {
		group.CoinMultiplier = 1
	}
	if group.ID == "" {
		group.ID = uuid.NewString()
	}

	if err := h.userGroups.Create(r.Context(), group); err != nil {
		writeStoreError(w, h.logger, err, "Failed to create user group")
		return
	}

	writeJSON(w, http.StatusCreated, group)
}
