package api

import (
	"net/http"
	"time"

	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PricingHandler handles pricing rules and time estimates.
type PricingHandler struct {
	pcs       storage.PCStore
	rules     storage.PricingRuleStore
	estimator *ledger.Estimator
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewPricingHandler creates a new pricing handler.
func NewPricingHandler(store storage.Store, estimator *ledger.Estimator, clk clock.Clock, logger zerolog.Logger) *PricingHandler {
	return &PricingHandler{
		pcs:       store.PCs(),
		rules:     store.PricingRules(),
		estimator: estimator,
		clock:     clk,
		logger:    logger.With().Str("handler", "pricing").Logger(),
	}
}

// ruleRequest is the body of a rule creation. Active defaults to true.
type ruleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	RatePerHour decimal.Decimal `json:"rate_per_hour"`
	GroupID     string          `json:"group_id"`
	StartTime   *time.Time      `json:"start_time"`
	EndTime     *time.Time      `json:"end_time"`
	Active      *bool           `json:"active"`
	Description string          `json:"description"`
}

// ListRules returns all pricing rules.
func (h *PricingHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list pricing rules")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve pricing rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateRule creates a pricing rule.
func (h *PricingHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Rule name is required")
		return
	}
	if req.RatePerHour.IsNegative() {
		writeError(w, http.StatusBadRequest, "Rate per hour must not be negative")
		return
	}
	if req.StartTime != nil && req.EndTime != nil && req.EndTime.Before(*req.StartTime) {
		writeError(w, http.StatusBadRequest, "End time must not be before start time")
		return
	}

	rule := storage.PricingRule{
		ID:          req.ID,
		Name:        req.Name,
		RatePerHour: req.RatePerHour,
		GroupID:     req.GroupID,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Active:      req.Active == nil || *req.Active,
		Description: req.Description,
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if err := h.rules.Create(ctx, rule); err != nil {
		writeStoreError(w, h.logger, err, "Failed to create pricing rule")
		return
	}

	h.logger.Info().Str("id", rule.ID).Str("rate", rule.RatePerHour.String()).Msg("Pricing rule created")
	writeJSON(w, http.StatusCreated, rule)
}

// Estimate returns the minutes left for the occupant of a PC. An idle PC
// can be estimated for a prospective user with ?user_id=.
func (h *PricingHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pcID := r.URL.Query().Get("pc_id")
	if pcID == "" {
		writeError(w, http.StatusBadRequest, "pc_id is required")
		return
	}

	pc, err := h.pcs.Get(ctx, pcID)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve PC")
		return
	}
	if !pc.Occupied() {
		pc.CurrentUserID = r.URL.Query().Get("user_id")
	}

	remaining, err := h.estimator.ForOccupant(ctx, *pc, h.clock.Now())
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to estimate remaining time")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pc_id":     pc.ID,
		"user_id":   pc.CurrentUserID,
		"minutes":   remaining.Minutes,
		"unlimited": remaining.Unlimited,
	})
}
