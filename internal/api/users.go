package api

import (
	"fmt"
	"net/http"

	"github.com/goodtune/kcafe/internal/audit"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// UsersHandler handles accounts, wallets and purchased time.
type UsersHandler struct {
	users      storage.UserStore
	userGroups storage.UserGroupStore
	wallet     storage.WalletStore
	grants     storage.TimeGrantStore
	audit      *audit.Recorder
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(store storage.Store, recorder *audit.Recorder, clk clock.Clock, logger zerolog.Logger) *UsersHandler {
	return &UsersHandler{
		users:      store.Users(),
		userGroups: store.UserGroups(),
		wallet:     store.Wallet(),
		grants:     store.TimeGrants(),
		audit:      recorder,
		clock:      clk,
		logger:     logger.With().Str("handler", "users").Logger(),
	}
}

type userRequest struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	GroupID       string          `json:"group_id"`
}

type topUpRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type grantRequest struct {
	OfferName string          `json:"offer_name"`
	Hours     float64         `json:"hours"`
	Price     decimal.Decimal `json:"price"`
}

type groupRequest struct {
	GroupID string `json:"group_id"`
}

// List returns all users.
func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list users")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// Get returns a single user by ID.
func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	user, err := h.users.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// Create creates a new user.
func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "User name is required")
		return
	}
	if req.WalletBalance.IsNegative() {
		writeError(w, http.StatusBadRequest, "Opening wallet balance must not be negative")
		return
	}
	if req.GroupID != "" {
		if _, err := h.userGroups.Get(ctx, req.GroupID); err != nil {
			writeStoreError(w, h.logger, err, "Failed to retrieve user group")
			return
		}
	}

	user := storage.User{
		ID:            req.ID,
		Name:          req.Name,
		WalletBalance: req.WalletBalance,
		GroupID:       req.GroupID,
		CreatedAt:     h.clock.Now(),
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	if err := h.users.Create(ctx, user); err != nil {
		writeStoreError(w, h.logger, err, "Failed to create user")
		return
	}

	h.logger.Info().Str("id", user.ID).Str("name", user.Name).Msg("User created")
	writeJSON(w, http.StatusCreated, user)
}

// TopUp credits the user's wallet.
func (h *UsersHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req topUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Top-up amount must be positive")
		return
	}
	if req.Description == "" {
		req.Description = "Wallet top-up"
	}

	tx, err := h.wallet.TopUp(ctx, id, req.Amount, req.Description, h.clock.Now())
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to top up wallet")
		return
	}

	h.audit.Record(ctx, ActorFromContext(ctx), audit.ActionTopUp, fmt.Sprintf("user=%s amount=%s", id, req.Amount))
	writeJSON(w, http.StatusCreated, tx)
}

// Transactions returns the user's wallet ledger, newest first.
func (h *UsersHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if _, err := h.users.Get(ctx, id); err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve user")
		return
	}

	txs, err := h.wallet.ListTransactions(ctx, id, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to list wallet transactions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transactions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Coins returns the user's coin balance and ledger, newest first.
func (h *UsersHandler) Coins(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	user, err := h.users.Get(ctx, id)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve user")
		return
	}

	txs, err := h.wallet.ListCoinTransactions(ctx, id, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to list coin transactions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve coin transactions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":      user.CoinsBalance,
		"transactions": txs,
		"count":        len(txs),
	})
}

// ListGrants returns the user's purchased time, oldest first.
func (h *UsersHandler) ListGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if _, err := h.users.Get(ctx, id); err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve user")
		return
	}

	grants, err := h.grants.ListByUser(ctx, id)
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to list grants")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve grants")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"grants": grants,
		"count":  len(grants),
	})
}

// PurchaseGrant sells prepaid hours, paid from the wallet.
func (h *UsersHandler) PurchaseGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OfferName == "" {
		writeError(w, http.StatusBadRequest, "Offer name is required")
		return
	}
	if req.Hours <= 0 {
		writeError(w, http.StatusBadRequest, "Hours must be positive")
		return
	}
	if req.Price.IsNegative() {
		writeError(w, http.StatusBadRequest, "Price must not be negative")
		return
	}

	grant, err := h.grants.Purchase(ctx, storage.TimeGrant{
		UserID:         id,
		OfferName:      req.OfferName,
		HoursRemaining: req.Hours,
		PurchasedAt:    h.clock.Now(),
	}, req.Price)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to purchase grant")
		return
	}

	h.audit.Record(ctx, ActorFromContext(ctx), audit.ActionGrantBuy,
		fmt.Sprintf("user=%s offer=%s hours=%g price=%s", id, req.OfferName, req.Hours, req.Price))
	writeJSON(w, http.StatusCreated, grant)
}

// SetGroup assigns the user to a discount group; an empty group_id clears it.
func (h *UsersHandler) SetGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.GroupID != "" {
		if _, err := h.userGroups.Get(ctx, req.GroupID); err != nil {
			writeStoreError(w, h.logger, err, "Failed to retrieve user group")
			return
		}
	}

	if err := h.users.SetGroup(ctx, id, req.GroupID); err != nil {
		writeStoreError(w, h.logger, err, "Failed to set user group")
		return
	}

	user, err := h.users.Get(ctx, id)
	if err != nil {
		writeStoreError(w, h.logger, err, "Failed to retrieve user")
		return
	}

	h.audit.Record(ctx, ActorFromContext(ctx), audit.ActionUserGroup, fmt.Sprintf("user=%s group=%s", id, req.GroupID))
	writeJSON(w, http.StatusOK, user)
}
