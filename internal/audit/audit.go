// Package audit records lifecycle and administrative actions.
package audit

import (
	"context"
	"time"

	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/rs/zerolog"
)

// Actions recorded by the core
const (
	ActionSessionStart = "session_start"
	ActionSessionStop  = "session_stop"
	ActionSessionBill  = "session_bill"
	ActionTopUp        = "wallet_topup"
	ActionGrantBuy     = "grant_purchase"
	ActionPCCommand    = "pc_command"
	ActionPCGroup      = "pc_group"
	ActionUserGroup    = "user_group"
)

// writes must not hang the caller when the store is slow
const recordTimeout = 2 * time.Second

// Recorder writes audit entries. Failures are logged and never returned.
type Recorder struct {
	store  storage.AuditStore
	clock  clock.Clock
	logger zerolog.Logger
}

// NewRecorder creates a recorder over store.
func NewRecorder(store storage.AuditStore, clk clock.Clock, logger zerolog.Logger) *Recorder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Record stores one entry. It survives the caller's context being cancelled.
func (r *Recorder) Record(ctx context.Context, actorID, action, detail string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	entry := storage.AuditEntry{
		ActorID:   actorID,
		Action:    action,
		Detail:    detail,
		Timestamp: r.clock.Now(),
	}
	if err := r.store.Add(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("action", action).Str("detail", detail).Msg("Failed to record audit entry")
	}
}
