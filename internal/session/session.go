// Package session starts and stops PC sessions and triggers their billing.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goodtune/kcafe/internal/audit"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/realtime"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrInvalidRequest is returned when a start request is missing a PC or user.
var ErrInvalidRequest = errors.New("session: pc_id and user_id are required")

// StartRequest asks for a user to be seated at a PC. Force replaces an
// existing occupant; the replaced session stays open until stopped.
type StartRequest struct {
	PCID    string `json:"pc_id"`
	UserID  string `json:"user_id"`
	Force   bool   `json:"force"`
	ActorID string `json:"-"`
}

// Biller settles a closed session.
type Biller interface {
	Bill(ctx context.Context, sessionID string) (*billing.Result, error)
}

// AdminNotifier fans a message out to admin consoles.
type AdminNotifier interface {
	BroadcastAdmin(ctx context.Context, msg any) realtime.Delivery
}

// Recorder writes audit entries without failing the caller.
type Recorder interface {
	Record(ctx context.Context, actorID, action, detail string)
}

// Manager owns the session lifecycle.
type Manager struct {
	sessions storage.SessionStore
	biller   Biller
	notifier AdminNotifier
	audit    Recorder
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(store storage.Store, biller Biller, notifier AdminNotifier, recorder Recorder, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		sessions: store.Sessions(),
		biller:   biller,
		notifier: notifier,
		audit:    recorder,
		clock:    clk,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Start opens a session and marks the PC occupied.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*storage.Session, error) {
	if req.PCID == "" || req.UserID == "" {
		return nil, ErrInvalidRequest
	}

	session := storage.Session{
		ID:        uuid.NewString(),
		PCID:      req.PCID,
		UserID:    req.UserID,
		StartTime: m.clock.Now(),
		Amount:    decimal.Zero,
	}

	if err := m.sessions.Start(ctx, session, req.Force); err != nil {
		return nil, fmt.Errorf("failed to start session on pc %s: %w", req.PCID, err)
	}

	metrics.SessionsStarted.WithLabelValues(strconv.FormatBool(req.Force)).Inc()
	m.logger.Info().
		Str("session_id", session.ID).
		Str("pc_id", session.PCID).
		Str("user_id", session.UserID).
		Bool("forced", req.Force).
		Msg("Session started")

	m.audit.Record(ctx, req.ActorID, audit.ActionSessionStart,
		fmt.Sprintf("session=%s pc=%s user=%s forced=%t", session.ID, session.PCID, session.UserID, req.Force))
	m.announce(ctx, realtime.EventStarted, &session)

	return &session, nil
}

// Stop closes a session and bills it. Stopping a closed session returns it
// as stored; if its bill has not committed yet the caller settles it first,
// so concurrent stops all see the same paid state. Billing failures leave the
// session closed and unpaid and are not returned.
func (m *Manager) Stop(ctx context.Context, sessionID, actorID string) (*storage.Session, error) {
	closed, closedNow, err := m.sessions.Close(ctx, sessionID, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to stop session %s: %w", sessionID, err)
	}
	if !closedNow {
		m.logger.Debug().Str("session_id", sessionID).Msg("Session already stopped")
		if !closed.Settled {
			closed = m.settle(ctx, closed)
		}
		return closed, nil
	}

	metrics.SessionsStopped.Inc()
	closed = m.settle(ctx, closed)

	m.logger.Info().
		Str("session_id", closed.ID).
		Str("pc_id", closed.PCID).
		Str("user_id", closed.UserID).
		Bool("paid", closed.Paid).
		Str("amount", closed.Amount.String()).
		Msg("Session stopped")

	m.audit.Record(ctx, actorID, audit.ActionSessionStop,
		fmt.Sprintf("session=%s pc=%s paid=%t amount=%s", closed.ID, closed.PCID, closed.Paid, closed.Amount))
	m.announce(ctx, realtime.EventStopped, closed)

	return closed, nil
}

// settle bills a closed session and returns it as stored afterwards. Losing a
// settle race to another caller is not an error; the winner's record is
// reloaded.
func (m *Manager) settle(ctx context.Context, closed *storage.Session) *storage.Session {
	result, err := m.biller.Bill(ctx, closed.ID)
	switch {
	case err == nil:
		return result.Session
	case errors.Is(err, billing.ErrInsufficientBalance) && result != nil:
		return result.Session
	case errors.Is(err, storage.ErrAlreadySettled):
	default:
		m.logger.Error().Err(err).Str("session_id", closed.ID).Msg("Billing failed, session left unpaid")
	}

	reloaded, err := m.sessions.Get(ctx, closed.ID)
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", closed.ID).Msg("Failed to reload stopped session")
		return closed
	}
	return reloaded
}

// Bill retries billing of a closed session whose earlier attempt did not
// commit. Unlike Stop, billing errors are returned.
func (m *Manager) Bill(ctx context.Context, sessionID, actorID string) (*billing.Result, error) {
	result, err := m.biller.Bill(ctx, sessionID)
	if result != nil {
		m.audit.Record(ctx, actorID, audit.ActionSessionBill,
			fmt.Sprintf("session=%s paid=%t bill=%s", sessionID, result.Session.Paid, result.Bill))
	}
	return result, err
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	return m.sessions.Get(ctx, sessionID)
}

// ListActive returns the open sessions, newest first.
func (m *Manager) ListActive(ctx context.Context) ([]storage.Session, error) {
	return m.sessions.ListActive(ctx)
}

func (m *Manager) announce(ctx context.Context, event string, s *storage.Session) {
	msg := realtime.SessionEvent{
		Type:      realtime.TypeSession,
		Event:     event,
		SessionID: s.ID,
		PCID:      s.PCID,
		UserID:    s.UserID,
		Timestamp: m.clock.Now(),
	}
	if event == realtime.EventStopped {
		paid, amount := s.Paid, s.Amount
		msg.Paid = &paid
		msg.Amount = &amount
	}

	if d := m.notifier.BroadcastAdmin(ctx, msg); d.Err != nil {
		m.logger.Debug().Err(d.Err).Str("event", event).Msg("Admin notification partially failed")
	}
}
