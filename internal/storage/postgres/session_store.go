package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

type sessionStore struct {
	pool *pgxpool.Pool
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	return queryAll(ctx, s.pool, scanSession, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE end_time IS NULL ORDER BY start_time DESC, id
	`)
}

func (s *sessionStore) Start(ctx context.Context, session storage.Session, force bool) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the PC row so concurrent starts serialize on occupancy
	var occupant string
	err = tx.QueryRow(ctx, `SELECT COALESCE(current_user_id, '') FROM pcs WHERE id = $1 FOR UPDATE`, session.PCID).Scan(&occupant)
	if err != nil {
		return fmt.Errorf("pc %s: %w", session.PCID, mapError(err))
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, session.UserID).Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return fmt.Errorf("user %s: %w", session.UserID, storage.ErrNotFound)
	}

	if occupant != "" && !force {
		return storage.ErrPCOccupied
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, pc_id, user_id, start_time) VALUES ($1, $2, $3, $4)
	`, session.ID, session.PCID, session.UserID, session.StartTime)
	if err != nil {
		return mapError(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE pcs SET current_user_id = $2, current_session_id = $3 WHERE id = $1
	`, session.PCID, session.UserID, session.ID)
	if err != nil {
		return mapError(err)
	}

	return tx.Commit(ctx)
}

func (s *sessionStore) Close(ctx context.Context, id string, end time.Time) (*storage.Session, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, err
	}
	if !session.Active() {
		return session, false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE sessions SET end_time = $2 WHERE id = $1`, id, end); err != nil {
		return nil, false, mapError(err)
	}

	// A forced start may have handed the PC to a newer session
	_, err = tx.Exec(ctx, `
		UPDATE pcs SET current_user_id = NULL, current_session_id = NULL
		WHERE id = $1 AND current_session_id = $2
	`, session.PCID, id)
	if err != nil {
		return nil, false, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit close: %w", err)
	}

	session.EndTime = &end
	return session, true, nil
}

func (s *sessionStore) Settle(ctx context.Context, id string, fn storage.SettleFunc) (*storage.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	session, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if session.Active() {
		return nil, storage.ErrSessionActive
	}
	if session.Settled {
		return nil, storage.ErrAlreadySettled
	}

	user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, session.UserID))
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", session.UserID, err)
	}

	var group *storage.UserGroup
	if user.GroupID != "" {
		group, err = scanUserGroup(tx.QueryRow(ctx, `SELECT `+userGroupColumns+` FROM user_groups WHERE id = $1`, user.GroupID))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	grants, err := queryAll(ctx, tx, scanGrant, `
		SELECT `+grantColumns+` FROM time_grants
		WHERE user_id = $1 ORDER BY purchased_at, id FOR UPDATE
	`, user.ID)
	if err != nil {
		return nil, err
	}

	plan, err := fn(storage.SettlementInput{Session: *session, User: *user, Group: group, Grants: grants})
	if err != nil {
		return nil, err
	}
	if plan.WalletDebit.GreaterThan(user.WalletBalance) {
		return nil, storage.ErrInsufficientBalance
	}

	for _, usage := range plan.GrantUsage {
		tag, err := tx.Exec(ctx, `
			UPDATE time_grants SET hours_remaining = GREATEST(hours_remaining - $3, 0)
			WHERE id = $1 AND user_id = $2
		`, usage.GrantID, user.ID, usage.Hours)
		if err != nil {
			return nil, mapError(err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("grant %s is not owned by user %s", usage.GrantID, user.ID)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE users
		SET wallet_balance = wallet_balance - $2::text::numeric, coins_balance = coins_balance + $3
		WHERE id = $1
	`, user.ID, plan.WalletDebit.String(), plan.Coins)
	if err != nil {
		return nil, mapError(err)
	}

	if plan.WalletTx != nil {
		if err := insertWalletTx(ctx, tx, *plan.WalletTx); err != nil {
			return nil, err
		}
	}
	if plan.CoinTx != nil {
		if err := insertCoinTx(ctx, tx, *plan.CoinTx); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE sessions SET paid = $2, amount = $3::text::numeric, settled = TRUE WHERE id = $1
	`, id, plan.Paid, plan.Amount.String())
	if err != nil {
		return nil, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	session.Paid = plan.Paid
	session.Amount = plan.Amount
	session.Settled = true
	return session, nil
}
