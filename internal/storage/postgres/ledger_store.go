package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type walletStore struct {
	pool *pgxpool.Pool
}

func (s *walletStore) TopUp(ctx context.Context, userID string, amount decimal.Decimal, description string, at time.Time) (*storage.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("top-up amount must be positive, got %s", amount)
	}

	entry := storage.WalletTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Type:        storage.TransactionTopUp,
		Timestamp:   defaultTime(at),
		Description: description,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE users SET wallet_balance = wallet_balance + $2::text::numeric WHERE id = $1
	`, userID, amount.String())
	if err != nil {
		return nil, mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, storage.ErrNotFound
	}

	if err := insertWalletTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit top-up: %w", err)
	}
	return &entry, nil
}

func (s *walletStore) ListTransactions(ctx context.Context, userID string, limit int) ([]storage.WalletTransaction, error) {
	return queryAll(ctx, s.pool, scanWalletTx, `
		SELECT `+walletTxColumns+` FROM wallet_transactions
		WHERE user_id = $1 ORDER BY seq DESC LIMIT NULLIF($2, 0)
	`, userID, max(limit, 0))
}

func (s *walletStore) ListCoinTransactions(ctx context.Context, userID string, limit int) ([]storage.CoinTransaction, error) {
	return queryAll(ctx, s.pool, scanCoinTx, `
		SELECT `+coinTxColumns+` FROM coin_transactions
		WHERE user_id = $1 ORDER BY seq DESC LIMIT NULLIF($2, 0)
	`, userID, max(limit, 0))
}

func insertWalletTx(ctx context.Context, tx pgx.Tx, entry storage.WalletTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, user_id, amount, type, timestamp, description)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6)
	`, entry.ID, entry.UserID, entry.Amount.String(), string(entry.Type), entry.Timestamp, entry.Description)
	if err != nil {
		return fmt.Errorf("failed to record wallet transaction: %w", mapError(err))
	}
	return nil
}

func insertCoinTx(ctx context.Context, tx pgx.Tx, entry storage.CoinTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO coin_transactions (id, user_id, amount, reason, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.UserID, entry.Amount, entry.Reason, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record coin transaction: %w", mapError(err))
	}
	return nil
}

type timeGrantStore struct {
	pool *pgxpool.Pool
}

func (s *timeGrantStore) ListByUser(ctx context.Context, userID string) ([]storage.TimeGrant, error) {
	return queryAll(ctx, s.pool, scanGrant, `
		SELECT `+grantColumns+` FROM time_grants
		WHERE user_id = $1 ORDER BY purchased_at, id
	`, userID)
}

func (s *timeGrantStore) Purchase(ctx context.Context, grant storage.TimeGrant, price decimal.Decimal) (*storage.TimeGrant, error) {
	if grant.HoursRemaining <= 0 {
		return nil, fmt.Errorf("grant hours must be positive, got %v", grant.HoursRemaining)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("grant price must not be negative, got %s", price)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	grant.PurchasedAt = defaultTime(grant.PurchasedAt)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the wallet row before checking the balance
	var wallet string
	err = tx.QueryRow(ctx, `SELECT wallet_balance::text FROM users WHERE id = $1 FOR UPDATE`, grant.UserID).Scan(&wallet)
	if err != nil {
		return nil, mapError(err)
	}
	balance, err := parseMoney(wallet, "wallet_balance")
	if err != nil {
		return nil, err
	}
	if balance.LessThan(price) {
		return nil, storage.ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO time_grants (id, user_id, offer_name, hours_remaining, purchased_at)
		VALUES ($1, $2, $3, $4, $5)
	`, grant.ID, grant.UserID, grant.OfferName, grant.HoursRemaining, grant.PurchasedAt)
	if err != nil {
		return nil, mapError(err)
	}

	if price.IsPositive() {
		if _, err := tx.Exec(ctx, `
			UPDATE users SET wallet_balance = wallet_balance - $2::text::numeric WHERE id = $1
		`, grant.UserID, price.String()); err != nil {
			return nil, mapError(err)
		}

		err = insertWalletTx(ctx, tx, storage.WalletTransaction{
			ID:          uuid.NewString(),
			UserID:      grant.UserID,
			Amount:      price.Neg(),
			Type:        storage.TransactionDeduct,
			Timestamp:   grant.PurchasedAt,
			Description: fmt.Sprintf("Offer purchase: %s", grant.OfferName),
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}
	return &grant, nil
}

type auditStore struct {
	pool *pgxpool.Pool
}

func (s *auditStore) Add(ctx context.Context, entry storage.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, actor_id, action, detail, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.ActorID, entry.Action, entry.Detail, defaultTime(entry.Timestamp))
	return mapError(err)
}

func (s *auditStore) List(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	return queryAll(ctx, s.pool, scanAudit, `
		SELECT `+auditColumns+` FROM audit_entries
		ORDER BY timestamp DESC LIMIT NULLIF($1, 0)
	`, max(limit, 0))
}

func (s *auditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_entries WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return int(tag.RowsAffected()), nil
}
