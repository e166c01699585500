package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type walletStore struct {
	client *redis.Client
}

// TopUp credits the wallet and appends a topup ledger entry atomically
func (s *walletStore) TopUp(ctx context.Context, userID string, amount decimal.Decimal, description string, at time.Time) (*storage.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("top-up amount must be positive, got %s", amount)
	}
	if at.IsZero() {
		at = time.Now()
	}

	uKey := userKey(userID)
	entry := storage.WalletTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Type:        storage.TransactionTopUp,
		Timestamp:   at,
		Description: description,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wallet transaction: %w", err)
	}

	err = watchRetry(ctx, s.client, func(tx *redis.Tx) error {
		user, err := getRecord(ctx, tx, uKey, parseUser)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, uKey, "wallet_balance", user.WalletBalance.Add(amount).String())
			pipe.RPush(ctx, walletTxKey(userID), payload)
			return nil
		})
		return err
	}, uKey)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// ListTransactions returns the newest wallet ledger entries first
func (s *walletStore) ListTransactions(ctx context.Context, userID string, limit int) ([]storage.WalletTransaction, error) {
	return readLedger[storage.WalletTransaction](ctx, s.client, walletTxKey(userID), limit)
}

// ListCoinTransactions returns the newest coin ledger entries first
func (s *walletStore) ListCoinTransactions(ctx context.Context, userID string, limit int) ([]storage.CoinTransaction, error) {
	return readLedger[storage.CoinTransaction](ctx, s.client, coinTxKey(userID), limit)
}

// readLedger decodes the tail of an append-only JSON list in reverse order
func readLedger[T any](ctx context.Context, client *redis.Client, key string, limit int) ([]T, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	raw, err := client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]T, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var entry T
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

type timeGrantStore struct {
	client *redis.Client
}

// ListByUser returns the user's grants, oldest purchase first
func (s *timeGrantStore) ListByUser(ctx context.Context, userID string) ([]storage.TimeGrant, error) {
	ids, err := s.client.ZRange(ctx, userGrantsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return loadRecords(ctx, s.client, ids, grantKey, parseTimeGrant)
}

// Purchase debits the price and stores the grant in one transaction
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
	if grant.PurchasedAt.IsZero() {
		grant.PurchasedAt = time.Now()
	}

	uKey := userKey(grant.UserID)
	var payload []byte
	if price.IsPositive() {
		entry := storage.WalletTransaction{
			ID:          uuid.NewString(),
			UserID:      grant.UserID,
			Amount:      price.Neg(),
			Type:        storage.TransactionDeduct,
			Timestamp:   grant.PurchasedAt,
			Description: fmt.Sprintf("Offer purchase: %s", grant.OfferName),
		}
		var err error
		if payload, err = json.Marshal(entry); err != nil {
			return nil, fmt.Errorf("failed to encode wallet transaction: %w", err)
		}
	}

	err := watchRetry(ctx, s.client, func(tx *redis.Tx) error {
		user, err := getRecord(ctx, tx, uKey, parseUser)
		if err != nil {
			return err
		}
		if user.WalletBalance.LessThan(price) {
			return storage.ErrInsufficientBalance
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, grantKey(grant.ID),
				"id", grant.ID,
				"user_id", grant.UserID,
				"offer_name", grant.OfferName,
				"hours_remaining", formatFloat(grant.HoursRemaining),
				"purchased_at", formatTime(grant.PurchasedAt),
			)
			pipe.ZAdd(ctx, userGrantsKey(grant.UserID), redis.Z{Score: score(grant.PurchasedAt), Member: grant.ID})
			if payload != nil {
				pipe.HSet(ctx, uKey, "wallet_balance", user.WalletBalance.Sub(price).String())
				pipe.RPush(ctx, walletTxKey(grant.UserID), payload)
			}
			return nil
		})
		return err
	}, uKey)
	if err != nil {
		return nil, err
	}

	return &grant, nil
}
