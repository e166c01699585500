package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore connects to the database named by KCAFE_TEST_POSTGRES_DSN and
// empties every table. Tests are skipped when the variable is unset.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("KCAFE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KCAFE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 4, AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.pool.Exec(ctx, `
		TRUNCATE audit_entries, coin_transactions, wallet_transactions, sessions,
		         time_grants, pricing_rules, pcs, pc_groups, users, user_groups
	`)
	require.NoError(t, err)

	return store
}

func TestSessionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Users().Create(ctx, storage.User{ID: "u1", Name: "alice", WalletBalance: decimal.NewFromInt(20)}))
	require.NoError(t, store.Users().Create(ctx, storage.User{ID: "u2", Name: "bob"}))
	require.NoError(t, store.PCs().Create(ctx, storage.PC{ID: "pc1", Name: "Station 1"}))

	_, err := store.TimeGrants().Purchase(ctx, storage.TimeGrant{UserID: "u1", OfferName: "1h", HoursRemaining: 1}, decimal.Zero)
	require.NoError(t, err)

	start := time.Now().Add(-90 * time.Minute).Truncate(time.Microsecond)
	require.NoError(t, store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "pc1", UserID: "u1", StartTime: start}, false))

	err = store.Sessions().Start(ctx, storage.Session{ID: "s2", PCID: "pc1", UserID: "u2", StartTime: time.Now()}, false)
	assert.ErrorIs(t, err, storage.ErrPCOccupied)

	closed, ok, err := store.Sessions().Close(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, closed.EndTime)

	_, ok, err = store.Sessions().Close(ctx, "s1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	pc, err := store.PCs().Get(ctx, "pc1")
	require.NoError(t, err)
	assert.False(t, pc.Occupied())

	settled, err := store.Sessions().Settle(ctx, "s1", func(in storage.SettlementInput) (storage.Settlement, error) {
		require.Len(t, in.Grants, 1)
		return storage.Settlement{
			GrantUsage:  []storage.GrantUsage{{GrantID: in.Grants[0].ID, Hours: 1}},
			WalletDebit: decimal.NewFromInt(5),
			WalletTx:    &storage.WalletTransaction{ID: "w1", UserID: "u1", Amount: decimal.NewFromInt(-5), Type: storage.TransactionDeduct, Timestamp: time.Now()},
			Coins:       90,
			CoinTx:      &storage.CoinTransaction{ID: "c1", UserID: "u1", Amount: 90, Reason: storage.CoinReasonPlaytime, Timestamp: time.Now()},
			Paid:        true,
			Amount:      decimal.NewFromInt(5),
		}, nil
	})
	require.NoError(t, err)
	assert.True(t, settled.Paid)

	user, err := store.Users().Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, user.WalletBalance.Equal(decimal.NewFromInt(15)), "wallet %s", user.WalletBalance)
	assert.Equal(t, int64(90), user.CoinsBalance)

	_, err = store.Sessions().Settle(ctx, "s1", func(storage.SettlementInput) (storage.Settlement, error) {
		return storage.Settlement{}, nil
	})
	assert.ErrorIs(t, err, storage.ErrAlreadySettled)
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Users().Create(ctx, storage.User{ID: "u1", Name: "alice", WalletBalance: decimal.NewFromInt(3)}))

	_, err := store.TimeGrants().Purchase(ctx, storage.TimeGrant{UserID: "u1", OfferName: "2h", HoursRemaining: 2}, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, storage.ErrInsufficientBalance)

	grants, err := store.TimeGrants().ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, grants)
}
