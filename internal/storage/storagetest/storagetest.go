// Package storagetest provides a miniredis-backed store and fixtures for
// tests of packages that sit on top of storage.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/redis"
	"github.com/shopspring/decimal"
)

// NewStore starts an in-process redis and opens a store against it.
func NewStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

// Money parses a decimal literal, failing the test on bad input.
func Money(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("bad money literal %q: %v", value, err)
	}
	return d
}

// AddUser creates a user with the given wallet balance.
func AddUser(t *testing.T, store storage.Store, id, wallet string) {
	t.Helper()
	user := storage.User{ID: id, Name: id, WalletBalance: Money(t, wallet)}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("Create user %s failed: %v", id, err)
	}
}

// AddPC registers a PC, optionally inside a group.
func AddPC(t *testing.T, store storage.Store, id, groupID string) {
	t.Helper()
	if err := store.PCs().Create(context.Background(), storage.PC{ID: id, Name: id, GroupID: groupID}); err != nil {
		t.Fatalf("Create pc %s failed: %v", id, err)
	}
}

// AddRule creates an active, open-ended rule.
func AddRule(t *testing.T, store storage.Store, id, groupID, rate string) {
	t.Helper()
	rule := storage.PricingRule{ID: id, Name: id, GroupID: groupID, RatePerHour: Money(t, rate), Active: true}
	if err := store.PricingRules().Create(context.Background(), rule); err != nil {
		t.Fatalf("Create rule %s failed: %v", id, err)
	}
}

// AddGrant gives the user free hours purchased at the given time.
func AddGrant(t *testing.T, store storage.Store, userID string, hours float64, purchasedAt time.Time) storage.TimeGrant {
	t.Helper()
	grant, err := store.TimeGrants().Purchase(context.Background(), storage.TimeGrant{
		UserID:         userID,
		OfferName:      "test pack",
		HoursRemaining: hours,
		PurchasedAt:    purchasedAt,
	}, decimal.Zero)
	if err != nil {
		t.Fatalf("Purchase grant failed: %v", err)
	}
	return *grant
}
