package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/shopspring/decimal"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

// seedFloor creates one user and one PC ready for sessions
func seedFloor(t *testing.T, store *Store, wallet string) {
	t.Helper()
	ctx := context.Background()

	if err := store.Users().Create(ctx, storage.User{
		ID:            "u1",
		Name:          "alice",
		WalletBalance: decimal.RequireFromString(wallet),
	}); err != nil {
		t.Fatalf("Create user failed: %v", err)
	}
	if err := store.PCs().Create(ctx, storage.PC{ID: "pc1", Name: "Station 1"}); err != nil {
		t.Fatalf("Create pc failed: %v", err)
	}
}

func TestUserStore_CreateGetList(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	user := storage.User{
		ID:            "u1",
		Name:          "alice",
		WalletBalance: decimal.RequireFromString("12.50"),
		CoinsBalance:  3,
	}
	if err := store.Users().Create(ctx, user); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Users().Create(ctx, user); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.Users().Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.WalletBalance.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Expected wallet 12.5, got %s", got.WalletBalance)
	}
	if got.CoinsBalance != 3 {
		t.Errorf("Expected 3 coins, got %d", got.CoinsBalance)
	}

	if _, err := store.Users().Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.Users().SetGroup(ctx, "u1", "vip"); err != nil {
		t.Fatalf("SetGroup failed: %v", err)
	}
	if err := store.Users().SetGroup(ctx, "missing", "vip"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for SetGroup on missing user, got %v", err)
	}

	users, err := store.Users().List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(users) != 1 || users[0].GroupID != "vip" {
		t.Errorf("Expected one user in group vip, got %+v", users)
	}
}

func TestPricingRuleStore_ListActive(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	rules := []storage.PricingRule{
		{ID: "r1", Name: "standard", RatePerHour: decimal.NewFromInt(10), Active: true},
		{ID: "r2", Name: "retired", RatePerHour: decimal.NewFromInt(8), Active: false},
		{ID: "r3", Name: "evening", RatePerHour: decimal.NewFromInt(12), GroupID: "vip", StartTime: &start, Active: true},
	}
	for _, rule := range rules {
		if err := store.PricingRules().Create(ctx, rule); err != nil {
			t.Fatalf("Create rule %s failed: %v", rule.ID, err)
		}
	}

	active, err := store.PricingRules().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("Expected 2 active rules, got %d", len(active))
	}
	if active[1].ID != "r3" || active[1].StartTime == nil || !active[1].StartTime.Equal(start) {
		t.Errorf("Expected r3 with start time preserved, got %+v", active[1])
	}
	if active[1].EndTime != nil {
		t.Errorf("Expected open end time, got %v", active[1].EndTime)
	}
}

func TestSessionStore_StartRejectsOccupiedPC(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "10")
	ctx := context.Background()

	if err := store.Users().Create(ctx, storage.User{ID: "u2", Name: "bob"}); err != nil {
		t.Fatalf("Create user failed: %v", err)
	}

	first := storage.Session{ID: "s1", PCID: "pc1", UserID: "u1", StartTime: time.Now()}
	if err := store.Sessions().Start(ctx, first, false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	second := storage.Session{ID: "s2", PCID: "pc1", UserID: "u2", StartTime: first.StartTime.Add(time.Minute)}
	if err := store.Sessions().Start(ctx, second, false); !errors.Is(err, storage.ErrPCOccupied) {
		t.Fatalf("Expected ErrPCOccupied, got %v", err)
	}

	if err := store.Sessions().Start(ctx, second, true); err != nil {
		t.Fatalf("Forced start failed: %v", err)
	}

	pc, err := store.PCs().Get(ctx, "pc1")
	if err != nil {
		t.Fatalf("Get pc failed: %v", err)
	}
	if pc.CurrentUserID != "u2" || pc.CurrentSessionID != "s2" {
		t.Errorf("Expected pc owned by u2/s2, got %s/%s", pc.CurrentUserID, pc.CurrentSessionID)
	}

	active, err := store.Sessions().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("Expected replaced session to stay active, got %d active", len(active))
	}
	if active[0].ID != "s2" || active[1].ID != "s1" {
		t.Errorf("Expected newest session first, got %s then %s", active[0].ID, active[1].ID)
	}
}

func TestSessionStore_StartUnknownRecords(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "10")
	ctx := context.Background()

	err := store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "nope", UserID: "u1", StartTime: time.Now()}, false)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown pc, got %v", err)
	}

	err = store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "pc1", UserID: "nope", StartTime: time.Now()}, false)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestSessionStore_CloseIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "10")
	ctx := context.Background()

	start := time.Now().Add(-time.Hour)
	if err := store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "pc1", UserID: "u1", StartTime: start}, false); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	end := time.Now()
	closed, ok, err := store.Sessions().Close(ctx, "s1", end)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !ok || closed.EndTime == nil || !closed.EndTime.Equal(end.UTC()) {
		t.Fatalf("Expected session closed at %v, got %+v", end, closed)
	}

	again, ok, err := store.Sessions().Close(ctx, "s1", end.Add(time.Hour))
	if err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
	if ok {
		t.Error("Expected second close to report no change")
	}
	if !again.EndTime.Equal(*closed.EndTime) {
		t.Errorf("Expected end time unchanged, got %v", again.EndTime)
	}

	pc, _ := store.PCs().Get(ctx, "pc1")
	if pc.Occupied() {
		t.Errorf("Expected pc released, still held by %s", pc.CurrentUserID)
	}

	if _, _, err := store.Sessions().Close(ctx, "missing", end); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSessionStore_CloseKeepsNewerOccupant(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "10")
	ctx := context.Background()

	_ = store.Users().Create(ctx, storage.User{ID: "u2", Name: "bob"})
	_ = store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "pc1", UserID: "u1", StartTime: time.Now()}, false)
	_ = store.Sessions().Start(ctx, storage.Session{ID: "s2", PCID: "pc1", UserID: "u2", StartTime: time.Now()}, true)

	if _, _, err := store.Sessions().Close(ctx, "s1", time.Now()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	pc, _ := store.PCs().Get(ctx, "pc1")
	if pc.CurrentUserID != "u2" {
		t.Errorf("Expected u2 to keep the pc, got %q", pc.CurrentUserID)
	}
}

func TestSessionStore_Settle(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "20")
	ctx := context.Background()

	grant, err := store.TimeGrants().Purchase(ctx, storage.TimeGrant{UserID: "u1", OfferName: "1h pack", HoursRemaining: 1}, decimal.Zero)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	start := time.Now().Add(-90 * time.Minute)
	_ = store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "pc1", UserID: "u1", StartTime: start}, false)

	plan := func(in storage.SettlementInput) (storage.Settlement, error) {
		if len(in.Grants) != 1 || in.User.ID != "u1" {
			t.Fatalf("Unexpected settlement input: %+v", in)
		}
		return storage.Settlement{
			GrantUsage:  []storage.GrantUsage{{GrantID: grant.ID, Hours: 1}},
			WalletDebit: decimal.NewFromInt(5),
			WalletTx:    &storage.WalletTransaction{ID: "w1", UserID: "u1", Amount: decimal.NewFromInt(-5), Type: storage.TransactionDeduct},
			Coins:       90,
			CoinTx:      &storage.CoinTransaction{ID: "c1", UserID: "u1", Amount: 90, Reason: storage.CoinReasonPlaytime},
			Paid:        true,
			Amount:      decimal.NewFromInt(5),
		}, nil
	}

	if _, err := store.Sessions().Settle(ctx, "s1", plan); !errors.Is(err, storage.ErrSessionActive) {
		t.Fatalf("Expected ErrSessionActive, got %v", err)
	}

	_, _, _ = store.Sessions().Close(ctx, "s1", time.Now())

	settled, err := store.Sessions().Settle(ctx, "s1", plan)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !settled.Paid || !settled.Settled || !settled.Amount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Unexpected settled session: %+v", settled)
	}

	user, _ := store.Users().Get(ctx, "u1")
	if !user.WalletBalance.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Expected wallet 15, got %s", user.WalletBalance)
	}
	if user.CoinsBalance != 90 {
		t.Errorf("Expected 90 coins, got %d", user.CoinsBalance)
	}

	grants, _ := store.TimeGrants().ListByUser(ctx, "u1")
	if len(grants) != 1 || grants[0].HoursRemaining != 0 {
		t.Errorf("Expected exhausted grant kept in storage, got %+v", grants)
	}

	txs, _ := store.Wallet().ListTransactions(ctx, "u1", 10)
	if len(txs) != 1 || txs[0].Type != storage.TransactionDeduct {
		t.Errorf("Expected one deduct entry, got %+v", txs)
	}
	coins, _ := store.Wallet().ListCoinTransactions(ctx, "u1", 10)
	if len(coins) != 1 || coins[0].Amount != 90 {
		t.Errorf("Expected one coin entry of 90, got %+v", coins)
	}

	if _, err := store.Sessions().Settle(ctx, "s1", plan); !errors.Is(err, storage.ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled, got %v", err)
	}
}

func TestSessionStore_SettleRejectsOverdraft(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "1")
	ctx := context.Background()

	_ = store.Sessions().Start(ctx, storage.Session{ID: "s1", PCID: "pc1", UserID: "u1", StartTime: time.Now().Add(-time.Hour)}, false)
	_, _, _ = store.Sessions().Close(ctx, "s1", time.Now())

	_, err := store.Sessions().Settle(ctx, "s1", func(storage.SettlementInput) (storage.Settlement, error) {
		return storage.Settlement{WalletDebit: decimal.NewFromInt(10), Paid: true}, nil
	})
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	session, _ := store.Sessions().Get(ctx, "s1")
	if session.Settled {
		t.Error("Expected session to stay unsettled after a rejected plan")
	}
}

func TestTimeGrantStore_PurchaseOrdering(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "30")
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := storage.TimeGrant{ID: "g-new", UserID: "u1", OfferName: "night", HoursRemaining: 2, PurchasedAt: base.Add(time.Hour)}
	older := storage.TimeGrant{ID: "g-old", UserID: "u1", OfferName: "day", HoursRemaining: 1, PurchasedAt: base}

	if _, err := store.TimeGrants().Purchase(ctx, newer, decimal.NewFromInt(15)); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if _, err := store.TimeGrants().Purchase(ctx, older, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if _, err := store.TimeGrants().Purchase(ctx, storage.TimeGrant{UserID: "u1", OfferName: "too much", HoursRemaining: 5}, decimal.NewFromInt(6)); !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	grants, err := store.TimeGrants().ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(grants) != 2 || grants[0].ID != "g-old" || grants[1].ID != "g-new" {
		t.Fatalf("Expected oldest grant first, got %+v", grants)
	}

	user, _ := store.Users().Get(ctx, "u1")
	if !user.WalletBalance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected wallet 5 after purchases, got %s", user.WalletBalance)
	}
}

func TestWalletStore_TopUp(t *testing.T) {
	store, _ := setupTestStore(t)
	seedFloor(t, store, "0")
	ctx := context.Background()

	if _, err := store.Wallet().TopUp(ctx, "u1", decimal.NewFromInt(-1), "", time.Time{}); err == nil {
		t.Fatal("Expected error for negative top-up")
	}
	if _, err := store.Wallet().TopUp(ctx, "missing", decimal.NewFromInt(1), "", time.Time{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	at := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	for _, amount := range []string{"5.25", "4.75"} {
		if _, err := store.Wallet().TopUp(ctx, "u1", decimal.RequireFromString(amount), "cash", at); err != nil {
			t.Fatalf("TopUp failed: %v", err)
		}
	}

	user, _ := store.Users().Get(ctx, "u1")
	if !user.WalletBalance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected wallet 10, got %s", user.WalletBalance)
	}

	txs, _ := store.Wallet().ListTransactions(ctx, "u1", 1)
	if len(txs) != 1 || !txs[0].Amount.Equal(decimal.RequireFromString("4.75")) {
		t.Fatalf("Expected newest entry 4.75, got %+v", txs)
	}
	if !txs[0].Timestamp.Equal(at) {
		t.Errorf("Expected entry stamped %v, got %v", at, txs[0].Timestamp)
	}
}

func TestAuditStore_DeleteBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	_ = store.Audit().Add(ctx, storage.AuditEntry{Action: "old", Timestamp: now.Add(-48 * time.Hour)})
	_ = store.Audit().Add(ctx, storage.AuditEntry{Action: "new", Timestamp: now})

	removed, err := store.Audit().DeleteBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	entries, _ := store.Audit().List(ctx, 10)
	if len(entries) != 1 || entries[0].Action != "new" {
		t.Errorf("Expected only the new entry, got %+v", entries)
	}
}
