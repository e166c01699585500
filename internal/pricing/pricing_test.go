package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/storagetest"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func at(hour int) time.Time {
	return time.Date(2026, 5, 4, hour, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func TestSelect(t *testing.T) {
	global := storage.PricingRule{ID: "b-global", RatePerHour: decimal.NewFromInt(10), Active: true}
	vip := storage.PricingRule{ID: "c-vip", GroupID: "vip", RatePerHour: decimal.NewFromInt(15), Active: true}
	happyHour := storage.PricingRule{ID: "z-happy", RatePerHour: decimal.NewFromInt(6), Active: true, StartTime: ptr(at(14)), EndTime: ptr(at(16))}
	otherGroup := storage.PricingRule{ID: "a-other", GroupID: "console", RatePerHour: decimal.NewFromInt(4), Active: true}
	inactive := storage.PricingRule{ID: "a-inactive", GroupID: "vip", RatePerHour: decimal.NewFromInt(1), Active: false}

	tests := []struct {
		name   string
		rules  []storage.PricingRule
		group  string
		at     time.Time
		wantID string
	}{
		{"global only", []storage.PricingRule{global}, "", at(10), "b-global"},
		{"group rule beats global", []storage.PricingRule{global, vip}, "vip", at(10), "c-vip"},
		{"group rule beats windowed global", []storage.PricingRule{happyHour, vip}, "vip", at(15), "c-vip"},
		{"windowed beats open-ended", []storage.PricingRule{global, happyHour}, "", at(15), "z-happy"},
		{"window start is inclusive", []storage.PricingRule{global, happyHour}, "", at(14), "z-happy"},
		{"window end is inclusive", []storage.PricingRule{global, happyHour}, "", at(16), "z-happy"},
		{"outside window falls back", []storage.PricingRule{global, happyHour}, "", at(17), "b-global"},
		{"other group ignored", []storage.PricingRule{global, otherGroup}, "vip", at(10), "b-global"},
		{"inactive ignored", []storage.PricingRule{global, inactive}, "vip", at(10), "b-global"},
		{"smallest id breaks ties", []storage.PricingRule{{ID: "r2", Active: true}, {ID: "r1", Active: true}}, "", at(10), "r1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := Select(tt.rules, tt.group, tt.at)
			if !ok {
				t.Fatal("Expected a rule to be selected")
			}
			if rule.ID != tt.wantID {
				t.Errorf("Expected %s, got %s", tt.wantID, rule.ID)
			}
		})
	}

	if _, ok := Select([]storage.PricingRule{otherGroup, inactive}, "vip", at(10)); ok {
		t.Error("Expected no rule when nothing applies")
	}
}

func TestDiscount(t *testing.T) {
	tests := []struct {
		base    string
		percent float64
		want    string
	}{
		{"10", 0, "10"},
		{"10", 20, "8"},
		{"12.50", 10, "11.25"},
		{"10", 100, "0"},
		{"10", 150, "0"},
		{"10", -5, "10"},
	}

	for _, tt := range tests {
		got := Discount(decimal.RequireFromString(tt.base), tt.percent)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Discount(%s, %v) = %s, want %s", tt.base, tt.percent, got, tt.want)
		}
	}
}

func TestResolver_ResolveRate(t *testing.T) {
	store, _ := storagetest.NewStore(t)
	ctx := context.Background()

	storagetest.AddPC(t, store, "pc1", "vip")
	storagetest.AddPC(t, store, "pc2", "")
	storagetest.AddRule(t, store, "r-global", "", "10")
	storagetest.AddRule(t, store, "r-vip", "vip", "15")

	resolver := NewResolver(store, Config{GroupCacheSize: 8, GroupCacheTTL: time.Minute}, zerolog.Nop())

	rate, err := resolver.ResolveRate(ctx, "pc1", at(12))
	if err != nil {
		t.Fatalf("ResolveRate failed: %v", err)
	}
	if rate.Rule.ID != "r-vip" || !rate.PerHour.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Expected vip rate 15, got %s from %s", rate.PerHour, rate.Rule.ID)
	}

	rate, err = resolver.ResolveRate(ctx, "pc2", at(12))
	if err != nil {
		t.Fatalf("ResolveRate failed: %v", err)
	}
	if rate.Rule.ID != "r-global" {
		t.Errorf("Expected global rule for ungrouped pc, got %s", rate.Rule.ID)
	}

	if _, err := resolver.ResolveRate(ctx, "missing", at(12)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown pc, got %v", err)
	}
}

func TestResolver_GroupCacheInvalidation(t *testing.T) {
	store, _ := storagetest.NewStore(t)
	ctx := context.Background()

	storagetest.AddPC(t, store, "pc1", "")
	storagetest.AddRule(t, store, "r-vip", "vip", "15")

	resolver := NewResolver(store, Config{GroupCacheSize: 8, GroupCacheTTL: time.Hour}, zerolog.Nop())

	if _, err := resolver.ResolveRate(ctx, "pc1", at(12)); !errors.Is(err, ErrNoRate) {
		t.Fatalf("Expected ErrNoRate, got %v", err)
	}

	if err := store.PCs().SetGroup(ctx, "pc1", "vip"); err != nil {
		t.Fatalf("SetGroup failed: %v", err)
	}

	// Cached group is still the old one until invalidated
	if _, err := resolver.ResolveRate(ctx, "pc1", at(12)); !errors.Is(err, ErrNoRate) {
		t.Fatalf("Expected cached miss, got %v", err)
	}

	resolver.InvalidatePC("pc1")

	rate, err := resolver.ResolveRate(ctx, "pc1", at(12))
	if err != nil {
		t.Fatalf("ResolveRate failed: %v", err)
	}
	if rate.Rule.ID != "r-vip" {
		t.Errorf("Expected r-vip after invalidation, got %s", rate.Rule.ID)
	}
}

func TestResolver_ResolveUserRate(t *testing.T) {
	store, _ := storagetest.NewStore(t)
	ctx := context.Background()

	storagetest.AddPC(t, store, "pc1", "")
	storagetest.AddRule(t, store, "r1", "", "10")
	storagetest.AddUser(t, store, "u1", "0")
	storagetest.AddUser(t, store, "u2", "0")

	if err := store.UserGroups().Create(ctx, storage.UserGroup{ID: "gold", Name: "Gold", DiscountPercent: 25}); err != nil {
		t.Fatalf("Create group failed: %v", err)
	}
	if err := store.Users().SetGroup(ctx, "u1", "gold"); err != nil {
		t.Fatalf("SetGroup failed: %v", err)
	}

	resolver := NewResolver(store, Config{GroupCacheSize: 8}, zerolog.Nop())

	rate, err := resolver.ResolveUserRate(ctx, "pc1", "u1", at(12))
	if err != nil {
		t.Fatalf("ResolveUserRate failed: %v", err)
	}
	if !rate.PerHour.Equal(decimal.RequireFromString("7.5")) || !rate.Base.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected 7.5 discounted from 10, got %s from %s", rate.PerHour, rate.Base)
	}

	rate, err = resolver.ResolveUserRate(ctx, "pc1", "u2", at(12))
	if err != nil {
		t.Fatalf("ResolveUserRate failed: %v", err)
	}
	if !rate.PerHour.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected undiscounted 10, got %s", rate.PerHour)
	}
}
