// Package pricing resolves the hourly rate a PC is billed at.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrNoRate is returned when no active rule applies to a PC at a moment.
var ErrNoRate = fmt.Errorf("no applicable pricing rule: %w", storage.ErrNotFound)

var hundred = decimal.NewFromInt(100)

// Rate is the hourly price resolved for a PC, optionally discounted for a user.
type Rate struct {
	Rule            storage.PricingRule
	Base            decimal.Decimal
	PerHour         decimal.Decimal
	DiscountPercent float64
}

// Unlimited reports whether play at this rate costs nothing.
func (r *Rate) Unlimited() bool {
	return !r.PerHour.IsPositive()
}

// Config holds resolver settings.
type Config struct {
	GroupCacheSize int
	GroupCacheTTL  time.Duration
}

// Resolver selects the pricing rule for a PC.
type Resolver struct {
	pcs        storage.PCStore
	rules      storage.PricingRuleStore
	users      storage.UserStore
	userGroups storage.UserGroupStore
	groupCache *expirable.LRU[string, string]
	logger     zerolog.Logger
}

// NewResolver creates a resolver backed by store.
func NewResolver(store storage.Store, cfg Config, logger zerolog.Logger) *Resolver {
	if cfg.GroupCacheSize <= 0 {
		cfg.GroupCacheSize = 256
	}

	return &Resolver{
		pcs:        store.PCs(),
		rules:      store.PricingRules(),
		users:      store.Users(),
		userGroups: store.UserGroups(),
		groupCache: expirable.NewLRU[string, string](cfg.GroupCacheSize, nil, cfg.GroupCacheTTL),
		logger:     logger.With().Str("component", "pricing").Logger(),
	}
}

// ResolveRate returns the undiscounted rate for pcID at the given moment.
func (r *Resolver) ResolveRate(ctx context.Context, pcID string, at time.Time) (*Rate, error) {
	groupID, err := r.pcGroup(ctx, pcID)
	if err != nil {
		return nil, err
	}

	rules, err := r.rules.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing rules: %w", err)
	}

	rule, ok := Select(rules, groupID, at)
	if !ok {
		return nil, ErrNoRate
	}

	r.logger.Debug().
		Str("pc_id", pcID).
		Str("group_id", groupID).
		Str("rule_id", rule.ID).
		Str("rate", rule.RatePerHour.String()).
		Msg("Resolved pricing rule")

	return &Rate{Rule: *rule, Base: rule.RatePerHour, PerHour: rule.RatePerHour}, nil
}

// ResolveUserRate returns the rate for pcID with userID's group discount applied.
func (r *Resolver) ResolveUserRate(ctx context.Context, pcID, userID string, at time.Time) (*Rate, error) {
	rate, err := r.ResolveRate(ctx, pcID, at)
	if err != nil {
		return nil, err
	}

	user, err := r.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	if user.GroupID == "" {
		return rate, nil
	}

	group, err := r.userGroups.Get(ctx, user.GroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return rate, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user group %s: %w", user.GroupID, err)
	}

	return rate.WithGroup(group), nil
}

// WithGroup returns a copy of the rate discounted for group.
func (r *Rate) WithGroup(group *storage.UserGroup) *Rate {
	out := *r
	if group != nil {
		out.DiscountPercent = group.DiscountPercent
		out.PerHour = Discount(r.Base, group.DiscountPercent)
	}
	return &out
}

// InvalidatePC drops the cached group of a PC after it is regrouped.
func (r *Resolver) InvalidatePC(pcID string) {
	r.groupCache.Remove(pcID)
}

func (r *Resolver) pcGroup(ctx context.Context, pcID string) (string, error) {
	if groupID, ok := r.groupCache.Get(pcID); ok {
		return groupID, nil
	}

	pc, err := r.pcs.Get(ctx, pcID)
	if err != nil {
		return "", fmt.Errorf("pc %s: %w", pcID, err)
	}

	r.groupCache.Add(pcID, pc.GroupID)
	return pc.GroupID, nil
}

// Select picks the rule for a PC group at a moment. Candidates are active,
// either global or bound to groupID, and cover at. Group-bound rules win over
// global ones, windowed rules over open-ended ones, then the smallest id.
func Select(rules []storage.PricingRule, groupID string, at time.Time) (*storage.PricingRule, bool) {
	var best *storage.PricingRule
	for i := range rules {
		rule := &rules[i]
		if !rule.Active || !rule.Covers(at) {
			continue
		}
		if rule.GroupID != "" && rule.GroupID != groupID {
			continue
		}
		if best == nil || preferred(rule, best) {
			best = rule
		}
	}
	return best, best != nil
}

func preferred(a, b *storage.PricingRule) bool {
	if aBound, bBound := a.GroupID != "", b.GroupID != ""; aBound != bBound {
		return aBound
	}
	if aWin, bWin := a.Windowed(), b.Windowed(); aWin != bWin {
		return aWin
	}
	return a.ID < b.ID
}

// Discount applies a percentage discount to base. Discounts of 100% or more
// make play free; non-positive discounts leave base unchanged.
func Discount(base decimal.Decimal, percent float64) decimal.Decimal {
	if percent <= 0 {
		return base
	}
	if percent >= 100 {
		return decimal.Zero
	}
	return base.Mul(hundred.Sub(decimal.NewFromFloat(percent))).Div(hundred)
}
