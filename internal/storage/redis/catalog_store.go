package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/redis/go-redis/v9"
)

type userStore struct {
	client *redis.Client
}

// Get retrieves a user by ID
func (s *userStore) Get(ctx context.Context, id string) (*storage.User, error) {
	return getRecord(ctx, s.client, userKey(id), parseUser)
}

// List returns all users ordered by ID
func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	return listRecords(ctx, s.client, usersSet, userKey, parseUser)
}

// Create stores a new user with its opening balances
func (s *userStore) Create(ctx context.Context, user storage.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	return createRecord(ctx, s.client, userKey(user.ID), usersSet, user.ID,
		"id", user.ID,
		"name", user.Name,
		"wallet_balance", user.WalletBalance.String(),
		"coins_balance", strconv.FormatInt(user.CoinsBalance, 10),
		"group_id", user.GroupID,
		"created_at", formatTime(user.CreatedAt),
	)
}

// SetGroup assigns the user to a group; an empty groupID removes the assignment
func (s *userStore) SetGroup(ctx context.Context, userID, groupID string) error {
	return setField(ctx, s.client, userKey(userID), "group_id", groupID)
}

type userGroupStore struct {
	client *redis.Client
}

// Get retrieves a user group by ID
func (s *userGroupStore) Get(ctx context.Context, id string) (*storage.UserGroup, error) {
	return getRecord(ctx, s.client, userGroupKey(id), parseUserGroup)
}

// List returns all user groups ordered by ID
func (s *userGroupStore) List(ctx context.Context) ([]storage.UserGroup, error) {
	return listRecords(ctx, s.client, userGroupsSet, userGroupKey, parseUserGroup)
}

// Create stores a new user group
func (s *userGroupStore) Create(ctx context.Context, group storage.UserGroup) error {
	if group.ID == "" {
		return fmt.Errorf("user group id is required")
	}

	return createRecord(ctx, s.client, userGroupKey(group.ID), userGroupsSet, group.ID,
		"id", group.ID,
		"name", group.Name,
		"discount_percent", formatFloat(group.DiscountPercent),
		"coin_multiplier", formatFloat(group.CoinMultiplier),
	)
}

type pcGroupStore struct {
	client *redis.Client
}

// Get retrieves a PC group by ID
func (s *pcGroupStore) Get(ctx context.Context, id string) (*storage.PCGroup, error) {
	return getRecord(ctx, s.client, pcGroupKey(id), parsePCGroup)
}

// List returns all PC groups ordered by ID
func (s *pcGroupStore) List(ctx context.Context) ([]storage.PCGroup, error) {
	return listRecords(ctx, s.client, pcGroupsSet, pcGroupKey, parsePCGroup)
}

// Create stores a new PC group
func (s *pcGroupStore) Create(ctx context.Context, group storage.PCGroup) error {
	if group.ID == "" {
		return fmt.Errorf("pc group id is required")
	}

	return createRecord(ctx, s.client, pcGroupKey(group.ID), pcGroupsSet, group.ID,
		"id", group.ID,
		"name", group.Name,
		"description", group.Description,
	)
}

type pcStore struct {
	client *redis.Client
}

// Get retrieves a PC by ID
func (s *pcStore) Get(ctx context.Context, id string) (*storage.PC, error) {
	return getRecord(ctx, s.client, pcKey(id), parsePC)
}

// List returns all PCs ordered by ID
func (s *pcStore) List(ctx context.Context) ([]storage.PC, error) {
	return listRecords(ctx, s.client, pcsSet, pcKey, parsePC)
}

// Create registers a new, unoccupied PC
func (s *pcStore) Create(ctx context.Context, pc storage.PC) error {
	if pc.ID == "" {
		return fmt.Errorf("pc id is required")
	}

	return createRecord(ctx, s.client, pcKey(pc.ID), pcsSet, pc.ID,
		"id", pc.ID,
		"name", pc.Name,
		"group_id", pc.GroupID,
		"current_user_id", "",
		"current_session_id", "",
	)
}

// SetGroup moves the PC into a group; an empty groupID removes the assignment
func (s *pcStore) SetGroup(ctx context.Context, pcID, groupID string) error {
	return setField(ctx, s.client, pcKey(pcID), "group_id", groupID)
}

type pricingRuleStore struct {
	client *redis.Client
}

// Get retrieves a pricing rule by ID
func (s *pricingRuleStore) Get(ctx context.Context, id string) (*storage.PricingRule, error) {
	return getRecord(ctx, s.client, ruleKey(id), parsePricingRule)
}

// List returns all pricing rules ordered by ID
func (s *pricingRuleStore) List(ctx context.Context) ([]storage.PricingRule, error) {
	return listRecords(ctx, s.client, rulesSet, ruleKey, parsePricingRule)
}

// ListActive returns the rules flagged active, ordered by ID
func (s *pricingRuleStore) ListActive(ctx context.Context) ([]storage.PricingRule, error) {
	rules, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	active := rules[:0]
	for _, rule := range rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

// Create stores a new pricing rule
func (s *pricingRuleStore) Create(ctx context.Context, rule storage.PricingRule) error {
	if rule.ID == "" {
		return fmt.Errorf("pricing rule id is required")
	}

	return createRecord(ctx, s.client, ruleKey(rule.ID), rulesSet, rule.ID,
		"id", rule.ID,
		"name", rule.Name,
		"rate_per_hour", rule.RatePerHour.String(),
		"group_id", rule.GroupID,
		"start_time", formatOptionalTime(rule.StartTime),
		"end_time", formatOptionalTime(rule.EndTime),
		"active", formatBool(rule.Active),
		"description", rule.Description,
	)
}
