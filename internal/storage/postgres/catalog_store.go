package postgres

import (
	"context"
	"fmt"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

type userStore struct {
	pool *pgxpool.Pool
}

func (s *userStore) Get(ctx context.Context, id string) (*storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	return queryAll(ctx, s.pool, scanUser, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

func (s *userStore) Create(ctx context.Context, user storage.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, wallet_balance, coins_balance, group_id, created_at)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6)
	`, user.ID, user.Name, user.WalletBalance.String(), user.CoinsBalance, nullable(user.GroupID), defaultTime(user.CreatedAt))
	return mapError(err)
}

func (s *userStore) SetGroup(ctx context.Context, userID, groupID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET group_id = $2 WHERE id = $1`, userID, nullable(groupID))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type userGroupStore struct {
	pool *pgxpool.Pool
}

func (s *userGroupStore) Get(ctx context.Context, id string) (*storage.UserGroup, error) {
	return scanUserGroup(s.pool.QueryRow(ctx, `SELECT `+userGroupColumns+` FROM user_groups WHERE id = $1`, id))
}

func (s *userGroupStore) List(ctx context.Context) ([]storage.UserGroup, error) {
	return queryAll(ctx, s.pool, scanUserGroup, `SELECT `+userGroupColumns+` FROM user_groups ORDER BY id`)
}

func (s *userGroupStore) Create(ctx context.Context, group storage.UserGroup) error {
	if group.ID == "" {
		return fmt.Errorf("user group id is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_groups (id, name, discount_percent, coin_multiplier)
		VALUES ($1, $2, $3, $4)
	`, group.ID, group.Name, group.DiscountPercent, group.CoinMultiplier)
	return mapError(err)
}

type pcGroupStore struct {
	pool *pgxpool.Pool
}

func (s *pcGroupStore) Get(ctx context.Context, id string) (*storage.PCGroup, error) {
	return scanPCGroup(s.pool.QueryRow(ctx, `SELECT `+pcGroupColumns+` FROM pc_groups WHERE id = $1`, id))
}

func (s *pcGroupStore) List(ctx context.Context) ([]storage.PCGroup, error) {
	return queryAll(ctx, s.pool, scanPCGroup, `SELECT `+pcGroupColumns+` FROM pc_groups ORDER BY id`)
}

func (s *pcGroupStore) Create(ctx context.Context, group storage.PCGroup) error {
	if group.ID == "" {
		return fmt.Errorf("pc group id is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pc_groups (id, name, description) VALUES ($1, $2, $3)
	`, group.ID, group.Name, group.Description)
	return mapError(err)
}

type pcStore struct {
	pool *pgxpool.Pool
}

func (s *pcStore) Get(ctx context.Context, id string) (*storage.PC, error) {
	return scanPC(s.pool.QueryRow(ctx, `SELECT `+pcColumns+` FROM pcs WHERE id = $1`, id))
}

func (s *pcStore) List(ctx context.Context) ([]storage.PC, error) {
	return queryAll(ctx, s.pool, scanPC, `SELECT `+pcColumns+` FROM pcs ORDER BY id`)
}

func (s *pcStore) Create(ctx context.Context, pc storage.PC) error {
	if pc.ID == "" {
		return fmt.Errorf("pc id is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pcs (id, name, group_id) VALUES ($1, $2, $3)
	`, pc.ID, pc.Name, nullable(pc.GroupID))
	return mapError(err)
}

func (s *pcStore) SetGroup(ctx context.Context, pcID, groupID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pcs SET group_id = $2 WHERE id = $1`, pcID, nullable(groupID))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type pricingRuleStore struct {
	pool *pgxpool.Pool
}

func (s *pricingRuleStore) Get(ctx context.Context, id string) (*storage.PricingRule, error) {
	return scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM pricing_rules WHERE id = $1`, id))
}

func (s *pricingRuleStore) List(ctx context.Context) ([]storage.PricingRule, error) {
	return queryAll(ctx, s.pool, scanRule, `SELECT `+ruleColumns+` FROM pricing_rules ORDER BY id`)
}

func (s *pricingRuleStore) ListActive(ctx context.Context) ([]storage.PricingRule, error) {
	return queryAll(ctx, s.pool, scanRule, `SELECT `+ruleColumns+` FROM pricing_rules WHERE active ORDER BY id`)
}

func (s *pricingRuleStore) Create(ctx context.Context, rule storage.PricingRule) error {
	if rule.ID == "" {
		return fmt.Errorf("pricing rule id is required")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO pricing_rules (id, name, rate_per_hour, group_id, start_time, end_time, active, description)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8)
	`, rule.ID, rule.Name, rule.RatePerHour.String(), nullable(rule.GroupID), rule.StartTime, rule.EndTime, rule.Active, rule.Description)
	return mapError(err)
}
