package postgres

import (
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Money columns travel as text so decimals never pass through float64.
const (
	userColumns      = `id, name, wallet_balance::text, coins_balance, COALESCE(group_id, ''), created_at`
	userGroupColumns = `id, name, discount_percent, coin_multiplier`
	pcGroupColumns   = `id, name, description`
	pcColumns        = `id, name, COALESCE(group_id, ''), COALESCE(current_user_id, ''), COALESCE(current_session_id, '')`
	ruleColumns      = `id, name, rate_per_hour::text, COALESCE(group_id, ''), start_time, end_time, active, description`
	grantColumns     = `id, user_id, offer_name, hours_remaining, purchased_at`
	sessionColumns   = `id, pc_id, user_id, start_time, end_time, paid, amount::text, settled`
	walletTxColumns  = `id, user_id, amount::text, type, timestamp, description`
	coinTxColumns    = `id, user_id, amount, reason, timestamp`
	auditColumns     = `id, actor_id, action, detail, timestamp`
)

func parseMoney(value, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return d, nil
}

func scanUser(row pgx.Row) (*storage.User, error) {
	var u storage.User
	var wallet string
	if err := row.Scan(&u.ID, &u.Name, &wallet, &u.CoinsBalance, &u.GroupID, &u.CreatedAt); err != nil {
		return nil, mapError(err)
	}

	var err error
	if u.WalletBalance, err = parseMoney(wallet, "wallet_balance"); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUserGroup(row pgx.Row) (*storage.UserGroup, error) {
	var g storage.UserGroup
	if err := row.Scan(&g.ID, &g.Name, &g.DiscountPercent, &g.CoinMultiplier); err != nil {
		return nil, mapError(err)
	}
	return &g, nil
}

func scanPCGroup(row pgx.Row) (*storage.PCGroup, error) {
	var g storage.PCGroup
	if err := row.Scan(&g.ID, &g.Name, &g.Description); err != nil {
		return nil, mapError(err)
	}
	return &g, nil
}

func scanPC(row pgx.Row) (*storage.PC, error) {
	var pc storage.PC
	if err := row.Scan(&pc.ID, &pc.Name, &pc.GroupID, &pc.CurrentUserID, &pc.CurrentSessionID); err != nil {
		return nil, mapError(err)
	}
	return &pc, nil
}

func scanRule(row pgx.Row) (*storage.PricingRule, error) {
	var r storage.PricingRule
	var rate string
	if err := row.Scan(&r.ID, &r.Name, &rate, &r.GroupID, &r.StartTime, &r.EndTime, &r.Active, &r.Description); err != nil {
		return nil, mapError(err)
	}

	var err error
	if r.RatePerHour, err = parseMoney(rate, "rate_per_hour"); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanGrant(row pgx.Row) (*storage.TimeGrant, error) {
	var g storage.TimeGrant
	if err := row.Scan(&g.ID, &g.UserID, &g.OfferName, &g.HoursRemaining, &g.PurchasedAt); err != nil {
		return nil, mapError(err)
	}
	return &g, nil
}

func scanSession(row pgx.Row) (*storage.Session, error) {
	var s storage.Session
	var amount string
	if err := row.Scan(&s.ID, &s.PCID, &s.UserID, &s.StartTime, &s.EndTime, &s.Paid, &amount, &s.Settled); err != nil {
		return nil, mapError(err)
	}

	var err error
	if s.Amount, err = parseMoney(amount, "amount"); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanWalletTx(row pgx.Row) (*storage.WalletTransaction, error) {
	var tx storage.WalletTransaction
	var amount, kind string
	if err := row.Scan(&tx.ID, &tx.UserID, &amount, &kind, &tx.Timestamp, &tx.Description); err != nil {
		return nil, mapError(err)
	}

	var err error
	if tx.Amount, err = parseMoney(amount, "amount"); err != nil {
		return nil, err
	}
	tx.Type = storage.TransactionType(kind)
	return &tx, nil
}

func scanCoinTx(row pgx.Row) (*storage.CoinTransaction, error) {
	var tx storage.CoinTransaction
	if err := row.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Reason, &tx.Timestamp); err != nil {
		return nil, mapError(err)
	}
	return &tx, nil
}

func scanAudit(row pgx.Row) (*storage.AuditEntry, error) {
	var e storage.AuditEntry
	if err := row.Scan(&e.ID, &e.ActorID, &e.Action, &e.Detail, &e.Timestamp); err != nil {
		return nil, mapError(err)
	}
	return &e, nil
}

// defaultTime fills a zero timestamp with now
func defaultTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
