package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/shopspring/decimal"
)

const keyPrefix = "kcafe:"

const (
	usersSet          = keyPrefix + "users"
	userGroupsSet     = keyPrefix + "usergroups"
	pcGroupsSet       = keyPrefix + "pcgroups"
	pcsSet            = keyPrefix + "pcs"
	rulesSet          = keyPrefix + "pricing:rules"
	activeSessionsSet = keyPrefix + "sessions:active"
	auditKey          = keyPrefix + "audit"
)

func userKey(id string) string       { return keyPrefix + "user:" + id }
func userGroupKey(id string) string  { return keyPrefix + "usergroup:" + id }
func pcGroupKey(id string) string    { return keyPrefix + "pcgroup:" + id }
func pcKey(id string) string         { return keyPrefix + "pc:" + id }
func ruleKey(id string) string       { return keyPrefix + "pricing:rule:" + id }
func grantKey(id string) string      { return keyPrefix + "grant:" + id }
func userGrantsKey(id string) string { return keyPrefix + "user:" + id + ":grants" }
func sessionKey(id string) string    { return keyPrefix + "session:" + id }
func walletTxKey(id string) string   { return keyPrefix + "user:" + id + ":wallet" }
func coinTxKey(id string) string     { return keyPrefix + "user:" + id + ":coins" }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// score orders sorted-set members by time with microsecond precision
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func parseOptionalTime(value, field string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return &t, nil
}

func parseDecimal(value, field string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return d, nil
}

func parseFloat(value, field string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return f, nil
}

// parseUser converts a Redis hash to User
func parseUser(data map[string]string) (*storage.User, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	wallet, err := parseDecimal(data["wallet_balance"], "wallet_balance")
	if err != nil {
		return nil, err
	}

	coins, err := strconv.ParseInt(data["coins_balance"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse coins_balance: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &storage.User{
		ID:            data["id"],
		Name:          data["name"],
		WalletBalance: wallet,
		CoinsBalance:  coins,
		GroupID:       data["group_id"],
		CreatedAt:     createdAt,
	}, nil
}

// parseUserGroup converts a Redis hash to UserGroup
func parseUserGroup(data map[string]string) (*storage.UserGroup, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	discount, err := parseFloat(data["discount_percent"], "discount_percent")
	if err != nil {
		return nil, err
	}

	multiplier, err := parseFloat(data["coin_multiplier"], "coin_multiplier")
	if err != nil {
		return nil, err
	}

	return &storage.UserGroup{
		ID:              data["id"],
		Name:            data["name"],
		DiscountPercent: discount,
		CoinMultiplier:  multiplier,
	}, nil
}

// parsePCGroup converts a Redis hash to PCGroup
func parsePCGroup(data map[string]string) (*storage.PCGroup, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return &storage.PCGroup{
		ID:          data["id"],
		Name:        data["name"],
		Description: data["description"],
	}, nil
}

// parsePC converts a Redis hash to PC
func parsePC(data map[string]string) (*storage.PC, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return &storage.PC{
		ID:               data["id"],
		Name:             data["name"],
		GroupID:          data["group_id"],
		CurrentUserID:    data["current_user_id"],
		CurrentSessionID: data["current_session_id"],
	}, nil
}

// parsePricingRule converts a Redis hash to PricingRule
func parsePricingRule(data map[string]string) (*storage.PricingRule, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	rate, err := parseDecimal(data["rate_per_hour"], "rate_per_hour")
	if err != nil {
		return nil, err
	}

	startTime, err := parseOptionalTime(data["start_time"], "start_time")
	if err != nil {
		return nil, err
	}

	endTime, err := parseOptionalTime(data["end_time"], "end_time")
	if err != nil {
		return nil, err
	}

	return &storage.PricingRule{
		ID:          data["id"],
		Name:        data["name"],
		RatePerHour: rate,
		GroupID:     data["group_id"],
		StartTime:   startTime,
		EndTime:     endTime,
		Active:      data["active"] == "1",
		Description: data["description"],
	}, nil
}

// parseTimeGrant converts a Redis hash to TimeGrant
func parseTimeGrant(data map[string]string) (*storage.TimeGrant, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	hours, err := parseFloat(data["hours_remaining"], "hours_remaining")
	if err != nil {
		return nil, err
	}

	purchasedAt, err := time.Parse(time.RFC3339Nano, data["purchased_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse purchased_at: %w", err)
	}

	return &storage.TimeGrant{
		ID:             data["id"],
		UserID:         data["user_id"],
		OfferName:      data["offer_name"],
		HoursRemaining: hours,
		PurchasedAt:    purchasedAt,
	}, nil
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startTime, err := time.Parse(time.RFC3339Nano, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	endTime, err := parseOptionalTime(data["end_time"], "end_time")
	if err != nil {
		return nil, err
	}

	amount, err := parseDecimal(data["amount"], "amount")
	if err != nil {
		return nil, err
	}

	return &storage.Session{
		ID:        data["id"],
		PCID:      data["pc_id"],
		UserID:    data["user_id"],
		StartTime: startTime,
		EndTime:   endTime,
		Paid:      data["paid"] == "1",
		Amount:    amount,
		Settled:   data["settled"] == "1",
	}, nil
}
