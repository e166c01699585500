package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a wallet ledger entry.
type TransactionType string

const (
	TransactionTopUp  TransactionType = "topup"
	TransactionDeduct TransactionType = "deduct"
	TransactionRefund TransactionType = "refund"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the type to lowercase.
func (t *TransactionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := TransactionType(strings.ToLower(s))

	switch normalized {
	case TransactionTopUp, TransactionDeduct, TransactionRefund:
		*t = normalized
		return nil
	default:
		return fmt.Errorf("invalid transaction type: %s (must be topup, deduct, or refund)", s)
	}
}

// CoinReasonPlaytime is the coin ledger reason for loyalty earned by playing.
const CoinReasonPlaytime = "session_playtime"

// User is a cafe customer with a prepaid wallet and a loyalty coin balance.
type User struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	CoinsBalance  int64           `json:"coins_balance"`
	GroupID       string          `json:"group_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// UserGroup carries a discount and a loyalty coin multiplier.
type UserGroup struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	DiscountPercent float64 `json:"discount_percent"`
	CoinMultiplier  float64 `json:"coin_multiplier"`
}

// Multiplier returns the coin multiplier, treating an unset value as 1.
func (g *UserGroup) Multiplier() float64 {
	if g == nil || g.CoinMultiplier <= 0 {
		return 1
	}
	return g.CoinMultiplier
}

// PCGroup is a priced class of PCs (e.g. "VIP").
type PCGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PC is a gaming station. CurrentUserID is the occupancy fact; CurrentSessionID
// names the session that set it.
type PC struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	GroupID          string `json:"group_id,omitempty"`
	CurrentUserID    string `json:"current_user_id,omitempty"`
	CurrentSessionID string `json:"current_session_id,omitempty"`
}

// Occupied reports whether a user is currently recorded on the PC.
func (p *PC) Occupied() bool {
	return p.CurrentUserID != ""
}

// PricingRule is an hourly rate, optionally bound to a PC group and a time window.
type PricingRule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	RatePerHour decimal.Decimal `json:"rate_per_hour"`
	GroupID     string          `json:"group_id,omitempty"`
	StartTime   *time.Time      `json:"start_time,omitempty"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
	Active      bool            `json:"active"`
	Description string          `json:"description,omitempty"`
}

// Windowed reports whether the rule has at least one time bound.
func (r *PricingRule) Windowed() bool {
	return r.StartTime != nil || r.EndTime != nil
}

// Covers reports whether at falls inside the rule's window (bounds inclusive).
func (r *PricingRule) Covers(at time.Time) bool {
	if r.StartTime != nil && at.Before(*r.StartTime) {
		return false
	}
	if r.EndTime != nil && at.After(*r.EndTime) {
		return false
	}
	return true
}

// TimeGrant is prepaid play-time bought through an offer.
type TimeGrant struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OfferName      string    `json:"offer_name"`
	HoursRemaining float64   `json:"hours_remaining"`
	PurchasedAt    time.Time `json:"purchased_at"`
}

// Session is one user's occupancy of one PC.
type Session struct {
	ID        string          `json:"id"`
	PCID      string          `json:"pc_id"`
	UserID    string          `json:"user_id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Paid      bool            `json:"paid"`
	Amount    decimal.Decimal `json:"amount"`
	Settled   bool            `json:"settled"`
}

// Active reports whether the session has not been closed.
func (s *Session) Active() bool {
	return s.EndTime == nil
}

// WalletTransaction is an append-only wallet ledger entry. Amount is signed.
type WalletTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Type        TransactionType `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description,omitempty"`
}

// CoinTransaction is an append-only loyalty coin ledger entry.
type CoinTransaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry records an administrative or lifecycle action.
type AuditEntry struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementInput is the snapshot a session bill is planned from. Grants are
// ordered oldest purchase first.
type SettlementInput struct {
	Session Session
	User    User
	Group   *UserGroup
	Grants  []TimeGrant
}

// GrantUsage is the number of hours drawn from one grant.
type GrantUsage struct {
	GrantID string
	Hours   float64
}

// Settlement is the set of writes committed when a session is billed.
type Settlement struct {
	GrantUsage  []GrantUsage
	WalletDebit decimal.Decimal
	WalletTx    *WalletTransaction
	Coins       int64
	CoinTx      *CoinTransaction
	Paid        bool
	Amount      decimal.Decimal
}
