package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("storage: record already exists")

	// ErrPCOccupied is returned when starting a session on a PC that already
	// has an occupant and the start was not forced.
	ErrPCOccupied = errors.New("storage: pc is occupied")

	// ErrSessionActive is returned when settling a session that has not ended.
	ErrSessionActive = errors.New("storage: session is still active")

	// ErrAlreadySettled is returned when a session's bill was already committed.
	ErrAlreadySettled = errors.New("storage: session already settled")

	// ErrInsufficientBalance is returned when a wallet cannot cover a debit.
	ErrInsufficientBalance = errors.New("storage: insufficient wallet balance")

	// ErrConflict is returned when an optimistic transaction kept losing races.
	ErrConflict = errors.New("storage: concurrent update conflict")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Users() UserStore
	UserGroups() UserGroupStore
	PCGroups() PCGroupStore
	PCs() PCStore
	PricingRules() PricingRuleStore
	TimeGrants() TimeGrantStore
	Sessions() SessionStore
	Wallet() WalletStore
	Audit() AuditStore
}

// UserStore manages user accounts and their balances.
type UserStore interface {
	Get(ctx context.Context, id string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Create(ctx context.Context, user User) error
	SetGroup(ctx context.Context, userID, groupID string) error
}

// UserGroupStore manages discount/loyalty groups.
type UserGroupStore interface {
	Get(ctx context.Context, id string) (*UserGroup, error)
	List(ctx context.Context) ([]UserGroup, error)
	Create(ctx context.Context, group UserGroup) error
}

// PCGroupStore manages priced PC groups.
type PCGroupStore interface {
	Get(ctx context.Context, id string) (*PCGroup, error)
	List(ctx context.Context) ([]PCGroup, error)
	Create(ctx context.Context, group PCGroup) error
}

// PCStore is the PC registry. Occupancy is only changed by SessionStore.
type PCStore interface {
	Get(ctx context.Context, id string) (*PC, error)
	List(ctx context.Context) ([]PC, error)
	Create(ctx context.Context, pc PC) error
	SetGroup(ctx context.Context, pcID, groupID string) error
}

// PricingRuleStore manages hourly pricing rules.
type PricingRuleStore interface {
	Get(ctx context.Context, id string) (*PricingRule, error)
	List(ctx context.Context) ([]PricingRule, error)
	ListActive(ctx context.Context) ([]PricingRule, error)
	Create(ctx context.Context, rule PricingRule) error
}

// TimeGrantStore manages purchased play-time.
type TimeGrantStore interface {
	// ListByUser returns the user's grants, oldest purchase first.
	ListByUser(ctx context.Context, userID string) ([]TimeGrant, error)
	// Purchase debits price from the user's wallet and stores the grant in
	// one atomic step. A zero price stores the grant without a debit.
	Purchase(ctx context.Context, grant TimeGrant, price decimal.Decimal) (*TimeGrant, error)
}

// SessionStore manages PC sessions and the occupancy fact bound to them.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	// ListActive returns the open sessions, newest start first.
	ListActive(ctx context.Context) ([]Session, error)
	// Start stores a new session and points the PC's occupancy at it.
	Start(ctx context.Context, session Session, force bool) error
	// Close sets the end time once and clears the PC's occupancy if it still
	// points at this session. The boolean reports whether this call closed it.
	Close(ctx context.Context, id string, end time.Time) (*Session, bool, error)
	// Settle loads a consistent snapshot, asks fn for the writes and applies
	// them atomically. A session can only be settled once.
	Settle(ctx context.Context, id string, fn SettleFunc) (*Session, error)
}

// WalletStore manages wallet top-ups and the append-only ledgers.
type WalletStore interface {
	// TopUp credits the wallet and records the entry at the given time.
	TopUp(ctx context.Context, userID string, amount decimal.Decimal, description string, at time.Time) (*WalletTransaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]WalletTransaction, error)
	ListCoinTransactions(ctx context.Context, userID string, limit int) ([]CoinTransaction, error)
}

// AuditStore manages audit entries.
type AuditStore interface {
	Add(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SettleFunc plans the writes for a session bill from a consistent snapshot.
type SettleFunc func(in SettlementInput) (Settlement, error)
