// Package ledger answers how much play-time a user's balances buy.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goodtune/kcafe/internal/pricing"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/shopspring/decimal"
)

// Remaining is the play-time left for a user. Unlimited is set when the rate
// is zero, in which case Minutes carries no meaning.
type Remaining struct {
	Minutes   int64 `json:"minutes"`
	Unlimited bool  `json:"unlimited"`
}

// Exhausted reports whether the user has no play-time left.
func (r Remaining) Exhausted() bool {
	return !r.Unlimited && r.Minutes <= 0
}

// OfferHours sums the positive hours left across grants.
func OfferHours(grants []storage.TimeGrant) float64 {
	var total float64
	for _, g := range grants {
		if g.HoursRemaining > 0 {
			total += g.HoursRemaining
		}
	}
	return total
}

// Compute converts grant hours and a wallet balance into whole minutes at the
// given hourly rate. Halves round to even.
func Compute(offerHours float64, wallet, rate decimal.Decimal) Remaining {
	if !rate.IsPositive() {
		return Remaining{Unlimited: true}
	}

	walletHours := 0.0
	if wallet.IsPositive() {
		walletHours = wallet.Div(rate).InexactFloat64()
	}

	minutes := math.RoundToEven((math.Max(offerHours, 0) + walletHours) * 60)
	return Remaining{Minutes: int64(minutes)}
}

// Ledger reads balances from storage.
type Ledger struct {
	users  storage.UserStore
	grants storage.TimeGrantStore
}

// New creates a ledger backed by store.
func New(store storage.Store) *Ledger {
	return &Ledger{users: store.Users(), grants: store.TimeGrants()}
}

// MinutesRemaining returns the play-time userID can afford at rate.
func (l *Ledger) MinutesRemaining(ctx context.Context, userID string, rate decimal.Decimal) (Remaining, error) {
	user, err := l.users.Get(ctx, userID)
	if err != nil {
		return Remaining{}, fmt.Errorf("user %s: %w", userID, err)
	}

	grants, err := l.grants.ListByUser(ctx, userID)
	if err != nil {
		return Remaining{}, fmt.Errorf("grants for %s: %w", userID, err)
	}

	return Compute(OfferHours(grants), user.WalletBalance, rate), nil
}

// UserRateResolver resolves the discounted rate a user pays on a PC.
type UserRateResolver interface {
	ResolveUserRate(ctx context.Context, pcID, userID string, at time.Time) (*pricing.Rate, error)
}

// Estimator answers how long the occupant of a PC can keep playing.
type Estimator struct {
	rates  UserRateResolver
	ledger *Ledger
}

// NewEstimator combines rate resolution with a ledger.
func NewEstimator(rates UserRateResolver, ledger *Ledger) *Estimator {
	return &Estimator{rates: rates, ledger: ledger}
}

// ForOccupant returns the occupant's play-time on pc at the given moment. An
// idle PC, a PC without an applicable rule and a vanished occupant all report
// zero minutes; other failures are returned.
func (e *Estimator) ForOccupant(ctx context.Context, pc storage.PC, at time.Time) (Remaining, error) {
	if !pc.Occupied() {
		return Remaining{}, nil
	}

	rate, err := e.rates.ResolveUserRate(ctx, pc.ID, pc.CurrentUserID, at)
	if errors.Is(err, storage.ErrNotFound) {
		return Remaining{}, nil
	}
	if err != nil {
		return Remaining{}, err
	}

	remaining, err := e.ledger.MinutesRemaining(ctx, pc.CurrentUserID, rate.PerHour)
	if errors.Is(err, storage.ErrNotFound) {
		return Remaining{}, nil
	}
	return remaining, err
}
