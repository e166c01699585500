// Package billing settles closed sessions: prepaid grant hours are drawn
// oldest first, the remainder is debited from the wallet and loyalty coins
// are credited for the whole session.
package billing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/pricing"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned by Bill when the wallet could not cover
// the remainder. The session is still settled, unpaid, with coins credited.
var ErrInsufficientBalance = storage.ErrInsufficientBalance

// hours below this are float noise left over from grant subtraction
const hourEpsilon = 1e-9

// RateResolver resolves the undiscounted rate of a PC at a moment.
type RateResolver interface {
	ResolveRate(ctx context.Context, pcID string, at time.Time) (*pricing.Rate, error)
}

// Outcome is a planned settlement together with the figures it was built from.
type Outcome struct {
	Settlement    storage.Settlement
	Rate          *pricing.Rate
	DurationHours float64
	GrantHours    float64
	BilledHours   float64
	Bill          decimal.Decimal
	Insufficient  bool
}

// Plan computes the settlement of a closed session. It reads only its inputs:
// in.Session must carry an end time and rate is the base rate at that end.
func Plan(in storage.SettlementInput, rate *pricing.Rate, now time.Time) Outcome {
	session := in.Session
	duration := 0.0
	if session.EndTime != nil {
		duration = math.Max(0, session.EndTime.Sub(session.StartTime).Hours())
	}

	effective := rate.WithGroup(in.Group)
	out := Outcome{Rate: effective, DurationHours: duration}

	grants := make([]storage.TimeGrant, len(in.Grants))
	copy(grants, in.Grants)
	sort.SliceStable(grants, func(i, j int) bool {
		return grants[i].PurchasedAt.Before(grants[j].PurchasedAt)
	})

	remaining := duration
	var usage []storage.GrantUsage
	for _, g := range grants {
		if remaining <= hourEpsilon {
			break
		}
		if g.HoursRemaining <= 0 {
			continue
		}
		use := math.Min(remaining, g.HoursRemaining)
		usage = append(usage, storage.GrantUsage{GrantID: g.ID, Hours: use})
		out.GrantHours += use
		remaining -= use
	}
	if remaining < hourEpsilon {
		remaining = 0
	}
	out.BilledHours = remaining
	out.Bill = decimal.NewFromFloat(remaining).Mul(effective.PerHour).RoundBank(2)

	coins := int64(math.Floor(math.Floor(duration*60) * in.Group.Multiplier()))
	settlement := storage.Settlement{Coins: coins}
	if coins > 0 {
		settlement.CoinTx = &storage.CoinTransaction{
			ID:        uuid.NewString(),
			UserID:    in.User.ID,
			Amount:    coins,
			Reason:    storage.CoinReasonPlaytime,
			Timestamp: now,
		}
	}

	if out.Bill.IsPositive() && in.User.WalletBalance.LessThan(out.Bill) {
		// Unpaid: nothing is drawn from grants or wallet
		out.Insufficient = true
		out.GrantHours = 0
		settlement.Amount = decimal.Zero
		out.Settlement = settlement
		return out
	}

	settlement.GrantUsage = usage
	settlement.Paid = true
	settlement.Amount = out.Bill
	if out.Bill.IsPositive() {
		settlement.WalletDebit = out.Bill
		settlement.WalletTx = &storage.WalletTransaction{
			ID:          uuid.NewString(),
			UserID:      in.User.ID,
			Amount:      out.Bill.Neg(),
			Type:        storage.TransactionDeduct,
			Timestamp:   now,
			Description: describe(session, remaining, effective),
		}
	}

	out.Settlement = settlement
	return out
}

func describe(session storage.Session, hours float64, rate *pricing.Rate) string {
	name := rate.Rule.Name
	if name == "" {
		name = rate.Rule.ID
	}
	desc := fmt.Sprintf("PC %s session: %.2fh at %s/h (rule %s", session.PCID, hours, rate.PerHour.StringFixed(2), name)
	if rate.DiscountPercent > 0 {
		desc += fmt.Sprintf(", %g%% discount", rate.DiscountPercent)
	}
	return desc + ")"
}

// Result describes a committed bill.
type Result struct {
	Session       *storage.Session `json:"session"`
	RuleID        string           `json:"rule_id"`
	RatePerHour   decimal.Decimal  `json:"rate_per_hour"`
	DurationHours float64          `json:"duration_hours"`
	GrantHours    float64          `json:"grant_hours"`
	BilledHours   float64          `json:"billed_hours"`
	Bill          decimal.Decimal  `json:"bill"`
	Coins         int64            `json:"coins"`
}

// Engine bills closed sessions against the store.
type Engine struct {
	sessions storage.SessionStore
	rates    RateResolver
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewEngine creates a billing engine.
func NewEngine(store storage.Store, rates RateResolver, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		sessions: store.Sessions(),
		rates:    rates,
		clock:    clk,
		logger:   logger.With().Str("component", "billing").Logger(),
	}
}

// Bill settles a closed session once. The rate is the one in force at the
// session's end. If no rate applies nothing is written and the error wraps
// pricing.ErrNoRate. When the wallet cannot cover the bill the unpaid
// settlement is committed and ErrInsufficientBalance is returned with it.
func (e *Engine) Bill(ctx context.Context, sessionID string) (*Result, error) {
	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	if session.Active() {
		return nil, storage.ErrSessionActive
	}
	if session.Settled {
		return nil, storage.ErrAlreadySettled
	}

	rate, err := e.rates.ResolveRate(ctx, session.PCID, *session.EndTime)
	if err != nil {
		metrics.BillingOutcomes.WithLabelValues("no_rate").Inc()
		return nil, fmt.Errorf("failed to resolve rate for pc %s: %w", session.PCID, err)
	}

	var out Outcome
	settled, err := e.sessions.Settle(ctx, sessionID, func(in storage.SettlementInput) (storage.Settlement, error) {
		out = Plan(in, rate, e.clock.Now())
		return out.Settlement, nil
	})
	if err != nil {
		metrics.BillingOutcomes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to settle session %s: %w", sessionID, err)
	}

	result := &Result{
		Session:       settled,
		RuleID:        out.Rate.Rule.ID,
		RatePerHour:   out.Rate.PerHour,
		DurationHours: out.DurationHours,
		GrantHours:    out.GrantHours,
		BilledHours:   out.BilledHours,
		Bill:          out.Bill,
		Coins:         out.Settlement.Coins,
	}

	metrics.CoinsCredited.Add(float64(out.Settlement.Coins))

	if out.Insufficient {
		metrics.BillingOutcomes.WithLabelValues("unpaid").Inc()
		e.logger.Warn().
			Str("session_id", sessionID).
			Str("user_id", settled.UserID).
			Str("bill", out.Bill.String()).
			Int64("coins", out.Settlement.Coins).
			Msg("Wallet cannot cover session, left unpaid")
		return result, ErrInsufficientBalance
	}

	metrics.BillingOutcomes.WithLabelValues("paid").Inc()
	metrics.AmountBilled.Add(out.Bill.InexactFloat64())
	metrics.GrantHoursConsumed.Add(out.GrantHours)

	e.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", settled.UserID).
		Str("rule_id", result.RuleID).
		Float64("duration_hours", out.DurationHours).
		Float64("grant_hours", out.GrantHours).
		Str("bill", out.Bill.String()).
		Int64("coins", out.Settlement.Coins).
		Msg("Session billed")

	return result, nil
}
