package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	return getRecord(ctx, s.client, sessionKey(id), parseSession)
}

// ListActive returns all open sessions, newest first
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, activeSessionsSet).Result()
	if err != nil {
		return nil, err
	}

	sessions, err := loadRecords(ctx, s.client, ids, sessionKey, parseSession)
	if err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

// Start creates the session and marks the PC occupied in one script
func (s *sessionStore) Start(ctx context.Context, session storage.Session, force bool) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	script := redis.NewScript(startSessionScript)

	keys := []string{
		pcKey(session.PCID),
		userKey(session.UserID),
		sessionKey(session.ID),
		activeSessionsSet,
	}
	args := []interface{}{
		session.ID,
		session.PCID,
		session.UserID,
		formatTime(session.StartTime),
		formatBool(force),
	}

	result, err := script.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return err
	}

	switch result {
	case "OK":
		return nil
	case "PC_NOT_FOUND":
		return fmt.Errorf("pc %s: %w", session.PCID, storage.ErrNotFound)
	case "USER_NOT_FOUND":
		return fmt.Errorf("user %s: %w", session.UserID, storage.ErrNotFound)
	case "SESSION_EXISTS":
		return storage.ErrAlreadyExists
	case "OCCUPIED":
		return storage.ErrPCOccupied
	default:
		return fmt.Errorf("unexpected start result: %s", result)
	}
}

// Close ends the session once and releases the PC if it still points here
func (s *sessionStore) Close(ctx context.Context, id string, end time.Time) (*storage.Session, bool, error) {
	sKey := sessionKey(id)

	// The PC binding never changes after start, so it is safe to read first
	pcID, err := s.client.HGet(ctx, sKey, "pc_id").Result()
	if err == redis.Nil {
		return nil, false, storage.ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	script := redis.NewScript(closeSessionScript)
	keys := []string{sKey, activeSessionsSet, pcKey(pcID)}

	result, err := script.Run(ctx, s.client, keys, id, formatTime(end)).Text()
	if err != nil {
		return nil, false, err
	}

	var closed bool
	switch result {
	case "OK":
		closed = true
	case "CLOSED":
		closed = false
	case "NOT_FOUND":
		return nil, false, storage.ErrNotFound
	default:
		return nil, false, fmt.Errorf("unexpected close result: %s", result)
	}

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return session, closed, nil
}

// Settle plans and commits a session bill under WATCH on every key it reads
func (s *sessionStore) Settle(ctx context.Context, id string, fn storage.SettleFunc) (*storage.Session, error) {
	sKey := sessionKey(id)
	var result *storage.Session

	txf := func(tx *redis.Tx) error {
		session, err := getRecord(ctx, tx, sKey, parseSession)
		if err != nil {
			return err
		}
		if session.Active() {
			return storage.ErrSessionActive
		}
		if session.Settled {
			return storage.ErrAlreadySettled
		}

		uKey := userKey(session.UserID)
		grantsKey := userGrantsKey(session.UserID)
		if err := tx.Watch(ctx, uKey, grantsKey).Err(); err != nil {
			return err
		}

		user, err := getRecord(ctx, tx, uKey, parseUser)
		if err != nil {
			return fmt.Errorf("user %s: %w", session.UserID, err)
		}

		var group *storage.UserGroup
		if user.GroupID != "" {
			gKey := userGroupKey(user.GroupID)
			if err := tx.Watch(ctx, gKey).Err(); err != nil {
				return err
			}
			group, err = getRecord(ctx, tx, gKey, parseUserGroup)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}

		grantIDs, err := tx.ZRange(ctx, grantsKey, 0, -1).Result()
		if err != nil {
			return err
		}
		if len(grantIDs) > 0 {
			grantKeys := make([]string, len(grantIDs))
			for i, gid := range grantIDs {
				grantKeys[i] = grantKey(gid)
			}
			if err := tx.Watch(ctx, grantKeys...).Err(); err != nil {
				return err
			}
		}
		grants, err := loadRecords(ctx, tx, grantIDs, grantKey, parseTimeGrant)
		if err != nil {
			return err
		}

		plan, err := fn(storage.SettlementInput{
			Session: *session,
			User:    *user,
			Group:   group,
			Grants:  grants,
		})
		if err != nil {
			return err
		}

		if plan.WalletDebit.GreaterThan(user.WalletBalance) {
			return storage.ErrInsufficientBalance
		}

		remaining := make(map[string]float64, len(grants))
		for _, g := range grants {
			remaining[g.ID] = g.HoursRemaining
		}
		for _, usage := range plan.GrantUsage {
			hours, ok := remaining[usage.GrantID]
			if !ok {
				return fmt.Errorf("grant %s is not owned by user %s", usage.GrantID, user.ID)
			}
			remaining[usage.GrantID] = max(0, hours-usage.Hours)
		}

		var walletPayload, coinPayload []byte
		if plan.WalletTx != nil {
			if walletPayload, err = json.Marshal(plan.WalletTx); err != nil {
				return fmt.Errorf("failed to encode wallet transaction: %w", err)
			}
		}
		if plan.CoinTx != nil {
			if coinPayload, err = json.Marshal(plan.CoinTx); err != nil {
				return fmt.Errorf("failed to encode coin transaction: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, usage := range plan.GrantUsage {
				pipe.HSet(ctx, grantKey(usage.GrantID), "hours_remaining", formatFloat(remaining[usage.GrantID]))
			}
			if plan.WalletDebit.IsPositive() {
				pipe.HSet(ctx, uKey, "wallet_balance", user.WalletBalance.Sub(plan.WalletDebit).String())
			}
			if plan.Coins > 0 {
				pipe.HIncrBy(ctx, uKey, "coins_balance", plan.Coins)
			}
			if walletPayload != nil {
				pipe.RPush(ctx, walletTxKey(user.ID), walletPayload)
			}
			if coinPayload != nil {
				pipe.RPush(ctx, coinTxKey(user.ID), coinPayload)
			}
			pipe.HSet(ctx, sKey,
				"paid", formatBool(plan.Paid),
				"amount", plan.Amount.String(),
				"settled", "1",
			)
			return nil
		})
		if err != nil {
			return err
		}

		session.Paid = plan.Paid
		session.Amount = plan.Amount
		session.Settled = true
		result = session
		return nil
	}

	if err := watchRetry(ctx, s.client, txf, sKey); err != nil {
		return nil, err
	}
	return result, nil
}
