package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kcafe/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type auditStore struct {
	client *redis.Client
}

// Add appends an entry to the audit log, scored by its timestamp
func (s *auditStore) Add(ctx context.Context, entry storage.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	return s.client.ZAdd(ctx, auditKey, redis.Z{Score: score(entry.Timestamp), Member: payload}).Err()
}

// List returns the newest entries first
func (s *auditStore) List(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.client.ZRevRange(ctx, auditKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]storage.AuditEntry, 0, len(raw))
	for _, item := range raw {
		var entry storage.AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// DeleteBefore removes entries older than cutoff and reports how many went
func (s *auditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	upper := "(" + strconv.FormatInt(cutoff.UnixMicro(), 10)
	removed, err := s.client.ZRemRangeByScore(ctx, auditKey, "-inf", upper).Result()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}
