package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic WATCH/MULTI retries under contention
const maxTxRetries = 16

// Store implements the storage.Store interface using Redis
type Store struct {
	client         *redis.Client
	userStore      *userStore
	userGroupStore *userGroupStore
	pcGroupStore   *pcGroupStore
	pcStore        *pcStore
	ruleStore      *pricingRuleStore
	grantStore     *timeGrantStore
	sessionStore   *sessionStore
	walletStore    *walletStore
	auditStore     *auditStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client), nil
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:         client,
		userStore:      &userStore{client: client},
		userGroupStore: &userGroupStore{client: client},
		pcGroupStore:   &pcGroupStore{client: client},
		pcStore:        &pcStore{client: client},
		ruleStore:      &pricingRuleStore{client: client},
		grantStore:     &timeGrantStore{client: client},
		sessionStore:   &sessionStore{client: client},
		walletStore:    &walletStore{client: client},
		auditStore:     &auditStore{client: client},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore { return s.userStore }

// UserGroups returns the UserGroupStore implementation
func (s *Store) UserGroups() storage.UserGroupStore { return s.userGroupStore }

// PCGroups returns the PCGroupStore implementation
func (s *Store) PCGroups() storage.PCGroupStore { return s.pcGroupStore }

// PCs returns the PCStore implementation
func (s *Store) PCs() storage.PCStore { return s.pcStore }

// PricingRules returns the PricingRuleStore implementation
func (s *Store) PricingRules() storage.PricingRuleStore { return s.ruleStore }

// TimeGrants returns the TimeGrantStore implementation
func (s *Store) TimeGrants() storage.TimeGrantStore { return s.grantStore }

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore { return s.sessionStore }

// Wallet returns the WalletStore implementation
func (s *Store) Wallet() storage.WalletStore { return s.walletStore }

// Audit returns the AuditStore implementation
func (s *Store) Audit() storage.AuditStore { return s.auditStore }

// createRecord stores fields under key unless the key already exists
func createRecord(ctx context.Context, client *redis.Client, key, index, id string, fields ...interface{}) error {
	args := append([]interface{}{id}, fields...)
	created, err := redis.NewScript(createRecordScript).Run(ctx, client, []string{key, index}, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// setField updates one field of an existing record
func setField(ctx context.Context, client *redis.Client, key, field, value string) error {
	updated, err := redis.NewScript(setFieldScript).Run(ctx, client, []string{key}, field, value).Int()
	if err != nil {
		return err
	}
	if updated == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// hashReader is satisfied by both *redis.Client and *redis.Tx
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// pipeliner is satisfied by both *redis.Client and *redis.Tx
type pipeliner interface {
	Pipeline() redis.Pipeliner
}

// getRecord loads one hash and parses it
func getRecord[T any](ctx context.Context, client hashReader, key string, parse func(map[string]string) (*T, error)) (*T, error) {
	data, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}
	return parse(data)
}

// listRecords loads every hash named by an index set, ordered by id
func listRecords[T any](ctx context.Context, client *redis.Client, index string, keyFn func(string) string, parse func(map[string]string) (*T, error)) ([]T, error) {
	ids, err := client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return loadRecords(ctx, client, ids, keyFn, parse)
}

// loadRecords fetches hashes in one pipeline, skipping vanished keys
func loadRecords[T any](ctx context.Context, client pipeliner, ids []string, keyFn func(string) string, parse func(map[string]string) (*T, error)) ([]T, error) {
	if len(ids) == 0 {
		return []T{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyFn(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	records := make([]T, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		record, err := parse(data)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	return records, nil
}

// watchRetry runs an optimistic transaction, retrying when a watched key changes
func watchRetry(ctx context.Context, client *redis.Client, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return storage.ErrConflict
}
