package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres error codes mapped onto storage sentinels
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Store implements the storage.Store interface using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool and, when configured, applies pending migrations
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.MaxConnLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store := &Store{pool: pool}

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return store, nil
}

// Migrate applies the embedded goose migrations
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore { return &userStore{pool: s.pool} }

// UserGroups returns the UserGroupStore implementation
func (s *Store) UserGroups() storage.UserGroupStore { return &userGroupStore{pool: s.pool} }

// PCGroups returns the PCGroupStore implementation
func (s *Store) PCGroups() storage.PCGroupStore { return &pcGroupStore{pool: s.pool} }

// PCs returns the PCStore implementation
func (s *Store) PCs() storage.PCStore { return &pcStore{pool: s.pool} }

// PricingRules returns the PricingRuleStore implementation
func (s *Store) PricingRules() storage.PricingRuleStore { return &pricingRuleStore{pool: s.pool} }

// TimeGrants returns the TimeGrantStore implementation
func (s *Store) TimeGrants() storage.TimeGrantStore { return &timeGrantStore{pool: s.pool} }

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{pool: s.pool} }

// Wallet returns the WalletStore implementation
func (s *Store) Wallet() storage.WalletStore { return &walletStore{pool: s.pool} }

// Audit returns the AuditStore implementation
func (s *Store) Audit() storage.AuditStore { return &auditStore{pool: s.pool} }

// mapError converts driver errors into storage sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, storage.ErrAlreadyExists)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, storage.ErrNotFound)
		}
	}
	return err
}

// nullable maps an empty id onto SQL NULL
func nullable(id string) any {
	if id == "" {
		return nil
	}
	return id
}

// queryAll runs a query and scans every row with scan
func queryAll[T any](ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, scan func(pgx.Row) (*T, error), sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []T{}
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}
