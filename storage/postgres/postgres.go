// Package postgres provides a PostgreSQL implementation of the
// plansync.Store interface. The idempotency ledger is a primary-keyed
// table claimed with INSERT ... ON CONFLICT DO NOTHING; user lookups by
// Stripe ids use indexed exact-match queries.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kaloumo/plansync/pkg/plansync"
)

// Store implements plansync.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store adapter
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close releases the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema creates the tables and indexes this adapter needs.
// Idempotent; intended for development and tests, production deployments
// usually run their own migrations.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			user_id                TEXT PRIMARY KEY,
			plan                   TEXT NOT NULL DEFAULT 'free',
			listing_limit          INT  NOT NULL DEFAULT 3,
			is_premium             BOOLEAN NOT NULL DEFAULT FALSE,
			pro_since              TIMESTAMPTZ,
			stripe_customer_id     TEXT,
			stripe_subscription_id TEXT,
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS users_stripe_subscription_id_idx
			ON users (stripe_subscription_id) WHERE stripe_subscription_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS users_stripe_customer_id_idx
			ON users (stripe_customer_id);
		CREATE TABLE IF NOT EXISTS processed_events (
			event_id     TEXT PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

const userColumns = `user_id, plan, listing_limit, is_premium, pro_since,
	COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''), updated_at`

// GetUser implements plansync.Store
func (s *Store) GetUser(ctx context.Context, userID string) (*plansync.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	return scanUser(row)
}

// FindUserBySubscriptionID implements plansync.Store
func (s *Store) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*plansync.User, error) {
	if subscriptionID == "" {
		return nil, plansync.ErrUserNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_subscription_id = $1 LIMIT 1`, subscriptionID)
	return scanUser(row)
}

// FindUserByCustomerID implements plansync.Store
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (*plansync.User, error) {
	if customerID == "" {
		return nil, plansync.ErrUserNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE stripe_customer_id = $1 LIMIT 1`, customerID)
	return scanUser(row)
}

// ApplyPlanUpdate implements plansync.Store as an upsert touching only
// the plan fields. Cleared fields become NULL; the customer id keeps its
// previous value when the update carries none.
func (s *Store) ApplyPlanUpdate(ctx context.Context, userID string, update plansync.PlanUpdate) error {
	if userID == "" {
		return fmt.Errorf("invalid user id")
	}

	var proSince *time.Time
	if !update.ClearProSince {
		proSince = update.ProSince
	}
	var subscriptionID *string
	if !update.ClearSubscriptionID && update.SubscriptionID != "" {
		subscriptionID = &update.SubscriptionID
	}
	var customerID *string
	if update.CustomerID != "" {
		customerID = &update.CustomerID
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, plan, listing_limit, is_premium, pro_since,
				stripe_customer_id, stripe_subscription_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				listing_limit = EXCLUDED.listing_limit,
				is_premium = EXCLUDED.is_premium,
				pro_since = CASE WHEN $9 THEN NULL
					WHEN EXCLUDED.pro_since IS NOT NULL THEN EXCLUDED.pro_since
					ELSE users.pro_since END,
				stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, users.stripe_customer_id),
				stripe_subscription_id = CASE WHEN $10 THEN NULL
					WHEN EXCLUDED.stripe_subscription_id IS NOT NULL THEN EXCLUDED.stripe_subscription_id
					ELSE users.stripe_subscription_id END,
				updated_at = EXCLUDED.updated_at`,
		userID, string(update.Plan), update.ListingLimit, update.IsPremium, proSince,
		customerID, subscriptionID, update.UpdatedAt,
		update.ClearProSince, update.ClearSubscriptionID,
	)
	if err != nil {
		return fmt.Errorf("failed to apply plan update: %w", err)
	}
	return nil
}

// SetCustomerID implements plansync.Store
func (s *Store) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("invalid customer link")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, stripe_customer_id, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (user_id) DO UPDATE SET
				stripe_customer_id = EXCLUDED.stripe_customer_id`,
		userID, customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	return nil
}

// SeenEvent implements plansync.Store
func (s *Store) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

// ClaimEvent implements plansync.Store. ON CONFLICT DO NOTHING makes the
// insert the conditional-create primitive: zero rows affected means the
// id was already claimed.
func (s *Store) ClaimEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("invalid event id")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at)
			VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, processedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanUser(row pgx.Row) (*plansync.User, error) {
	var user plansync.User
	var plan string
	var proSince *time.Time

	err := row.Scan(
		&user.ID,
		&plan,
		&user.ListingLimit,
		&user.IsPremium,
		&proSince,
		&user.StripeCustomerID,
		&user.StripeSubscriptionID,
		&user.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, plansync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	user.Plan = plansync.Plan(plan)
	user.ProSince = proSince
	return &user, nil
}
