// Package postgres provides a PostgreSQL implementation of the
// clubledger.Storage interface on pgx. WithinTx maps to a database
// transaction; a nested WithinTx maps to a savepoint via pgx's nested
// Begin, which is what gives the batch runner per-group rollback.
//
// The external transaction id on payments carries the single most
// important schema contract in the system: UNIQUE NOT NULL, indexed.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clubledger/clubledger/pkg/clubledger"
)

// Schema is the DDL this adapter expects. Callers run it through
// InitSchema or their own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS payments (
	external_id     TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	days            INT NOT NULL,
	status          TEXT NOT NULL,
	confirmed       BOOLEAN NOT NULL DEFAULT FALSE,
	subscription_id BIGINT,
	recurring       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                   BIGSERIAL PRIMARY KEY,
	user_id              TEXT NOT NULL,
	start_at             TIMESTAMPTZ NOT NULL,
	end_at               TIMESTAMPTZ NOT NULL,
	price                BIGINT NOT NULL DEFAULT 0,
	renewal_price        BIGINT NOT NULL DEFAULT 0,
	active               BOOLEAN NOT NULL DEFAULT TRUE,
	tier_at_creation     TEXT NOT NULL DEFAULT 'none',
	discount_at_creation INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS subscriptions_user_idx ON subscriptions (user_id);

CREATE TABLE IF NOT EXISTS users (
	id                    TEXT PRIMARY KEY,
	tier                  TEXT NOT NULL DEFAULT 'none',
	pending_reward        BOOLEAN NOT NULL DEFAULT FALSE,
	lifetime_discount_pct INT NOT NULL DEFAULT 0,
	one_time_discount_pct INT NOT NULL DEFAULT 0,
	first_payment_at      TIMESTAMPTZ,
	first_payment_done    BOOLEAN NOT NULL DEFAULT FALSE,
	autopay_streak        INT NOT NULL DEFAULT 0,
	referrer_id           TEXT NOT NULL DEFAULT '',
	payment_method_id     TEXT NOT NULL DEFAULT '',
	updated_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS loyalty_events (
	id         BIGSERIAL PRIMARY KEY,
	user_id    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	tier       TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS loyalty_events_lookup_idx ON loyalty_events (user_id, kind, tier);
`

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// db is the surface shared by pgxpool.Pool and pgx.Tx, so every query
// method works identically inside and outside a transaction.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Storage implements clubledger.Storage using PostgreSQL.
type Storage struct {
	q    db
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
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

	return &Storage{q: pool, pool: pool}, nil
}

// InitSchema creates the tables this adapter expects.
func (s *Storage) InitSchema(ctx context.Context) error {
	if _, err := s.q.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithinTx implements clubledger.Storage. On a transactional view pgx's
// nested Begin opens a savepoint, so an inner failure rolls back only
// the inner scope.
func (s *Storage) WithinTx(ctx context.Context, fn func(ctx context.Context, tx clubledger.Storage) error) error {
	tx, err := s.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &Storage{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetPayment implements clubledger.Storage.
func (s *Storage) GetPayment(ctx context.Context, externalID string) (*clubledger.PaymentRecord, error) {
	var rec clubledger.PaymentRecord
	err := s.q.QueryRow(ctx,
		`SELECT external_id, user_id, amount, days, status, confirmed, subscription_id, recurring, created_at
			FROM payments WHERE external_id = $1`,
		externalID).Scan(
		&rec.ExternalID, &rec.UserID, &rec.Amount, &rec.Days,
		&rec.Status, &rec.Confirmed, &rec.SubscriptionID, &rec.Recurring, &rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, clubledger.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &rec, nil
}

// CreatePayment implements clubledger.Storage.
func (s *Storage) CreatePayment(ctx context.Context, rec *clubledger.PaymentRecord) error {
	if rec == nil || rec.ExternalID == "" {
		return fmt.Errorf("invalid payment record")
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO payments (external_id, user_id, amount, days, status, confirmed, subscription_id, recurring, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ExternalID, rec.UserID, rec.Amount, rec.Days,
		string(rec.Status), rec.Confirmed, rec.SubscriptionID, rec.Recurring, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// UpdatePayment implements clubledger.Storage.
func (s *Storage) UpdatePayment(ctx context.Context, rec *clubledger.PaymentRecord) error {
	if rec == nil || rec.ExternalID == "" {
		return fmt.Errorf("invalid payment record")
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE payments
			SET status = $1, confirmed = $2, subscription_id = $3
			WHERE external_id = $4`,
		string(rec.Status), rec.Confirmed, rec.SubscriptionID, rec.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clubledger.ErrPaymentNotFound
	}
	return nil
}

// GetUser implements clubledger.Storage.
func (s *Storage) GetUser(ctx context.Context, userID string) (*clubledger.User, error) {
	var user clubledger.User
	err := s.q.QueryRow(ctx,
		`SELECT id, tier, pending_reward, lifetime_discount_pct, one_time_discount_pct,
			first_payment_at, first_payment_done, autopay_streak, referrer_id, payment_method_id, updated_at
			FROM users WHERE id = $1`,
		userID).Scan(
		&user.ID, &user.Tier, &user.PendingReward, &user.LifetimeDiscountPct, &user.OneTimeDiscountPct,
		&user.FirstPaymentAt, &user.FirstPaymentDone, &user.AutopayStreak,
		&user.ReferrerID, &user.PaymentMethodID, &user.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, clubledger.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// SaveUser implements clubledger.Storage.
func (s *Storage) SaveUser(ctx context.Context, user *clubledger.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id, tier, pending_reward, lifetime_discount_pct, one_time_discount_pct,
			first_payment_at, first_payment_done, autopay_streak, referrer_id, payment_method_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				tier = EXCLUDED.tier,
				pending_reward = EXCLUDED.pending_reward,
				lifetime_discount_pct = EXCLUDED.lifetime_discount_pct,
				one_time_discount_pct = EXCLUDED.one_time_discount_pct,
				first_payment_at = EXCLUDED.first_payment_at,
				first_payment_done = EXCLUDED.first_payment_done,
				autopay_streak = EXCLUDED.autopay_streak,
				referrer_id = EXCLUDED.referrer_id,
				payment_method_id = EXCLUDED.payment_method_id,
				updated_at = EXCLUDED.updated_at`,
		user.ID, string(user.Tier), user.PendingReward, user.LifetimeDiscountPct, user.OneTimeDiscountPct,
		user.FirstPaymentAt, user.FirstPaymentDone, user.AutopayStreak,
		user.ReferrerID, user.PaymentMethodID, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// ListUserIDs implements clubledger.Storage.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	return ids, nil
}

// ActiveSubscription implements clubledger.Storage.
func (s *Storage) ActiveSubscription(ctx context.Context, userID string, now time.Time) (*clubledger.Subscription, error) {
	var sub clubledger.Subscription
	err := s.q.QueryRow(ctx,
		`SELECT id, user_id, start_at, end_at, price, renewal_price, active, tier_at_creation, discount_at_creation
			FROM subscriptions
			WHERE user_id = $1 AND active AND end_at >= $2
			ORDER BY end_at DESC
			LIMIT 1`,
		userID, now).Scan(
		&sub.ID, &sub.UserID, &sub.Start, &sub.End, &sub.Price,
		&sub.RenewalPrice, &sub.Active, &sub.TierAtCreation, &sub.DiscountAtCreation,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return &sub, nil
}

// SubscriptionsByUser implements clubledger.Storage.
func (s *Storage) SubscriptionsByUser(ctx context.Context, userID string) ([]clubledger.Subscription, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, start_at, end_at, price, renewal_price, active, tier_at_creation, discount_at_creation
			FROM subscriptions WHERE user_id = $1 ORDER BY id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []clubledger.Subscription
	for rows.Next() {
		var sub clubledger.Subscription
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.Start, &sub.End, &sub.Price,
			&sub.RenewalPrice, &sub.Active, &sub.TierAtCreation, &sub.DiscountAtCreation,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return subs, nil
}

// CreateSubscription implements clubledger.Storage.
func (s *Storage) CreateSubscription(ctx context.Context, sub *clubledger.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, start_at, end_at, price, renewal_price, active, tier_at_creation, discount_at_creation)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
		sub.UserID, sub.Start, sub.End, sub.Price, sub.RenewalPrice,
		sub.Active, string(sub.TierAtCreation), sub.DiscountAtCreation,
	).Scan(&sub.ID)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements clubledger.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *clubledger.Subscription) error {
	if sub == nil {
		return fmt.Errorf("invalid subscription")
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE subscriptions
			SET end_at = $1, price = $2, renewal_price = $3, active = $4
			WHERE id = $5`,
		sub.End, sub.Price, sub.RenewalPrice, sub.Active, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clubledger.ErrSubscriptionNotFound
	}
	return nil
}

// AppendEvent implements clubledger.Storage.
func (s *Storage) AppendEvent(ctx context.Context, ev *clubledger.LoyaltyEvent) error {
	if ev == nil || ev.UserID == "" {
		return fmt.Errorf("invalid loyalty event")
	}
	var payload []byte
	if len(ev.Payload) > 0 {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO loyalty_events (user_id, kind, tier, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
		ev.UserID, string(ev.Kind), string(ev.Tier), payload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// HasEvent implements clubledger.Storage.
func (s *Storage) HasEvent(ctx context.Context, userID string, kind clubledger.EventKind, tier clubledger.Tier) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM loyalty_events WHERE user_id = $1 AND kind = $2 AND tier = $3
		)`,
		userID, string(kind), string(tier)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}
