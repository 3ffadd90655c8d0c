package clubledger

import (
	"context"
	"time"
)

// Storage defines the persistence interface for the ledger.
// All methods use concrete types from this package to avoid import cycles.
//
// WithinTx composes methods into an all-or-nothing unit: the ledger runs
// one payment's full pipeline (status flip, subscription, loyalty,
// referral) inside a single call. A nested WithinTx on the transactional
// view opens a savepoint, which the batch runner uses for per-group
// failure isolation.
type Storage interface {
	// GetPayment retrieves a record by external transaction id.
	// Returns ErrPaymentNotFound when no record exists.
	GetPayment(ctx context.Context, externalID string) (*PaymentRecord, error)

	// CreatePayment stores a new record. The external transaction id
	// carries a uniqueness constraint.
	CreatePayment(ctx context.Context, rec *PaymentRecord) error

	// UpdatePayment stores the current state of an existing record.
	UpdatePayment(ctx context.Context, rec *PaymentRecord) error

	// GetUser retrieves the loyalty slice of a user.
	// Returns ErrUserNotFound when the user is unknown.
	GetUser(ctx context.Context, userID string) (*User, error)

	// SaveUser upserts the loyalty slice of a user.
	SaveUser(ctx context.Context, user *User) error

	// ListUserIDs returns every known user id, for the batch sweep.
	ListUserIDs(ctx context.Context) ([]string, error)

	// ActiveSubscription returns the subscription covering now, or
	// nil when the user has none.
	ActiveSubscription(ctx context.Context, userID string, now time.Time) (*Subscription, error)

	// SubscriptionsByUser returns the full subscription history.
	SubscriptionsByUser(ctx context.Context, userID string) ([]Subscription, error)

	// CreateSubscription stores a new window and assigns its id.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription stores the current state of a window.
	// Returns ErrSubscriptionNotFound when the id does not resolve.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// AppendEvent appends to the loyalty event log. Events are never
	// mutated or deleted.
	AppendEvent(ctx context.Context, ev *LoyaltyEvent) error

	// HasEvent reports whether an event of the given kind and tier
	// exists for the user. This query substitutes for a row lock the
	// storage layer cannot guarantee.
	HasEvent(ctx context.Context, userID string, kind EventKind, tier Tier) (bool, error)

	// WithinTx runs fn against a transactional view of the storage.
	// Any error rolls back every mutation made through the view.
	// Calling WithinTx on the view opens a savepoint: the inner
	// rollback leaves the enclosing transaction intact.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error
}
