package clubledger

import (
	"time"
)

// PaymentStatus is the lifecycle state of a provider transaction.
type PaymentStatus string

const (
	// PaymentPending is the initial state of a freshly seen transaction.
	PaymentPending PaymentStatus = "pending"
	// PaymentSuccess means the provider confirmed the charge.
	PaymentSuccess PaymentStatus = "success"
	// PaymentFailed means the charge was canceled or expired.
	PaymentFailed PaymentStatus = "failed"
)

// Tier is a loyalty rank derived from subscription tenure.
type Tier string

const (
	TierNone     Tier = "none"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Weight returns the position of the tier in the total order
// none < silver < gold < platinum.
func (t Tier) Weight() int {
	switch t {
	case TierSilver:
		return 1
	case TierGold:
		return 2
	case TierPlatinum:
		return 3
	default:
		return 0
	}
}

// Tenure thresholds in days for each tier.
const (
	SilverDays   = 90
	GoldDays     = 180
	PlatinumDays = 365
)

// TierForTenure maps cumulative paid days to a tier.
func TierForTenure(days int) Tier {
	switch {
	case days >= PlatinumDays:
		return TierPlatinum
	case days >= GoldDays:
		return TierGold
	case days >= SilverDays:
		return TierSilver
	default:
		return TierNone
	}
}

// EventKind classifies entries in the loyalty event log.
type EventKind string

const (
	// EventLevelUp records a tier upgrade.
	EventLevelUp EventKind = "level_up"
	// EventBenefitChosen records a one-time benefit redemption.
	// Its existence for (user, tier) is the authoritative idempotency
	// check for redemption.
	EventBenefitChosen EventKind = "benefit_chosen"
	// EventBonusApplied records a referral welcome bonus grant.
	EventBonusApplied EventKind = "bonus_applied"
)

// PaymentRecord is one row per external provider transaction.
// ExternalID is the idempotency anchor for the whole pipeline: a record
// with Status=success, Confirmed=true and a linked subscription is
// terminal and must never be reprocessed with side effects.
type PaymentRecord struct {
	ExternalID     string
	UserID         string
	Amount         int64
	Days           int
	Status         PaymentStatus
	Confirmed      bool
	SubscriptionID *int64
	Recurring      bool
	CreatedAt      time.Time
}

// Terminal reports whether the record has been fully processed.
func (p *PaymentRecord) Terminal() bool {
	return p.Status == PaymentSuccess && p.Confirmed && p.SubscriptionID != nil
}

// Subscription is one entitlement window. Extending an active
// subscription adds days to its current end date, never to "now".
type Subscription struct {
	ID           int64
	UserID       string
	Start        time.Time
	End          time.Time
	Price        int64
	RenewalPrice int64
	Active       bool
	// Snapshot of the loyalty state applied at creation, kept for audit.
	TierAtCreation     Tier
	DiscountAtCreation int
}

// ActiveAt reports whether the window covers the given instant.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Active && !s.End.Before(now)
}

// User is the loyalty-relevant slice of a member.
type User struct {
	ID                  string
	Tier                Tier
	PendingReward       bool
	LifetimeDiscountPct int
	OneTimeDiscountPct  int
	FirstPaymentAt      *time.Time
	FirstPaymentDone    bool
	AutopayStreak       int
	ReferrerID          string
	PaymentMethodID     string
	UpdatedAt           time.Time
}

// EffectiveDiscountPct returns the discount applied to renewals:
// the lifetime discount when present, the one-time discount otherwise.
// The two never stack.
func (u *User) EffectiveDiscountPct() int {
	if u.LifetimeDiscountPct > 0 {
		return u.LifetimeDiscountPct
	}
	return u.OneTimeDiscountPct
}

// LoyaltyEvent is an append-only audit and idempotency log entry.
// Rows are never mutated or deleted.
type LoyaltyEvent struct {
	UserID    string
	Kind      EventKind
	Tier      Tier
	Payload   map[string]string
	CreatedAt time.Time
}

// IngestRequest carries one provider notification into the ledger.
type IngestRequest struct {
	ExternalID string
	UserID     string
	Amount     int64
	Days       int
	Recurring  bool
	ReferrerID string
}

// IngestResult reports what a successful Ingest did.
type IngestResult struct {
	// Duplicate is true when the transaction was already terminal and
	// the call was an idempotent no-op.
	Duplicate      bool
	SubscriptionID int64
	Tier           Tier
	LeveledUp      bool
}

// BatchStats aggregates the outcome of one loyalty sweep.
type BatchStats struct {
	Users         int
	Groups        int
	FailedGroups  int
	LevelUps      int
	Downgrades    int
	ItemErrors    int
	PromptsQueued int
	Started       time.Time
	Finished      time.Time
}

// Config holds engine configuration. Zero values fall back to defaults
// applied in NewEngine.
type Config struct {
	// Tariffs maps a subscription day-count to its full price.
	Tariffs map[int]int64

	// PromoPrice is the first-payment promotional threshold: a first
	// successful payment at or below it marks the promo as used.
	PromoPrice int64

	// WelcomeBonusDays is granted to the payer on the first successful
	// payment when a referrer exists.
	WelcomeBonusDays int

	// ReferralCashPct is the cash share offered to the referrer.
	ReferralCashPct int

	// ReferralBonusDays is the day alternative offered to the referrer.
	ReferralBonusDays int

	// BatchSize is the number of users per savepoint-isolated group in
	// the loyalty sweep (default: 50).
	BatchSize int

	// AllowTierDowngrade lets the batch sweep lower a stored tier when
	// recomputed tenure implies a lower one. The real-time payment path
	// never downgrades regardless of this flag.
	AllowTierDowngrade bool

	// PromptConcurrency bounds the post-sweep benefit prompt fan-out
	// (default: 4).
	PromptConcurrency int

	// OperatorUserID receives the batch sweep summary when set.
	OperatorUserID string

	// Now overrides the clock. Tests set it for deterministic windows.
	Now func() time.Time

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks pipeline operations (default: NoopMetrics).
	Metrics Metrics
}
