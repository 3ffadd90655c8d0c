package clubledger

import (
	"context"
	"time"
)

// RequestClass separates the per-user rate budgets of the ingestion
// surface.
type RequestClass string

const (
	// ClassGeneral covers ordinary requests.
	ClassGeneral RequestClass = "general"
	// ClassPayment covers payment notifications.
	ClassPayment RequestClass = "payment"
	// ClassCallback covers button callbacks.
	ClassCallback RequestClass = "callback"
	// ClassPrivileged covers operator requests.
	ClassPrivileged RequestClass = "privileged"
)

// LimitConfig is the sliding-window budget for one request class.
type LimitConfig struct {
	// Rate is the number of requests allowed per window.
	Rate int

	// Window is the sliding time window.
	Window time.Duration

	// Cooldown is the fixed block applied after the budget is
	// exceeded.
	Cooldown time.Duration
}

// LimitInfo describes the outcome of an admission check.
type LimitInfo struct {
	// Remaining is the number of requests left in the current window.
	Remaining int

	// RetryAt is when the user may try again (window reset or end of
	// cooldown).
	RetryAt time.Time

	// Limit is the total budget for the window.
	Limit int
}

// AdmissionLimiter sheds excess per-user load before it reaches
// business logic. A denied request gets a soft-denial response, never a
// silent drop.
type AdmissionLimiter interface {
	// Allow reports whether the request fits the user's budget for the
	// class. When it does not, LimitInfo carries the retry time.
	Allow(ctx context.Context, userID string, class RequestClass) (bool, *LimitInfo, error)
}

// DefaultLimits returns the per-class budgets used when none are
// configured.
func DefaultLimits() map[RequestClass]LimitConfig {
	return map[RequestClass]LimitConfig{
		ClassGeneral:    {Rate: 20, Window: time.Minute, Cooldown: 2 * time.Minute},
		ClassPayment:    {Rate: 10, Window: time.Minute, Cooldown: 5 * time.Minute},
		ClassCallback:   {Rate: 30, Window: time.Minute, Cooldown: time.Minute},
		ClassPrivileged: {Rate: 60, Window: time.Minute, Cooldown: 30 * time.Second},
	}
}
