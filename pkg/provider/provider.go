// Package provider abstracts the payment-provider collaborator. The
// core only needs three capabilities: verify a notification signature,
// create a charge, and look up a charge. Concrete SDK bindings live in
// subpackages.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrBadSignature is returned when a notification signature does not
// verify against the raw body.
var ErrBadSignature = errors.New("invalid signature")

// ChargeStatus is the provider-side state of a charge.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeCanceled  ChargeStatus = "canceled"
)

// Charge is the provider's view of one transaction.
type Charge struct {
	ID        string
	Status    ChargeStatus
	Amount    int64
	Paid      bool
	Metadata  map[string]string
	CreatedAt time.Time
}

// ChargeRequest creates a one-off charge.
type ChargeRequest struct {
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
	ReturnURL   string
}

// RecurringChargeRequest charges a saved payment method off-session.
type RecurringChargeRequest struct {
	Amount          int64
	Currency        string
	Description     string
	Metadata        map[string]string
	CustomerID      string
	PaymentMethodID string
}

// SignatureVerifier authenticates a raw notification body against the
// provider's signature header.
type SignatureVerifier interface {
	// VerifySignature returns ErrBadSignature (possibly wrapped) when
	// the header does not match the payload.
	VerifySignature(payload []byte, header string) error
}

// Provider is the full payment collaborator surface.
type Provider interface {
	SignatureVerifier

	// Name identifies the provider in logs and metrics.
	Name() string

	// CreateCharge starts a one-off charge.
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)

	// CreateRecurringCharge charges a saved payment method.
	CreateRecurringCharge(ctx context.Context, req RecurringChargeRequest) (*Charge, error)

	// ChargeStatus fetches the current state of a charge.
	ChargeStatus(ctx context.Context, id string) (*Charge, error)
}
