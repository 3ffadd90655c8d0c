// Package stripe binds the provider interface to the Stripe SDK.
// Charges are modeled as payment intents; recurring charges confirm
// off-session against a saved payment method.
package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/clubledger/clubledger/pkg/provider"
)

const providerName = "stripe"

// Config holds Stripe credentials and defaults.
type Config struct {
	APIKey        string
	WebhookSecret string

	// Currency is the ISO code used for created charges (default "usd").
	Currency string
}

// Provider implements provider.Provider on the Stripe client API.
type Provider struct {
	client        *stripe.Client
	webhookSecret string
	currency      string
}

// New creates a Stripe provider.
func New(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe api key is required")
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Provider{
		client:        stripe.NewClient(apiKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		currency:      currency,
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string {
	return providerName
}

// VerifySignature implements provider.SignatureVerifier using Stripe's
// signed-event scheme over the raw body.
func (p *Provider) VerifySignature(payload []byte, header string) error {
	if p.webhookSecret == "" {
		return fmt.Errorf("%w: webhook secret not configured", provider.ErrBadSignature)
	}
	if _, err := stripe.ConstructEvent(payload, header, p.webhookSecret); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrBadSignature, err)
	}
	return nil
}

// CreateCharge implements provider.Provider.
func (p *Provider) CreateCharge(ctx context.Context, req provider.ChargeRequest) (*provider.Charge, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(p.currency),
	}
	if req.Currency != "" {
		params.Currency = stripe.String(req.Currency)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create charge: %w", err)
	}
	return chargeFromIntent(pi), nil
}

// CreateRecurringCharge implements provider.Provider.
func (p *Provider) CreateRecurringCharge(ctx context.Context, req provider.RecurringChargeRequest) (*provider.Charge, error) {
	if req.CustomerID == "" || req.PaymentMethodID == "" {
		return nil, fmt.Errorf("customer and payment method are required for recurring charges")
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(p.currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	if req.Currency != "" {
		params.Currency = stripe.String(req.Currency)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create recurring charge: %w", err)
	}
	return chargeFromIntent(pi), nil
}

// ChargeStatus implements provider.Provider.
func (p *Provider) ChargeStatus(ctx context.Context, id string) (*provider.Charge, error) {
	pi, err := p.client.V1PaymentIntents.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch charge: %w", err)
	}
	return chargeFromIntent(pi), nil
}

func chargeFromIntent(pi *stripe.PaymentIntent) *provider.Charge {
	status := provider.ChargePending
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = provider.ChargeSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = provider.ChargeCanceled
	}

	return &provider.Charge{
		ID:        pi.ID,
		Status:    status,
		Amount:    pi.Amount,
		Paid:      status == provider.ChargeSucceeded,
		Metadata:  pi.Metadata,
		CreatedAt: time.Unix(pi.Created, 0).UTC(),
	}
}
