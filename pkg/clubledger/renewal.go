package clubledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/clubledger/clubledger/pkg/provider"
)

// ChargeRenewal creates an off-session charge for the user's next
// renewal against their stored payment method. The amount is the full
// tariff price for the day count with the lifetime discount applied,
// never a promotional entry price.
//
// The method performs no ledger writes: the charge outcome arrives
// through the webhook like any other provider notification, and only
// that path mutates state.
func (e *Engine) ChargeRenewal(ctx context.Context, prov provider.Provider, userID string, days int) (*provider.Charge, error) {
	user, err := e.storage.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.PaymentMethodID == "" {
		return nil, fmt.Errorf("user %s has no stored payment method", MaskUserID(userID))
	}

	tariff, err := e.tariffPrice(days)
	if err != nil {
		return nil, err
	}
	amount := DiscountedPrice(tariff, user.LifetimeDiscountPct)

	charge, err := prov.CreateRecurringCharge(ctx, provider.RecurringChargeRequest{
		Amount:          amount,
		Description:     fmt.Sprintf("Subscription renewal, %d days", days),
		CustomerID:      user.ID,
		PaymentMethodID: user.PaymentMethodID,
		Metadata: map[string]string{
			"user_id":         user.ID,
			"days":            strconv.Itoa(days),
			"recurring":       "true",
			"expected_amount": strconv.FormatInt(amount, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create renewal charge: %w", err)
	}

	e.log.Info("renewal charge created",
		Field{Key: "provider", Value: prov.Name()},
		Field{Key: "charge_id", Value: charge.ID},
		Field{Key: "user", Value: MaskUserID(user.ID)},
		Field{Key: "amount", Value: amount},
		Field{Key: "days", Value: days})
	return charge, nil
}
