package clubledger

import (
	"context"
	"fmt"
	"time"
)

// DiscountedPrice applies a percentage discount with half-up rounding:
// 990 at 5% resolves to 941, at 10% to 891, at 15% to 842.
func DiscountedPrice(price int64, pct int) int64 {
	if pct <= 0 {
		return price
	}
	if pct >= 100 {
		return 0
	}
	return (price*int64(100-pct) + 50) / 100
}

func (e *Engine) tariffPrice(days int) (int64, error) {
	price, ok := e.config.Tariffs[days]
	if !ok {
		return 0, fmt.Errorf("%w: %d days", ErrUnknownTariff, days)
	}
	return price, nil
}

// createOrExtend fulfils a paid order: an active subscription gains
// days on its current end date (already-paid time is never lost), a
// user without one gets a fresh window starting now.
//
// The renewal price is always the full tariff price for the day-count
// tier with the user's lifetime discount applied. A one-time or
// promotional entry price never propagates into it.
func (e *Engine) createOrExtend(ctx context.Context, tx Storage, user *User, days int, paid int64, now time.Time) (*Subscription, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: %d days", ErrInvalidAmount, days)
	}

	tariff, err := e.tariffPrice(days)
	if err != nil {
		return nil, err
	}
	renewal := DiscountedPrice(tariff, user.LifetimeDiscountPct)

	sub, err := tx.ActiveSubscription(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}

	if sub != nil {
		sub.End = sub.End.AddDate(0, 0, days)
		sub.RenewalPrice = renewal
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	sub = &Subscription{
		UserID:             user.ID,
		Start:              now,
		End:                now.AddDate(0, 0, days),
		Price:              paid,
		RenewalPrice:       renewal,
		Active:             true,
		TierAtCreation:     user.Tier,
		DiscountAtCreation: user.EffectiveDiscountPct(),
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// grantDays extends the active subscription or, for a lapsed user,
// opens a zero-price window starting now. Used by benefit redemption
// and the referral welcome bonus; renewal pricing is untouched.
func (e *Engine) grantDays(ctx context.Context, tx Storage, user *User, days int, now time.Time) (*Subscription, error) {
	sub, err := tx.ActiveSubscription(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}

	if sub != nil {
		sub.End = sub.End.AddDate(0, 0, days)
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	sub = &Subscription{
		UserID:             user.ID,
		Start:              now,
		End:                now.AddDate(0, 0, days),
		Active:             true,
		TierAtCreation:     user.Tier,
		DiscountAtCreation: user.EffectiveDiscountPct(),
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// stampFirstPayment records the first-ever payment date once and marks
// the promotional entry price as used when the paid amount is at or
// below the configured threshold.
func (e *Engine) stampFirstPayment(user *User, paid int64, now time.Time) {
	if user.FirstPaymentAt == nil {
		t := now
		user.FirstPaymentAt = &t
	}
	if !user.FirstPaymentDone && e.config.PromoPrice > 0 && paid <= e.config.PromoPrice {
		user.FirstPaymentDone = true
	}
}
