package clubledger

import (
	"context"
	"fmt"
)

// Benefit is one entry of the closed per-tier reward catalogue. A
// benefit grants either extra subscription days or a lifetime discount,
// never both.
type Benefit struct {
	Tier        Tier
	Code        string
	ExtraDays   int
	DiscountPct int
}

// Label returns the user-facing description of the benefit.
func (b Benefit) Label() string {
	if b.ExtraDays > 0 {
		return fmt.Sprintf("+%d days", b.ExtraDays)
	}
	return fmt.Sprintf("%d%% lifetime discount", b.DiscountPct)
}

var catalogue = []Benefit{
	{Tier: TierSilver, Code: "days7", ExtraDays: 7},
	{Tier: TierSilver, Code: "disc5", DiscountPct: 5},
	{Tier: TierGold, Code: "days14", ExtraDays: 14},
	{Tier: TierGold, Code: "disc10", DiscountPct: 10},
	{Tier: TierPlatinum, Code: "days30", ExtraDays: 30},
	{Tier: TierPlatinum, Code: "disc15", DiscountPct: 15},
}

// CatalogueFor returns the benefits redeemable at the given tier.
func CatalogueFor(tier Tier) []Benefit {
	out := make([]Benefit, 0, 2)
	for _, b := range catalogue {
		if b.Tier == tier {
			out = append(out, b)
		}
	}
	return out
}

func benefitByCode(tier Tier, code string) (Benefit, error) {
	for _, b := range catalogue {
		if b.Tier == tier && b.Code == code {
			return b, nil
		}
	}
	return Benefit{}, fmt.Errorf("%w: %s/%s", ErrUnknownBenefit, tier, code)
}

// Redeem grants the chosen reward for a tier exactly once per user.
//
// Idempotency rests on the append-only event log: the existence of a
// benefit_chosen event for (user, tier) is the authoritative check, a
// deliberate substitute for row locks the storage layer cannot
// guarantee. A duplicate redemption returns ErrAlreadyRedeemed with
// zero side effects; callers treat it as success.
//
// Extra-days grants extend the active subscription, or open a new
// window for a lapsed user. Discount grants set the lifetime discount
// and need no active subscription.
func (e *Engine) Redeem(ctx context.Context, userID string, tier Tier, code string) error {
	b, err := benefitByCode(tier, code)
	if err != nil {
		return err
	}

	err = e.storage.WithinTx(ctx, func(ctx context.Context, tx Storage) error {
		now := e.now()

		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Tier.Weight() < tier.Weight() {
			return ErrBenefitLocked
		}

		redeemed, err := tx.HasEvent(ctx, userID, EventBenefitChosen, tier)
		if err != nil {
			return err
		}
		if redeemed {
			return ErrAlreadyRedeemed
		}

		if b.ExtraDays > 0 {
			if _, err := e.grantDays(ctx, tx, user, b.ExtraDays, now); err != nil {
				return err
			}
		} else {
			user.LifetimeDiscountPct = b.DiscountPct
		}

		user.PendingReward = false
		user.UpdatedAt = now
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}

		return tx.AppendEvent(ctx, &LoyaltyEvent{
			UserID:    userID,
			Kind:      EventBenefitChosen,
			Tier:      tier,
			Payload:   map[string]string{"code": b.Code},
			CreatedAt: now,
		})
	})
	if err != nil {
		if err == ErrAlreadyRedeemed {
			e.log.Info("benefit already redeemed",
				Field{Key: "user", Value: MaskUserID(userID)},
				Field{Key: "tier", Value: string(tier)})
		}
		return err
	}

	e.metrics.RecordBenefit(string(tier), b.Code)
	e.log.Info("benefit redeemed",
		Field{Key: "user", Value: MaskUserID(userID)},
		Field{Key: "tier", Value: string(tier)},
		Field{Key: "code", Value: b.Code})
	return nil
}
