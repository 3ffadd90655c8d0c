package clubledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/clubledger/clubledger/pkg/notify"
)

// evaluateLoyalty recomputes the user's tier from merged tenure and
// applies it under the monotonic upgrade rule. Returns +1 for an
// upgrade, -1 for a drift-correction downgrade, 0 for no change.
//
// Upgrades persist the tier, raise the pending-reward flag and append a
// level_up event. The benefit prompt is due only when the user holds an
// active subscription, otherwise it is re-checked by the sweep; the
// prompt itself is the caller's to send once the transaction has
// committed, so a later rollback cannot leave an announced level-up
// undone. Downgrades happen only when allowDowngrade is set (the batch
// path with Config.AllowTierDowngrade): the stored tier is lowered to
// match recomputed tenure and a now-inconsistent pending-reward flag is
// cleared. The caller persists the user.
func (e *Engine) evaluateLoyalty(ctx context.Context, tx Storage, user *User, now time.Time, allowDowngrade bool) (delta int, promptDue bool, err error) {
	subs, err := tx.SubscriptionsByUser(ctx, user.ID)
	if err != nil {
		return 0, false, err
	}
	tenure := TenureDays(subs, now)
	computed := TierForTenure(tenure)

	switch {
	case computed.Weight() > user.Tier.Weight():
		user.Tier = computed
		user.PendingReward = true
		ev := &LoyaltyEvent{
			UserID:    user.ID,
			Kind:      EventLevelUp,
			Tier:      computed,
			Payload:   map[string]string{"tenure_days": strconv.Itoa(tenure)},
			CreatedAt: now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return 0, false, err
		}
		e.metrics.RecordLevelUp(string(computed))
		e.log.Info("loyalty level up",
			Field{Key: "user", Value: MaskUserID(user.ID)},
			Field{Key: "tier", Value: string(computed)},
			Field{Key: "tenure_days", Value: tenure})
		return 1, hasActiveSubscription(subs, now), nil

	case computed.Weight() < user.Tier.Weight() && allowDowngrade:
		e.log.Warn("loyalty tier drift corrected",
			Field{Key: "user", Value: MaskUserID(user.ID)},
			Field{Key: "stored", Value: string(user.Tier)},
			Field{Key: "computed", Value: string(computed)})
		user.Tier = computed
		user.PendingReward = false
		return -1, false, nil
	}

	return 0, false, nil
}

// EvaluateUser re-runs the loyalty check for one user in its own
// transaction. The batch sweep uses the transactional variant directly.
func (e *Engine) EvaluateUser(ctx context.Context, userID string) (Tier, error) {
	var tier Tier
	var prompt *pendingPrompt
	err := e.storage.WithinTx(ctx, func(ctx context.Context, tx Storage) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		_, promptDue, err := e.evaluateLoyalty(ctx, tx, user, e.now(), e.config.AllowTierDowngrade)
		if err != nil {
			return err
		}
		user.UpdatedAt = e.now()
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		tier = user.Tier
		if promptDue {
			prompt = &pendingPrompt{userID: user.ID, tier: user.Tier}
		}
		return nil
	})
	if err != nil {
		return tier, err
	}
	if prompt != nil {
		e.promptBenefit(ctx, prompt.userID, prompt.tier)
	}
	return tier, nil
}

// promptBenefit offers the tier's benefit choices. A failed send is a
// courtesy loss, never a transaction abort.
func (e *Engine) promptBenefit(ctx context.Context, userID string, tier Tier) {
	choices := make([]notify.Choice, 0, 2)
	for _, b := range CatalogueFor(tier) {
		choices = append(choices, notify.Choice{
			Label: b.Label(),
			Data:  fmt.Sprintf("benefit:%s:%s", tier, b.Code),
		})
	}
	text := fmt.Sprintf("You reached the %s level. Pick your reward:", tier)
	if err := e.notifier.SendChoice(ctx, userID, text, choices); err != nil {
		e.log.Warn("benefit prompt failed",
			Field{Key: "user", Value: MaskUserID(userID)},
			Field{Key: "tier", Value: string(tier)},
			Field{Key: "error", Value: err.Error()})
	}
}

func hasActiveSubscription(subs []Subscription, now time.Time) bool {
	for i := range subs {
		if subs[i].ActiveAt(now) {
			return true
		}
	}
	return false
}
