package clubledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/clubledger/clubledger/pkg/notify"
)

// cascade fans out referral side effects of one successful payment.
//
// A referrer holding an active subscription is offered a choice between
// a cash share of the payment and bonus days.
// On the payer's first successful payment the welcome bonus days are
// granted to the payer as well, guarded by a bonus_applied event so a
// retried webhook cannot double-grant.
func (e *Engine) cascade(ctx context.Context, tx Storage, payer *User, rec *PaymentRecord, firstPayment bool, now time.Time) error {
	if payer.ReferrerID == "" {
		return nil
	}

	referrer, err := tx.GetUser(ctx, payer.ReferrerID)
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	active, err := tx.ActiveSubscription(ctx, referrer.ID, now)
	if err != nil {
		return err
	}
	if active != nil {
		e.offerReferrerReward(ctx, referrer.ID, rec.Amount)
	}

	if !firstPayment || e.config.WelcomeBonusDays <= 0 {
		return nil
	}

	granted, err := tx.HasEvent(ctx, payer.ID, EventBonusApplied, TierNone)
	if err != nil {
		return err
	}
	if granted {
		return nil
	}

	if _, err := e.grantDays(ctx, tx, payer, e.config.WelcomeBonusDays, now); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, &LoyaltyEvent{
		UserID: payer.ID,
		Kind:   EventBonusApplied,
		Tier:   TierNone,
		Payload: map[string]string{
			"source": "referral",
			"days":   strconv.Itoa(e.config.WelcomeBonusDays),
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}

	e.log.Info("referral welcome bonus granted",
		Field{Key: "user", Value: MaskUserID(payer.ID)},
		Field{Key: "referrer", Value: MaskUserID(referrer.ID)},
		Field{Key: "days", Value: e.config.WelcomeBonusDays})
	return nil
}

// offerReferrerReward sends the cash-or-days choice. Send failures are
// logged and swallowed; money-affecting state must commit regardless.
func (e *Engine) offerReferrerReward(ctx context.Context, referrerID string, amount int64) {
	cash := amount * int64(e.config.ReferralCashPct) / 100
	choices := []notify.Choice{
		{Label: fmt.Sprintf("%d cash", cash), Data: fmt.Sprintf("referral:cash:%d", cash)},
		{Label: fmt.Sprintf("+%d days", e.config.ReferralBonusDays), Data: fmt.Sprintf("referral:days:%d", e.config.ReferralBonusDays)},
	}
	text := "Your invitee just paid. Pick your referral reward:"
	if err := e.notifier.SendChoice(ctx, referrerID, text, choices); err != nil {
		e.log.Warn("referral offer failed",
			Field{Key: "referrer", Value: MaskUserID(referrerID)},
			Field{Key: "error", Value: err.Error()})
	}
}
