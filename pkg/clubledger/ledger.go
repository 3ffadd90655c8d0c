package clubledger

import (
	"context"
	"errors"
	"time"

	"github.com/clubledger/clubledger/pkg/notify"
)

// Engine reconciles provider payment notifications with subscription
// entitlements and drives the loyalty program on top of the accumulated
// history. One Engine instance is safe for concurrent use; all
// per-payment mutations run inside a single storage transaction.
type Engine struct {
	storage  Storage
	notifier notify.Notifier
	config   Config
	log      Logger
	metrics  Metrics
}

// NewEngine creates an engine with the given storage and configuration.
func NewEngine(storage Storage, notifier notify.Notifier, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.PromptConcurrency <= 0 {
		config.PromptConcurrency = 4
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Engine{
		storage:  storage,
		notifier: notifier,
		config:   config,
		log:      config.Logger,
		metrics:  config.Metrics,
	}, nil
}

func (e *Engine) now() time.Time {
	if e.config.Now != nil {
		return e.config.Now().UTC()
	}
	return time.Now().UTC()
}

// Ingest turns one successful provider notification into a subscription
// state change. The whole pipeline (ledger status flip, subscription
// create-or-extend, loyalty re-evaluation, referral cascade) commits
// atomically; any failure rolls everything back and propagates so the
// caller signals a retryable failure upstream.
//
// Replaying the same external transaction id is an idempotent no-op
// reported through IngestResult.Duplicate. A record previously flipped
// to success without a linked subscription is treated as a partially
// failed attempt and reprocessed.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	started := time.Now()
	if req.ExternalID == "" || req.UserID == "" {
		return nil, errors.New("external transaction id and user reference are required")
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	res := &IngestResult{}
	var prompt *pendingPrompt
	err := e.storage.WithinTx(ctx, func(ctx context.Context, tx Storage) error {
		now := e.now()

		rec, err := tx.GetPayment(ctx, req.ExternalID)
		switch {
		case err == nil:
			if rec.Terminal() {
				return ErrAlreadyProcessed
			}
			// Success without a linked subscription means a previous
			// attempt died between the status flip and fulfilment.
			// Reprocess as a compensating action.
		case errors.Is(err, ErrPaymentNotFound):
			rec = &PaymentRecord{
				ExternalID: req.ExternalID,
				UserID:     req.UserID,
				Amount:     req.Amount,
				Days:       req.Days,
				Status:     PaymentPending,
				Recurring:  req.Recurring,
				CreatedAt:  now,
			}
			if err := tx.CreatePayment(ctx, rec); err != nil {
				return err
			}
		default:
			return err
		}

		user, err := e.loadOrCreateUser(ctx, tx, req.UserID, req.ReferrerID)
		if err != nil {
			return err
		}
		firstPayment := user.FirstPaymentAt == nil

		sub, err := e.createOrExtend(ctx, tx, user, req.Days, req.Amount, now)
		if err != nil {
			return err
		}

		e.stampFirstPayment(user, req.Amount, now)
		if req.Recurring {
			user.AutopayStreak++
		}

		rec.Status = PaymentSuccess
		rec.Confirmed = true
		rec.SubscriptionID = &sub.ID
		if err := tx.UpdatePayment(ctx, rec); err != nil {
			return err
		}

		delta, promptDue, err := e.evaluateLoyalty(ctx, tx, user, now, false)
		if err != nil {
			return err
		}
		if promptDue {
			prompt = &pendingPrompt{userID: user.ID, tier: user.Tier}
		}

		if err := e.cascade(ctx, tx, user, rec, firstPayment, now); err != nil {
			return err
		}

		user.UpdatedAt = now
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}

		res.SubscriptionID = sub.ID
		res.Tier = user.Tier
		res.LeveledUp = delta > 0
		return nil
	})

	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		e.metrics.RecordIngest("duplicate", time.Since(started))
		e.log.Info("payment already processed",
			Field{Key: "tx_id", Value: req.ExternalID},
			Field{Key: "user", Value: MaskUserID(req.UserID)})
		res.Duplicate = true
		return res, nil
	case err != nil:
		e.metrics.RecordIngest("error", time.Since(started))
		return nil, err
	}

	e.metrics.RecordIngest("success", time.Since(started))
	e.log.Info("payment fulfilled",
		Field{Key: "tx_id", Value: req.ExternalID},
		Field{Key: "user", Value: MaskUserID(req.UserID)},
		Field{Key: "days", Value: req.Days},
		Field{Key: "tier", Value: string(res.Tier)})

	// The level-up is committed; only now is the choice announced.
	if prompt != nil {
		e.promptBenefit(ctx, prompt.userID, prompt.tier)
	}
	return res, nil
}

// MarkFailed flips a transaction to failed. Cancellation and expiry
// notifications land here; duplicates and notifications for unknown
// transactions are tolerated as no-ops. A terminal record has completed
// its lifecycle and stays untouched: flipping it would reopen the
// transaction id for reprocessing while the granted time remains. A
// failed recurring charge also resets the payer's autopay streak.
func (e *Engine) MarkFailed(ctx context.Context, externalID string) error {
	err := e.storage.WithinTx(ctx, func(ctx context.Context, tx Storage) error {
		rec, err := tx.GetPayment(ctx, externalID)
		if errors.Is(err, ErrPaymentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Terminal() || rec.Status == PaymentFailed {
			return nil
		}
		rec.Status = PaymentFailed
		if err := tx.UpdatePayment(ctx, rec); err != nil {
			return err
		}

		if !rec.Recurring {
			return nil
		}
		user, err := tx.GetUser(ctx, rec.UserID)
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if user.AutopayStreak == 0 {
			return nil
		}
		user.AutopayStreak = 0
		user.UpdatedAt = e.now()
		return tx.SaveUser(ctx, user)
	})
	if err != nil {
		return err
	}
	e.metrics.RecordIngest("failed", 0)
	return nil
}

func (e *Engine) loadOrCreateUser(ctx context.Context, tx Storage, userID, referrerID string) (*User, error) {
	user, err := tx.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return &User{ID: userID, Tier: TierNone, ReferrerID: referrerID}, nil
	}
	if err != nil {
		return nil, err
	}
	if user.ReferrerID == "" && referrerID != "" {
		user.ReferrerID = referrerID
	}
	return user, nil
}
