package clubledger

import "errors"

var (
	// ErrAlreadyProcessed is returned when a transaction is terminal.
	// Callers treat it as success with zero side effects.
	ErrAlreadyProcessed = errors.New("transaction already processed")

	// ErrAlreadyRedeemed is returned when a benefit_chosen event exists
	// for the (user, tier) pair.
	ErrAlreadyRedeemed = errors.New("benefit already redeemed")

	// ErrPaymentNotFound is returned when no record matches the
	// external transaction id.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrUserNotFound is returned when the user is unknown.
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned when a subscription id does
	// not resolve.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUnknownBenefit is returned for a code outside the catalogue of
	// the given tier.
	ErrUnknownBenefit = errors.New("unknown benefit code")

	// ErrUnknownTariff is returned when no tariff exists for the
	// requested day count.
	ErrUnknownTariff = errors.New("unknown tariff")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrStorageUnavailable is returned when storage is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBenefitLocked is returned when redeeming a tier the user has
	// not reached.
	ErrBenefitLocked = errors.New("tier not reached")
)
