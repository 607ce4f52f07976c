package subscription

import "errors"

// Error classes. Specific errors below are joined with one of these so callers can
// branch on the class with errors.Is.
var (
	ErrAuth              = errors.New("subscription: authentication with remote service failed")
	ErrConflict          = errors.New("subscription: conflict")
	ErrNotFound          = errors.New("subscription: not found")
	ErrRemoteUnavailable = errors.New("subscription: remote service unavailable")
	ErrStorage           = errors.New("subscription: storage failure")
)

var (
	ErrPlanNotFound         = errors.Join(ErrNotFound, errors.New("plan not found"))
	ErrSubscriptionNotFound = errors.Join(ErrNotFound, errors.New("subscription record not found"))
	ErrMemberNotFound       = errors.Join(ErrNotFound, errors.New("member not found"))

	ErrSubscriptionAlreadyActive = errors.Join(ErrConflict, errors.New("an active subscription for this plan already exists"))
	ErrSubscriptionExists        = errors.Join(ErrConflict, errors.New("subscription record already exists"))
	ErrSubscriptionNotApproved   = errors.Join(ErrConflict, errors.New("subscription is not approved by the subscriber"))
	ErrSubscriptionNotFinished   = errors.Join(ErrConflict, errors.New("subscription must be finished before retirement"))
	ErrCheckoutPending           = errors.Join(ErrConflict, errors.New("a checkout for this plan is awaiting approval"))
	ErrActivationInProgress      = errors.Join(ErrConflict, errors.New("subscription is being activated by another request"))

	ErrInvalidTrigger            = errors.New("subscription: invalid cancellation trigger")
	ErrInvalidPlanConfiguration  = errors.New("subscription: invalid plan configuration")
	ErrWebhookVerificationFailed = errors.New("subscription: webhook signature verification failed")
	ErrSweepInProgress           = errors.New("subscription: expiry sweep already running")

	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret       = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrNoCheckoutURL              = errors.New("no checkout URL returned from provider")
)
