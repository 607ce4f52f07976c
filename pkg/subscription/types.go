package subscription

import (
	"strings"
	"time"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// BillingInterval is the billing period unit of a plan.
type BillingInterval string

const (
	BillingIntervalDay   BillingInterval = "DAY"
	BillingIntervalWeek  BillingInterval = "WEEK"
	BillingIntervalMonth BillingInterval = "MONTH"
	BillingIntervalYear  BillingInterval = "YEAR"
)

// Valid reports whether the interval is one the payment providers understand.
func (i BillingInterval) Valid() bool {
	switch BillingInterval(strings.ToUpper(string(i))) {
	case BillingIntervalDay, BillingIntervalWeek, BillingIntervalMonth, BillingIntervalYear:
		return true
	}
	return false
}

// Advance returns t moved forward by one billing period.
// Reports false for an unknown interval.
func (i BillingInterval) Advance(t time.Time) (time.Time, bool) {
	switch BillingInterval(strings.ToUpper(string(i))) {
	case BillingIntervalDay:
		return t.AddDate(0, 0, 1), true
	case BillingIntervalWeek:
		return t.AddDate(0, 0, 7), true
	case BillingIntervalMonth:
		return t.AddDate(0, 1, 0), true
	case BillingIntervalYear:
		return t.AddDate(1, 0, 0), true
	}
	return t, false
}

// State is the lifecycle position of a subscription.
type State string

const (
	// StatePendingApproval exists only remotely; no local record is written for it.
	StatePendingApproval State = "pending_approval"
	StateActive          State = "active"
	// StateFinished means cancellation is recorded and the grace period is running.
	StateFinished State = "finished"
	StateDeleted  State = "deleted"
)

// Trigger identifies who initiated a cancellation.
type Trigger string

const (
	TriggerUserInitiated   Trigger = "user_initiated"
	TriggerProviderWebhook Trigger = "provider_webhook"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	return t == TriggerUserInitiated || t == TriggerProviderWebhook
}

// RemoteStatus is the provider subscription status normalized across providers.
type RemoteStatus string

const (
	RemoteStatusPending   RemoteStatus = "pending"
	RemoteStatusApproved  RemoteStatus = "approved"
	RemoteStatusActive    RemoteStatus = "active"
	RemoteStatusSuspended RemoteStatus = "suspended"
	RemoteStatusCancelled RemoteStatus = "cancelled"
	RemoteStatusExpired   RemoteStatus = "expired"
)

// IsApproved reports whether the subscriber completed approval and billing runs.
func (s RemoteStatus) IsApproved() bool {
	return s == RemoteStatusApproved || s == RemoteStatusActive
}

// IsTerminated reports whether the provider no longer bills the subscription.
func (s RemoteStatus) IsTerminated() bool {
	switch s {
	case RemoteStatusSuspended, RemoteStatusCancelled, RemoteStatusExpired:
		return true
	}
	return false
}
