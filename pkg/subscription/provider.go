package subscription

import (
	"context"
	"net/http"
	"time"
)

// PaymentProvider is the minimal surface of the billing provider the reconciler needs.
// Implementations translate transport failures to ErrRemoteUnavailable, missing
// subscriptions to ErrNotFound and credential problems to ErrAuth.
type PaymentProvider interface {
	// CreateSubscription creates a remote subscription awaiting subscriber approval.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Checkout, error)

	// GetSubscription returns the provider's view of a subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error)

	// CancelSubscription stops billing for a subscription.
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error

	// ParseWebhook verifies the signature of an inbound notification and normalizes it.
	// Returns ErrWebhookVerificationFailed for payloads that cannot be authenticated.
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error)
}

// CreateSubscriptionRequest contains data needed to create a remote subscription.
type CreateSubscriptionRequest struct {
	PlanID     string
	Subscriber Subscriber
	CustomID   string // echoed back by the provider, carries the member ID
	ReturnURL  string // approval redirect target
	CancelURL  string // redirect when the subscriber abandons approval
}

// Checkout is a remote subscription awaiting approval.
type Checkout struct {
	SubscriptionID string
	ApprovalURL    string
}

// RemoteSubscription is the provider's authoritative subscription detail.
type RemoteSubscription struct {
	ID              string
	Status          RemoteStatus
	PlanID          string
	Email           string
	CustomID        string
	NextBillingTime *time.Time // end of the already-paid billing cycle
	LastPaymentTime *time.Time // start of that cycle; some providers drop NextBillingTime once cancelled
}

// WebhookEvent is a provider notification normalized to the events the reconciler handles.
type WebhookEvent struct {
	ID             string    // provider event ID, for logging only
	Type           EventType // normalized event type
	ProviderEvent  string    // original provider event name
	SubscriptionID string
}

// EventType represents the normalized billing event type.
type EventType string

const (
	EventSubscriptionActivated EventType = "subscription_activated"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventSubscriptionExpired   EventType = "subscription_expired"
	EventSubscriptionSuspended EventType = "subscription_suspended"
	EventPaymentCompleted      EventType = "payment_completed"
	EventUnhandled             EventType = "unhandled"
)

// IsCancellation reports whether the event ends billing for the subscription.
func (t EventType) IsCancellation() bool {
	switch t {
	case EventSubscriptionCancelled, EventSubscriptionExpired, EventSubscriptionSuspended:
		return true
	}
	return false
}

// MembershipService is the access-grant service owning entitlement truth.
type MembershipService interface {
	ResolveByID(ctx context.Context, memberID string) (*Member, error)
	ResolveByEmail(ctx context.Context, email string) (*Member, error)
	GrantEntitlement(ctx context.Context, memberID, entitlementID string) error
	RevokeEntitlement(ctx context.Context, memberID, entitlementID string) error
}
