package subscription

import (
	"context"
	"time"
)

// Store persists subscription records. Every state transition is a conditional update so
// concurrent cancellation and retirement can never overwrite each other.
type Store interface {
	// FindBySubscriptionID returns ErrSubscriptionNotFound if no record exists.
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// FindActive returns the unfinished record for the (memberEmail, planID) pair.
	FindActive(ctx context.Context, memberEmail, planID string) (*Subscription, error)

	// FindActiveByMember returns the most recent unfinished record of a member.
	FindActiveByMember(ctx context.Context, memberID string) (*Subscription, error)

	// Insert writes a new unfinished record. Returns ErrSubscriptionExists when the
	// subscription ID is taken and ErrSubscriptionAlreadyActive when another unfinished
	// record holds the same (memberEmail, planID) pair.
	Insert(ctx context.Context, sub *Subscription) error

	// MarkFinished sets finished and finishDate only if the record is not finished yet.
	// Reports whether this call performed the transition.
	MarkFinished(ctx context.Context, subscriptionID string, finishDate *time.Time, now time.Time) (bool, error)

	// MarkDeleted sets deleted only if the record is finished and not deleted yet.
	// Reports whether this call performed the transition.
	MarkDeleted(ctx context.Context, subscriptionID string, now time.Time) (bool, error)

	// Delete removes the record. Used only by immediate cancellation.
	Delete(ctx context.Context, subscriptionID string) error

	// ListExpired returns finished, not deleted records whose finish date is absent
	// or not after now.
	ListExpired(ctx context.Context, now time.Time) ([]Subscription, error)
}

// PlanCatalog resolves plans by provider plan ID.
type PlanCatalog interface {
	// Plan returns ErrPlanNotFound if the plan is unknown.
	Plan(ctx context.Context, planID string) (*Plan, error)
}
