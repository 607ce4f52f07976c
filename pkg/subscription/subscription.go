package subscription

import "time"

// Plan is a billing plan as owned by catalog management. It is read-only here.
type Plan struct {
	PlanID        string          `yaml:"plan_id"`    // provider's billing plan ID, unique
	ProductID     string          `yaml:"product_id"` // provider's product ID
	Name          string          `yaml:"name"`
	Price         Money           `yaml:"price"`
	SalePrice     *Money          `yaml:"sale_price,omitempty"` // optional trial price
	Interval      BillingInterval `yaml:"interval"`
	EntitlementID string          `yaml:"entitlement_id"` // membership plan granting access
}

// Subscription is the local reconciliation record of a provider subscription.
// A record is written only once the subscriber has approved the subscription.
type Subscription struct {
	SubscriptionID string // provider's subscription ID, immutable
	PlanID         string
	MemberID       string // membership identity resolved at activation
	MemberEmail    string // fallback key for membership lookups, immutable after activation
	PayerEmail     string // email on the provider side, may differ from MemberEmail
	EntitlementID  string // copied from the plan at activation
	Finished       bool
	FinishDate     *time.Time // end of the paid grace period; nil revokes immediately
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// State derives the lifecycle state from the record flags.
func (s *Subscription) State() State {
	switch {
	case s.Deleted:
		return StateDeleted
	case s.Finished:
		return StateFinished
	default:
		return StateActive
	}
}

// DueForRetirement reports whether the grace period is over at now.
// Only finished, not yet deleted records are ever due.
func (s *Subscription) DueForRetirement(now time.Time) bool {
	if !s.Finished || s.Deleted {
		return false
	}
	return s.FinishDate == nil || !s.FinishDate.After(now)
}

// Member is a membership service identity.
type Member struct {
	ID           string
	Email        string
	Entitlements []string // entitlement IDs currently attached to the member
}

// HasEntitlement reports whether the member currently holds entitlementID.
func (m *Member) HasEntitlement(entitlementID string) bool {
	for _, id := range m.Entitlements {
		if id == entitlementID {
			return true
		}
	}
	return false
}

// Subscriber is the person starting a checkout.
type Subscriber struct {
	MemberID  string // optional membership identity hint
	GivenName string
	Surname   string
	Email     string
}
