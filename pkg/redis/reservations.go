package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Reservations stores pending checkouts in Redis so every replica sees them.
// Each reservation is a key that expires with the approval window.
type Reservations struct {
	client redis.UniversalClient
	prefix string
}

var _ subscription.PendingCheckouts = (*Reservations)(nil)

// NewReservations creates a Reservations store. Keys are stored as prefix+email|plan.
func NewReservations(client redis.UniversalClient, prefix string) *Reservations {
	if client == nil {
		panic("redis: client is required")
	}
	return &Reservations{client: client, prefix: prefix}
}

// Reserve reports false when a reservation for the pair is still live.
func (r *Reservations) Reserve(ctx context.Context, email, planID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(email, planID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release drops the reservation. Releasing a missing reservation is not an error.
func (r *Reservations) Release(ctx context.Context, email, planID string) error {
	return r.client.Del(ctx, r.key(email, planID)).Err()
}

func (r *Reservations) key(email, planID string) string {
	return r.prefix + subscription.CheckoutKey(email, planID)
}
