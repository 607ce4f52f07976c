package subscription

import (
	"context"
	"strings"
	"sync"
	"time"
)

// PendingCheckouts remembers checkouts awaiting approval so a second Create for the same
// (email, plan) pair is refused before any local record exists. Reservations expire on
// their own, so an abandoned approval blocks the pair only until the approval window closes.
type PendingCheckouts interface {
	// Reserve returns false if a reservation for the pair is already pending.
	Reserve(ctx context.Context, email, planID string, ttl time.Duration) (bool, error)
	// Release drops the reservation. Releasing an absent reservation is not an error.
	Release(ctx context.Context, email, planID string) error
}

// CheckoutKey normalizes the reservation key of a pair.
func CheckoutKey(email, planID string) string {
	return NormalizeEmail(email) + "|" + planID
}

// NormalizeEmail is the canonical form of an email in keys and stored records.
// Mailbox providers treat addresses case-insensitively, so one subscriber is one pair.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryPendingCheckouts is an in-process PendingCheckouts.
type MemoryPendingCheckouts struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryPendingCheckouts returns an empty registry. A nil clock uses time.Now.
func NewMemoryPendingCheckouts(now func() time.Time) *MemoryPendingCheckouts {
	if now == nil {
		now = time.Now
	}
	return &MemoryPendingCheckouts{expires: make(map[string]time.Time), now: now}
}

func (p *MemoryPendingCheckouts) Reserve(_ context.Context, email, planID string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for k, exp := range p.expires {
		if !exp.After(now) {
			delete(p.expires, k)
		}
	}

	key := CheckoutKey(email, planID)
	if _, ok := p.expires[key]; ok {
		return false, nil
	}
	p.expires[key] = now.Add(ttl)
	return true, nil
}

func (p *MemoryPendingCheckouts) Release(_ context.Context, email, planID string) error {
	p.mu.Lock()
	delete(p.expires, CheckoutKey(email, planID))
	p.mu.Unlock()
	return nil
}
