package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. It backs tests and local development;
// records do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]Subscription)}
}

func (s *MemoryStore) FindBySubscriptionID(_ context.Context, subscriptionID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *MemoryStore) FindActive(_ context.Context, memberEmail, planID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	memberEmail = NormalizeEmail(memberEmail)
	for _, sub := range s.subs {
		if !sub.Finished && sub.MemberEmail == memberEmail && sub.PlanID == planID {
			return cloneSubscription(sub), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) FindActiveByMember(_ context.Context, memberID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Subscription
	for _, sub := range s.subs {
		if sub.Finished || sub.MemberID != memberID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = cloneSubscription(sub)
		}
	}
	if latest == nil {
		return nil, ErrSubscriptionNotFound
	}
	return latest, nil
}

func (s *MemoryStore) Insert(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.SubscriptionID]; exists {
		return ErrSubscriptionExists
	}
	email := NormalizeEmail(sub.MemberEmail)
	for _, other := range s.subs {
		if !other.Finished && other.MemberEmail == email && other.PlanID == sub.PlanID {
			return ErrSubscriptionAlreadyActive
		}
	}

	record := *cloneSubscription(*sub)
	record.MemberEmail = email
	record.Finished = false
	record.Deleted = false
	record.FinishDate = nil
	s.subs[sub.SubscriptionID] = record
	return nil
}

func (s *MemoryStore) MarkFinished(_ context.Context, subscriptionID string, finishDate *time.Time, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriptionID]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if sub.Finished {
		return false, nil
	}

	sub.Finished = true
	sub.FinishDate = copyTime(finishDate)
	sub.UpdatedAt = now
	s.subs[subscriptionID] = sub
	return true, nil
}

func (s *MemoryStore) MarkDeleted(_ context.Context, subscriptionID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriptionID]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if !sub.Finished || sub.Deleted {
		return false, nil
	}

	sub.Deleted = true
	sub.UpdatedAt = now
	s.subs[subscriptionID] = sub
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[subscriptionID]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, subscriptionID)
	return nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expired := make([]Subscription, 0)
	for _, sub := range s.subs {
		if sub.DueForRetirement(now) {
			expired = append(expired, *cloneSubscription(sub))
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].SubscriptionID < expired[j].SubscriptionID
	})
	return expired, nil
}

func cloneSubscription(sub Subscription) *Subscription {
	sub.FinishDate = copyTime(sub.FinishDate)
	return &sub
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
