// Package storetest runs the behavioural contract every subscription.Store must honour.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Now is the reference time used by the contract. Stores must round-trip it exactly,
// so it has no sub-millisecond part.
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Record builds an unfinished subscription record.
func Record(id, email, plan string) *subscription.Subscription {
	return &subscription.Subscription{
		SubscriptionID: id,
		PlanID:         plan,
		MemberID:       "mem_" + id,
		MemberEmail:    email,
		PayerEmail:     "payer+" + email,
		EntitlementID:  "pln_pro",
		CreatedAt:      Now,
		UpdatedAt:      Now,
	}
}

// Run executes the contract. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) subscription.Store) {
	t.Helper()

	t.Run("insert and find", func(t *testing.T) { testInsertAndFind(t, newStore(t)) })
	t.Run("insert conflicts", func(t *testing.T) { testInsertConflicts(t, newStore(t)) })
	t.Run("conditional transitions", func(t *testing.T) { testConditionalTransitions(t, newStore(t)) })
	t.Run("concurrent finish", func(t *testing.T) { testConcurrentFinish(t, newStore(t)) })
	t.Run("list expired", func(t *testing.T) { testListExpired(t, newStore(t)) })
	t.Run("find active by member", func(t *testing.T) { testFindActiveByMember(t, newStore(t)) })
	t.Run("email case", func(t *testing.T) { testEmailCase(t, newStore(t)) })
}

func testInsertAndFind(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, Record("sub_1", "a@x.com", "P-1")))

	got, err := store.FindBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "P-1", got.PlanID)
	assert.Equal(t, "mem_sub_1", got.MemberID)
	assert.Equal(t, "a@x.com", got.MemberEmail)
	assert.Equal(t, "payer+a@x.com", got.PayerEmail)
	assert.Equal(t, "pln_pro", got.EntitlementID)
	assert.False(t, got.Finished)
	assert.False(t, got.Deleted)
	assert.Nil(t, got.FinishDate)
	assert.True(t, Now.Equal(got.CreatedAt))

	_, err = store.FindBySubscriptionID(ctx, "sub_404")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	_, err = store.FindActive(ctx, "b@x.com", "P-1")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func testInsertConflicts(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, Record("sub_1", "a@x.com", "P-1")))

	err := store.Insert(ctx, Record("sub_1", "b@x.com", "P-2"))
	assert.ErrorIs(t, err, subscription.ErrSubscriptionExists)

	err = store.Insert(ctx, Record("sub_2", "a@x.com", "P-1"))
	assert.ErrorIs(t, err, subscription.ErrSubscriptionAlreadyActive)

	require.NoError(t, store.Insert(ctx, Record("sub_3", "a@x.com", "P-2")))

	// A finished record frees the pair.
	_, err = store.MarkFinished(ctx, "sub_1", nil, Now)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, Record("sub_4", "a@x.com", "P-1")))

	active, err := store.FindActive(ctx, "a@x.com", "P-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_4", active.SubscriptionID)
}

func testConditionalTransitions(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, Record("sub_1", "a@x.com", "P-1")))

	deleted, err := store.MarkDeleted(ctx, "sub_1", Now)
	require.NoError(t, err)
	assert.False(t, deleted, "an unfinished record cannot be deleted")

	finish := Now.Add(72 * time.Hour)
	finished, err := store.MarkFinished(ctx, "sub_1", &finish, Now)
	require.NoError(t, err)
	assert.True(t, finished)

	other := Now.Add(time.Hour)
	finished, err = store.MarkFinished(ctx, "sub_1", &other, Now)
	require.NoError(t, err)
	assert.False(t, finished)

	got, err := store.FindBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, got.Finished)
	require.NotNil(t, got.FinishDate)
	assert.True(t, finish.Equal(*got.FinishDate), "first finish date wins")

	deleted, err = store.MarkDeleted(ctx, "sub_1", Now)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.MarkDeleted(ctx, "sub_1", Now)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.MarkFinished(ctx, "sub_404", nil, Now)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	_, err = store.MarkDeleted(ctx, "sub_404", Now)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func testConcurrentFinish(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, Record("sub_1", "a@x.com", "P-1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			finish := Now.Add(time.Duration(i) * time.Hour)
			ok, err := store.MarkFinished(ctx, "sub_1", &finish, Now)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testListExpired(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	past := Now.Add(-time.Hour)
	future := Now.Add(time.Hour)
	now := Now
	for id, finish := range map[string]*time.Time{"sub_past": &past, "sub_future": &future, "sub_nodate": nil, "sub_now": &now} {
		require.NoError(t, store.Insert(ctx, Record(id, id+"@x.com", "P-1")))
		_, err := store.MarkFinished(ctx, id, finish, Now)
		require.NoError(t, err)
	}
	require.NoError(t, store.Insert(ctx, Record("sub_active", "active@x.com", "P-1")))
	require.NoError(t, store.Insert(ctx, Record("sub_deleted", "deleted@x.com", "P-1")))
	_, err := store.MarkFinished(ctx, "sub_deleted", &past, Now)
	require.NoError(t, err)
	_, err = store.MarkDeleted(ctx, "sub_deleted", Now)
	require.NoError(t, err)

	expired, err := store.ListExpired(ctx, Now)
	require.NoError(t, err)

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.SubscriptionID)
	}
	assert.Equal(t, []string{"sub_nodate", "sub_now", "sub_past"}, ids)
}

func testFindActiveByMember(t *testing.T, store subscription.Store) {
	ctx := context.Background()

	older := Record("sub_old", "a@x.com", "P-1")
	older.MemberID = "mem_1"
	newer := Record("sub_new", "a@x.com", "P-2")
	newer.MemberID = "mem_1"
	newer.CreatedAt = Now.Add(time.Hour)
	require.NoError(t, store.Insert(ctx, older))
	require.NoError(t, store.Insert(ctx, newer))

	got, err := store.FindActiveByMember(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", got.SubscriptionID)

	require.NoError(t, store.Delete(ctx, "sub_new"))
	got, err = store.FindActiveByMember(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_old", got.SubscriptionID)

	assert.ErrorIs(t, store.Delete(ctx, "sub_new"), subscription.ErrSubscriptionNotFound)
	_, err = store.FindActiveByMember(ctx, "mem_2")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func testEmailCase(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, Record("sub_1", " A@X.com", "P-1")))

	got, err := store.FindBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.MemberEmail)

	for _, email := range []string{"a@x.com", "A@X.COM", " a@X.com "} {
		active, err := store.FindActive(ctx, email, "P-1")
		require.NoError(t, err, email)
		assert.Equal(t, "sub_1", active.SubscriptionID)
	}

	err = store.Insert(ctx, Record("sub_2", "a@x.COM", "P-1"))
	assert.ErrorIs(t, err, subscription.ErrSubscriptionAlreadyActive)
}
