package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
	"github.com/dmitrymomot/memberbridge/pkg/subscription/storetest"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) subscription.Store {
		return subscription.NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := subscription.NewMemoryStore()
	require.NoError(t, store.Insert(ctx, storetest.Record("sub_1", "a@x.com", "P-1")))
	finish := testNow.Add(time.Hour)
	_, err := store.MarkFinished(ctx, "sub_1", &finish, testNow)
	require.NoError(t, err)

	got, err := store.FindBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	*got.FinishDate = testNow.Add(-time.Hour)
	got.Deleted = true

	again, err := store.FindBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, finish.Equal(*again.FinishDate))
	assert.False(t, again.Deleted)
}
