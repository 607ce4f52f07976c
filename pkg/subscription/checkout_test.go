package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

func TestMemoryPendingCheckouts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := testNow
	p := subscription.NewMemoryPendingCheckouts(func() time.Time { return now })

	ok, err := p.Reserve(ctx, "A@x.com ", "P-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Reserve(ctx, "a@x.com", "P-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "email is compared case-insensitively")

	ok, err = p.Reserve(ctx, "a@x.com", "P-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "other plans are independent")

	now = now.Add(time.Hour)
	ok, err = p.Reserve(ctx, "a@x.com", "P-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "reservation expires with the approval window")

	require.NoError(t, p.Release(ctx, "a@x.com", "P-1"))
	require.NoError(t, p.Release(ctx, "a@x.com", "P-1"))
	ok, err = p.Reserve(ctx, "a@x.com", "P-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckoutKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a@x.com|P-1", subscription.CheckoutKey(" A@X.com", "P-1"))
}
