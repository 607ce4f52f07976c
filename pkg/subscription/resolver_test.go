package subscription_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

func TestMemberResolver_Resolve(t *testing.T) {
	t.Parallel()

	t.Run("by id", func(t *testing.T) {
		t.Parallel()
		r := subscription.NewMemberResolver(newFakeMembers(defaultMember()), nil)
		m, err := r.Resolve(context.Background(), testMemberID, "other@x.com")
		require.NoError(t, err)
		assert.Equal(t, testMemberID, m.ID)
	})

	t.Run("falls back to email on any id failure", func(t *testing.T) {
		t.Parallel()
		members := newFakeMembers(defaultMember())
		members.idErr = errors.Join(subscription.ErrRemoteUnavailable, errors.New("timeout"))
		r := subscription.NewMemberResolver(members, nil)

		m, err := r.Resolve(context.Background(), testMemberID, testEmail)
		require.NoError(t, err)
		assert.Equal(t, testMemberID, m.ID)
	})

	t.Run("empty id goes straight to email", func(t *testing.T) {
		t.Parallel()
		r := subscription.NewMemberResolver(newFakeMembers(defaultMember()), nil)
		m, err := r.Resolve(context.Background(), "", "A@x.com")
		require.NoError(t, err)
		assert.Equal(t, testMemberID, m.ID)
	})

	t.Run("neither stage finds a member", func(t *testing.T) {
		t.Parallel()
		r := subscription.NewMemberResolver(newFakeMembers(), nil)

		_, err := r.Resolve(context.Background(), "mem_x", "nobody@x.com")
		require.ErrorIs(t, err, subscription.ErrMemberNotFound)
		assert.ErrorIs(t, err, subscription.ErrNotFound)

		_, err = r.Resolve(context.Background(), "mem_x", "")
		assert.ErrorIs(t, err, subscription.ErrMemberNotFound)
	})

	t.Run("email stage remote failure is not a miss", func(t *testing.T) {
		t.Parallel()
		members := newFakeMembers()
		r := subscription.NewMemberResolver(&failingEmailMembers{fakeMembers: members}, nil)

		_, err := r.Resolve(context.Background(), "", testEmail)
		require.ErrorIs(t, err, subscription.ErrRemoteUnavailable)
		assert.NotErrorIs(t, err, subscription.ErrMemberNotFound)
	})
}

func TestMemberResolver_GrantRevoke(t *testing.T) {
	t.Parallel()

	t.Run("grant is skipped when already held", func(t *testing.T) {
		t.Parallel()
		members := newFakeMembers(defaultMember())
		r := subscription.NewMemberResolver(members, nil)

		_, granted, err := r.Grant(context.Background(), testMemberID, testEmail, testEntitlement)
		require.NoError(t, err)
		assert.True(t, granted)

		m, granted, err := r.Grant(context.Background(), testMemberID, testEmail, testEntitlement)
		require.NoError(t, err)
		assert.False(t, granted)
		assert.True(t, m.HasEntitlement(testEntitlement))

		grants, _ := members.counts()
		assert.Equal(t, 1, grants)
	})

	t.Run("revoke falls back to email", func(t *testing.T) {
		t.Parallel()
		members := newFakeMembers(defaultMember(testEntitlement))
		r := subscription.NewMemberResolver(members, nil)

		revoked, err := r.Revoke(context.Background(), "mem_stale", testEmail, testEntitlement)
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = r.Revoke(context.Background(), "mem_stale", testEmail, testEntitlement)
		require.NoError(t, err)
		assert.False(t, revoked)

		_, revokes := members.counts()
		assert.Equal(t, 1, revokes)
	})

	t.Run("revoke of unknown member", func(t *testing.T) {
		t.Parallel()
		r := subscription.NewMemberResolver(newFakeMembers(), nil)
		_, err := r.Revoke(context.Background(), testMemberID, testEmail, testEntitlement)
		assert.ErrorIs(t, err, subscription.ErrMemberNotFound)
	})

	t.Run("panics without membership service", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { subscription.NewMemberResolver(nil, nil) })
	})
}

type failingEmailMembers struct {
	*fakeMembers
}

func (f *failingEmailMembers) ResolveByEmail(context.Context, string) (*subscription.Member, error) {
	return nil, subscription.ErrRemoteUnavailable
}
