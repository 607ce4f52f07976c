package subscription_test

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testPlanID      = "P-1"
	testEntitlement = "pln_pro"
	testEmail       = "a@x.com"
	testMemberID    = "mem_1"
)

// mockProvider mocks subscription.PaymentProvider.
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateSubscription(ctx context.Context, req subscription.CreateSubscriptionRequest) (*subscription.Checkout, error) {
	args := m.Called(ctx, req)
	if c := args.Get(0); c != nil {
		return c.(*subscription.Checkout), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*subscription.RemoteSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if r := args.Get(0); r != nil {
		return r.(*subscription.RemoteSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	args := m.Called(ctx, subscriptionID, reason)
	return args.Error(0)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*subscription.WebhookEvent, error) {
	args := m.Called(ctx, payload, header)
	if e := args.Get(0); e != nil {
		return e.(*subscription.WebhookEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeMembers is a stateful MembershipService that counts grant and revoke calls.
type fakeMembers struct {
	mu        sync.Mutex
	members   map[string]*subscription.Member
	grants    int
	revokes   int
	idErr     error
	revokeErr error

	// resolveDelay stretches ResolveByID to widen race windows. Set before use.
	resolveDelay time.Duration
}

func newFakeMembers(members ...subscription.Member) *fakeMembers {
	f := &fakeMembers{members: make(map[string]*subscription.Member)}
	for _, m := range members {
		f.members[m.ID] = &subscription.Member{
			ID:           m.ID,
			Email:        m.Email,
			Entitlements: slices.Clone(m.Entitlements),
		}
	}
	return f
}

func (f *fakeMembers) ResolveByID(_ context.Context, memberID string) (*subscription.Member, error) {
	if f.resolveDelay > 0 {
		time.Sleep(f.resolveDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.idErr != nil {
		return nil, f.idErr
	}
	m, ok := f.members[memberID]
	if !ok {
		return nil, errors.Join(subscription.ErrNotFound, errors.New("no member with that id"))
	}
	return cloneMember(m), nil
}

func (f *fakeMembers) ResolveByEmail(_ context.Context, email string) (*subscription.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range f.members {
		if strings.EqualFold(m.Email, email) {
			return cloneMember(m), nil
		}
	}
	return nil, errors.Join(subscription.ErrNotFound, errors.New("no member with that email"))
}

func (f *fakeMembers) GrantEntitlement(_ context.Context, memberID, entitlementID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.members[memberID]
	if !ok {
		return subscription.ErrNotFound
	}
	f.grants++
	m.Entitlements = append(m.Entitlements, entitlementID)
	return nil
}

func (f *fakeMembers) RevokeEntitlement(_ context.Context, memberID, entitlementID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.revokeErr != nil {
		return f.revokeErr
	}
	m, ok := f.members[memberID]
	if !ok {
		return subscription.ErrNotFound
	}
	f.revokes++
	m.Entitlements = slices.DeleteFunc(m.Entitlements, func(id string) bool { return id == entitlementID })
	return nil
}

func (f *fakeMembers) hasEntitlement(memberID, entitlementID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[memberID]
	return ok && m.HasEntitlement(entitlementID)
}

func (f *fakeMembers) counts() (grants, revokes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants, f.revokes
}

func (f *fakeMembers) setRevokeErr(err error) {
	f.mu.Lock()
	f.revokeErr = err
	f.mu.Unlock()
}

func cloneMember(m *subscription.Member) *subscription.Member {
	return &subscription.Member{ID: m.ID, Email: m.Email, Entitlements: slices.Clone(m.Entitlements)}
}

type fixture struct {
	provider   *mockProvider
	members    *fakeMembers
	store      *subscription.MemoryStore
	catalog    *subscription.InMemCatalog
	reconciler *subscription.Reconciler
}

func newFixture(t *testing.T, members ...subscription.Member) *fixture {
	t.Helper()

	f := &fixture{
		provider: &mockProvider{},
		members:  newFakeMembers(members...),
		store:    subscription.NewMemoryStore(),
	}
	f.catalog = subscription.NewInMemCatalog(subscription.Plan{
		PlanID:        testPlanID,
		Name:          "Pro monthly",
		Price:         subscription.Money{Amount: 1900, Currency: "USD"},
		Interval:      subscription.BillingIntervalMonth,
		EntitlementID: testEntitlement,
	})
	f.reconciler = f.newReconciler(nil)
	t.Cleanup(func() { f.provider.AssertExpectations(t) })
	return f
}

// newReconciler builds a reconciler over the fixture's fakes. configure may adjust the
// config before construction.
func (f *fixture) newReconciler(configure func(*subscription.ReconcilerConfig), opts ...subscription.ReconcilerOption) *subscription.Reconciler {
	cfg := subscription.ReconcilerConfig{
		PublicURL:    "https://bridge.example.com",
		SuccessPath:  "/subscription-success",
		CancelURL:    "https://example.com/pricing",
		CancelReason: "Cancelled by subscriber",
	}
	if configure != nil {
		configure(&cfg)
	}
	opts = append([]subscription.ReconcilerOption{subscription.WithClock(func() time.Time { return testNow })}, opts...)
	return subscription.NewReconciler(cfg, f.provider, subscription.NewMemberResolver(f.members, nil), f.store, f.catalog, opts...)
}

func defaultMember(entitlements ...string) subscription.Member {
	return subscription.Member{ID: testMemberID, Email: testEmail, Entitlements: entitlements}
}

// seedActive stores an active record as Activate would have written it.
func (f *fixture) seedActive(t *testing.T, subscriptionID string) {
	t.Helper()
	require.NoError(t, f.store.Insert(context.Background(), &subscription.Subscription{
		SubscriptionID: subscriptionID,
		PlanID:         testPlanID,
		MemberID:       testMemberID,
		MemberEmail:    testEmail,
		PayerEmail:     testEmail,
		EntitlementID:  testEntitlement,
		CreatedAt:      testNow.Add(-30 * 24 * time.Hour),
		UpdatedAt:      testNow.Add(-30 * 24 * time.Hour),
	}))
}

func remoteActive(subscriptionID string, nextBilling *time.Time) *subscription.RemoteSubscription {
	return &subscription.RemoteSubscription{
		ID:              subscriptionID,
		Status:          subscription.RemoteStatusActive,
		PlanID:          testPlanID,
		Email:           testEmail,
		CustomID:        testMemberID,
		NextBillingTime: nextBilling,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
