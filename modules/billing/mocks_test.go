package billing_test

import (
	"context"
	"net/http"

	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) Create(ctx context.Context, planID string, subscriber subscription.Subscriber) (*subscription.Checkout, error) {
	args := m.Called(ctx, planID, subscriber)
	if c := args.Get(0); c != nil {
		return c.(*subscription.Checkout), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReconciler) Activate(ctx context.Context, req subscription.ActivateRequest) (*subscription.Subscription, error) {
	args := m.Called(ctx, req)
	if s := args.Get(0); s != nil {
		return s.(*subscription.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReconciler) Cancel(ctx context.Context, subscriptionID string, trigger subscription.Trigger) (*subscription.Subscription, error) {
	args := m.Called(ctx, subscriptionID, trigger)
	if s := args.Get(0); s != nil {
		return s.(*subscription.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReconciler) CancelNow(ctx context.Context, subscriptionID string) error {
	return m.Called(ctx, subscriptionID).Error(0)
}

func (m *mockReconciler) Sync(ctx context.Context, subscriptionID string) (*subscription.Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	if s := args.Get(0); s != nil {
		return s.(*subscription.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReconciler) Lookup(ctx context.Context, memberID, subscriptionID string) (*subscription.Subscription, error) {
	args := m.Called(ctx, memberID, subscriptionID)
	if s := args.Get(0); s != nil {
		return s.(*subscription.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) HandleWebhook(ctx context.Context, payload []byte, header http.Header) (subscription.Outcome, error) {
	args := m.Called(ctx, payload, header)
	return args.Get(0).(subscription.Outcome), args.Error(1)
}
