package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/memberbridge/handler"
	"github.com/dmitrymomot/memberbridge/modules/billing"
	"github.com/dmitrymomot/memberbridge/pkg/httpserver"
	"github.com/dmitrymomot/memberbridge/pkg/ratelimiter"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

const (
	successURL = "https://app.example.com/welcome"
	failureURL = "https://app.example.com/billing-failed"
)

var finishDate = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T, opts ...billing.Option) (http.Handler, *mockReconciler) {
	t.Helper()
	rec := &mockReconciler{}
	t.Cleanup(func() { rec.AssertExpectations(t) })
	svc := billing.NewService(billing.Config{
		SuccessRedirectURL: successURL,
		FailureRedirectURL: failureURL,
	}, rec, opts...)
	return svc.Handle(), rec
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) handler.JSONResponse {
	t.Helper()
	var body handler.JSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func activeSub() *subscription.Subscription {
	return &subscription.Subscription{
		SubscriptionID: "I-1",
		PlanID:         "P-1",
		MemberID:       "mem_1",
		MemberEmail:    "a@x.com",
		EntitlementID:  "pln_pro",
	}
}

func TestNewService_PanicsWithoutReconciler(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { billing.NewService(billing.Config{}, nil) })
}

func TestCreateSubscription(t *testing.T) {
	t.Parallel()

	const body = `{"planId":"P-1","name":"Ann","surname":"Lee","email":"a@x.com","memberId":"mem_1"}`
	subscriber := subscription.Subscriber{MemberID: "mem_1", GivenName: "Ann", Surname: "Lee", Email: "a@x.com"}

	t.Run("returns approval url", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		rec.On("Create", mock.Anything, "P-1", subscriber).
			Return(&subscription.Checkout{SubscriptionID: "I-1", ApprovalURL: "https://paypal.test/approve/I-1"}, nil).Once()

		w := do(t, h, http.MethodPost, "/subscriptions", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, map[string]any{
			"approvalUrl":    "https://paypal.test/approve/I-1",
			"subscriptionId": "I-1",
		}, decode(t, w).Data)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("domain errors map to status codes", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			name     string
			err      error
			wantCode int
			wantKey  string
		}{
			{"already active", subscription.ErrSubscriptionAlreadyActive, http.StatusConflict, "subscription_already_active"},
			{"checkout pending", subscription.ErrCheckoutPending, http.StatusConflict, "checkout_pending"},
			{"activation in progress", subscription.ErrActivationInProgress, http.StatusConflict, "activation_in_progress"},
			{"plan not found", subscription.ErrPlanNotFound, http.StatusNotFound, "plan_not_found"},
			{"remote unavailable", errors.Join(subscription.ErrRemoteUnavailable, errors.New("timeout")), http.StatusInternalServerError, "remote_unavailable"},
			{"storage", errors.Join(subscription.ErrStorage, errors.New("conn reset")), http.StatusInternalServerError, "internal_error"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				h, rec := newService(t)
				rec.On("Create", mock.Anything, "P-1", subscriber).Return(nil, tt.err).Once()

				w := do(t, h, http.MethodPost, "/subscriptions", body)
				assert.Equal(t, tt.wantCode, w.Code)
				resp := decode(t, w)
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantKey, resp.Error.Code)
			})
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()
		h, _ := newService(t)

		w := do(t, h, http.MethodPost, "/subscriptions", `{"planId":"P-1","name":"Ann","surname":"","email":"not-an-email"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "validation_error", resp.Error.Code)
		assert.Contains(t, resp.Error.Details, "email")
		assert.Contains(t, resp.Error.Details, "surname")
		assert.NotContains(t, resp.Error.Details, "planId")
	})

	t.Run("malformed json", func(t *testing.T) {
		t.Parallel()
		h, _ := newService(t)

		w := do(t, h, http.MethodPost, "/subscriptions", `{"planId":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_json", decode(t, w).Error.Code)
	})
}

func TestSubscriptionSuccess(t *testing.T) {
	t.Parallel()

	t.Run("activates and redirects to success", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		rec.On("Activate", mock.Anything, subscription.ActivateRequest{SubscriptionID: "I-1", MemberID: "mem_1"}).
			Return(activeSub(), nil).Once()

		w := do(t, h, http.MethodGet, "/subscription-success?memberId=mem_1&subscription_id=I-1&ba_token=BA-1&token=T-1", "")
		assert.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, successURL, w.Header().Get("Location"))
	})

	t.Run("activation failure redirects to failure", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		rec.On("Activate", mock.Anything, subscription.ActivateRequest{SubscriptionID: "I-2"}).
			Return(nil, subscription.ErrSubscriptionNotApproved).Once()

		w := do(t, h, http.MethodGet, "/subscription-success?subscription_id=I-2", "")
		assert.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, failureURL, w.Header().Get("Location"))
	})

	t.Run("missing subscription id", func(t *testing.T) {
		t.Parallel()
		h, _ := newService(t)

		w := do(t, h, http.MethodGet, "/subscription-success?memberId=mem_1", "")
		assert.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, failureURL, w.Header().Get("Location"))
	})
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	t.Run("cancel at period end by member", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		finished := activeSub()
		finished.Finished = true
		finished.FinishDate = &finishDate

		rec.On("Lookup", mock.Anything, "mem_1", "").Return(activeSub(), nil).Once()
		rec.On("Cancel", mock.Anything, "I-1", subscription.TriggerUserInitiated).Return(finished, nil).Once()

		w := do(t, h, http.MethodPost, "/unsubscribe", `{"memberId":"mem_1"}`)
		require.Equal(t, http.StatusOK, w.Code)
		data, ok := decode(t, w).Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "I-1", data["subscriptionId"])
		assert.Equal(t, string(subscription.StateFinished), data["state"])
		assert.Equal(t, "2026-04-01T00:00:00Z", data["finishDate"])
	})

	t.Run("immediate by subscription id", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		rec.On("Lookup", mock.Anything, "", "I-1").Return(activeSub(), nil).Once()
		rec.On("CancelNow", mock.Anything, "I-1").Return(nil).Once()

		w := do(t, h, http.MethodPost, "/unsubscribe", `{"subscriptionId":"I-1","immediate":true}`)
		require.Equal(t, http.StatusOK, w.Code)
		data, ok := decode(t, w).Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, string(subscription.StateDeleted), data["state"])
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		rec.On("Lookup", mock.Anything, "mem_9", "").Return(nil, subscription.ErrSubscriptionNotFound).Once()

		w := do(t, h, http.MethodPost, "/unsubscribe", `{"memberId":"mem_9"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "subscription_not_found", decode(t, w).Error.Code)
	})

	t.Run("needs an identifier", func(t *testing.T) {
		t.Parallel()
		h, _ := newService(t)

		w := do(t, h, http.MethodPost, "/unsubscribe", `{"immediate":true}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode(t, w)
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Details, "memberId")
		assert.Contains(t, resp.Error.Details, "subscriptionId")
	})
}

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("syncs and reports state", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		rec.On("Sync", mock.Anything, "I-1").Return(activeSub(), nil).Once()

		w := do(t, h, http.MethodGet, "/subscriptions/I-1", "")
		require.Equal(t, http.StatusOK, w.Code)
		data, ok := decode(t, w).Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, string(subscription.StateActive), data["state"])
		assert.Equal(t, "P-1", data["planId"])
		assert.NotContains(t, data, "finishDate")
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t)
		rec.On("Sync", mock.Anything, "I-404").Return(nil, subscription.ErrSubscriptionNotFound).Once()

		w := do(t, h, http.MethodGet, "/subscriptions/I-404", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	const payload = `{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.CANCELLED"}`

	post := func(h http.Handler, provider string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(payload))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("PAYPAL-TRANSMISSION-ID", "tx-123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	t.Run("verified notification is acknowledged whatever the outcome", func(t *testing.T) {
		t.Parallel()
		for _, outcome := range []subscription.Outcome{subscription.OutcomeCancelled, subscription.OutcomeFailed, subscription.OutcomeIgnored} {
			ing := &mockIngester{}
			ing.On("HandleWebhook", mock.Anything, []byte(payload), mock.Anything).Return(outcome, nil).Once()
			h, _ := newService(t, billing.WithWebhook("paypal", ing), billing.WithRequestIDHeaders("PAYPAL-TRANSMISSION-ID"))

			w := post(h, "paypal")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, map[string]any{"outcome": string(outcome)}, decode(t, w).Data)
			assert.Equal(t, "tx-123", w.Header().Get("X-Request-ID"))
			ing.AssertExpectations(t)
		}
	})

	t.Run("verification failure", func(t *testing.T) {
		t.Parallel()
		ing := &mockIngester{}
		ing.On("HandleWebhook", mock.Anything, mock.Anything, mock.Anything).
			Return(subscription.OutcomeIgnored, subscription.ErrWebhookVerificationFailed).Once()
		h, _ := newService(t, billing.WithWebhook("paypal", ing))

		w := post(h, "paypal")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "webhook_verification_failed", decode(t, w).Error.Code)
	})

	t.Run("verifier unavailable asks for redelivery", func(t *testing.T) {
		t.Parallel()
		ing := &mockIngester{}
		ing.On("HandleWebhook", mock.Anything, mock.Anything, mock.Anything).
			Return(subscription.OutcomeFailed, subscription.ErrRemoteUnavailable).Once()
		h, _ := newService(t, billing.WithWebhook("paypal", ing))

		w := post(h, "paypal")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		h, _ := newService(t)

		w := post(h, "stripe")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "unknown_provider", decode(t, w).Error.Code)
	})

	t.Run("oversized payload", func(t *testing.T) {
		t.Parallel()
		rec := &mockReconciler{}
		ing := &mockIngester{}
		h := billing.NewService(billing.Config{MaxWebhookBytes: 8}, rec, billing.WithWebhook("paypal", ing)).Handle()

		w := post(h, "paypal")
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		ing.AssertNotCalled(t, "HandleWebhook", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		h, _ := newService(t, billing.WithHealthChecks(httpserver.Check{
			Name: "storage",
			Fn:   func(context.Context) error { return nil },
		}))

		w := do(t, h, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("degraded", func(t *testing.T) {
		t.Parallel()
		h, _ := newService(t, billing.WithHealthChecks(httpserver.Check{
			Name: "redis",
			Fn:   func(context.Context) error { return errors.New("connection refused") },
		}))

		w := do(t, h, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimiter.Result, error) {
	return ratelimiter.Result{}, errors.New("store down")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	const body = `{"planId":"P-1","name":"Ann","surname":"Lee","email":"a@x.com"}`
	checkout := &subscription.Checkout{SubscriptionID: "I-1", ApprovalURL: "https://paypal.test/approve/I-1"}

	t.Run("rejects calls over the limit", func(t *testing.T) {
		t.Parallel()
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		t.Cleanup(store.Close)
		limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour})
		require.NoError(t, err)

		h, rec := newService(t, billing.WithRateLimiter(limiter))
		rec.On("Create", mock.Anything, "P-1", mock.Anything).Return(checkout, nil).Once()

		w := do(t, h, http.MethodPost, "/subscriptions", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

		w = do(t, h, http.MethodPost, "/subscriptions", body)
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "rate_limited", decode(t, w).Error.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
	})

	t.Run("scopes are separate", func(t *testing.T) {
		t.Parallel()
		store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
		t.Cleanup(store.Close)
		limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour})
		require.NoError(t, err)

		h, rec := newService(t, billing.WithRateLimiter(limiter))
		rec.On("Create", mock.Anything, "P-1", mock.Anything).Return(checkout, nil).Once()
		rec.On("Lookup", mock.Anything, "mem_1", "").Return(activeSub(), nil).Once()
		rec.On("Cancel", mock.Anything, "I-1", subscription.TriggerUserInitiated).Return(activeSub(), nil).Once()

		require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/subscriptions", body).Code)
		require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/unsubscribe", `{"memberId":"mem_1"}`).Code)
	})

	t.Run("limiter failure admits the call", func(t *testing.T) {
		t.Parallel()
		h, rec := newService(t, billing.WithRateLimiter(brokenLimiter{}))
		rec.On("Create", mock.Anything, "P-1", mock.Anything).Return(checkout, nil).Once()

		w := do(t, h, http.MethodPost, "/subscriptions", body)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
