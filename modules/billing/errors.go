package billing

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/memberbridge/handler"
	"github.com/dmitrymomot/memberbridge/pkg/binder"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

var errUnknownProvider = handler.NewHTTPError(http.StatusNotFound, "unknown_provider")

var errorKeys = []struct {
	err  error
	code int
	key  string
}{
	{subscription.ErrWebhookVerificationFailed, http.StatusBadRequest, "webhook_verification_failed"},
	{subscription.ErrInvalidTrigger, http.StatusBadRequest, "invalid_trigger"},
	{binder.ErrUnsupportedMediaType, http.StatusBadRequest, "unsupported_media_type"},
	{binder.ErrMissingContentType, http.StatusBadRequest, "missing_content_type"},
	{binder.ErrFailedToParseJSON, http.StatusBadRequest, "invalid_json"},
	{binder.ErrFailedToParseQuery, http.StatusBadRequest, "invalid_query"},
	{binder.ErrFailedToParsePath, http.StatusBadRequest, "invalid_path"},

	{subscription.ErrPlanNotFound, http.StatusNotFound, "plan_not_found"},
	{subscription.ErrSubscriptionNotFound, http.StatusNotFound, "subscription_not_found"},
	{subscription.ErrMemberNotFound, http.StatusNotFound, "member_not_found"},
	{subscription.ErrNotFound, http.StatusNotFound, "not_found"},

	{subscription.ErrSubscriptionAlreadyActive, http.StatusConflict, "subscription_already_active"},
	{subscription.ErrCheckoutPending, http.StatusConflict, "checkout_pending"},
	{subscription.ErrActivationInProgress, http.StatusConflict, "activation_in_progress"},
	{subscription.ErrSubscriptionNotApproved, http.StatusConflict, "subscription_not_approved"},
	{subscription.ErrSubscriptionExists, http.StatusConflict, "subscription_exists"},
	{subscription.ErrConflict, http.StatusConflict, "conflict"},

	{subscription.ErrAuth, http.StatusInternalServerError, "provider_auth_failed"},
	{subscription.ErrRemoteUnavailable, http.StatusInternalServerError, "remote_unavailable"},
}

// mapError translates domain and binding errors into HTTP errors. Specific causes are
// listed before their class so the most precise key wins.
func mapError(err error) error {
	var httpErr handler.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	for _, k := range errorKeys {
		if errors.Is(err, k.err) {
			return handler.NewHTTPError(k.code, k.key)
		}
	}
	return nil
}
