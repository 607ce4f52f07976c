package billing

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/memberbridge/handler"
	"github.com/dmitrymomot/memberbridge/pkg/binder"
	"github.com/dmitrymomot/memberbridge/pkg/logger"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

func jsonBinder() handler.Bind  { return binder.JSON() }
func queryBinder() handler.Bind { return binder.Query() }
func pathBinder() handler.Bind  { return binder.Path(chi.URLParam) }

// CheckoutResponse carries the URL the subscriber approves the subscription at.
type CheckoutResponse struct {
	ApprovalURL    string `json:"approvalUrl"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// SubscriptionView is the public shape of a local subscription record.
type SubscriptionView struct {
	SubscriptionID string             `json:"subscriptionId"`
	PlanID         string             `json:"planId,omitempty"`
	MemberID       string             `json:"memberId,omitempty"`
	State          subscription.State `json:"state"`
	FinishDate     *time.Time         `json:"finishDate,omitempty"`
}

// WebhookResponse acknowledges a verified notification.
type WebhookResponse struct {
	Outcome subscription.Outcome `json:"outcome"`
}

func newSubscriptionView(sub *subscription.Subscription) SubscriptionView {
	return SubscriptionView{
		SubscriptionID: sub.SubscriptionID,
		PlanID:         sub.PlanID,
		MemberID:       sub.MemberID,
		State:          sub.State(),
		FinishDate:     sub.FinishDate,
	}
}

// failure hands err to the route's error handler.
type failure struct{ err error }

func (f failure) Render(http.ResponseWriter, *http.Request) error { return f.err }

func fail(err error) handler.Response { return failure{err: err} }

func (s *Service) invalid(err error) handler.Response {
	return handler.JSONError(validationError(err), handler.WithJSONStatus(http.StatusBadRequest))
}

func (s *Service) createSubscription(ctx handler.Context, req CreateSubscriptionRequest) handler.Response {
	if err := s.validate.Struct(req); err != nil {
		return s.invalid(err)
	}

	checkout, err := s.reconciler.Create(ctx, req.PlanID, subscription.Subscriber{
		MemberID:  req.MemberID,
		GivenName: req.Name,
		Surname:   req.Surname,
		Email:     req.Email,
	})
	if err != nil {
		return fail(err)
	}
	return handler.JSON(CheckoutResponse{
		ApprovalURL:    checkout.ApprovalURL,
		SubscriptionID: checkout.SubscriptionID,
	})
}

// subscriptionSuccess finishes an approval round trip. The subscriber is always
// redirected; the outcome only selects the destination.
func (s *Service) subscriptionSuccess(ctx handler.Context, req SubscriptionSuccessRequest) handler.Response {
	if req.SubscriptionID == "" {
		s.logger.WarnContext(ctx, "approval return without subscription id", logger.MemberID(req.MemberID))
		return handler.Redirect(s.cfg.FailureRedirectURL)
	}

	sub, err := s.reconciler.Activate(ctx, subscription.ActivateRequest{
		SubscriptionID: req.SubscriptionID,
		MemberID:       req.MemberID,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "subscription activation failed",
			logger.SubscriptionID(req.SubscriptionID),
			logger.MemberID(req.MemberID),
			logger.Error(err),
		)
		return handler.Redirect(s.cfg.FailureRedirectURL)
	}

	s.logger.InfoContext(ctx, "subscription activated",
		logger.SubscriptionID(sub.SubscriptionID),
		logger.MemberID(sub.MemberID),
		logger.PlanID(sub.PlanID),
	)
	return handler.Redirect(s.cfg.SuccessRedirectURL)
}

func (s *Service) unsubscribe(ctx handler.Context, req UnsubscribeRequest) handler.Response {
	if err := s.validate.Struct(req); err != nil {
		return s.invalid(err)
	}

	sub, err := s.reconciler.Lookup(ctx, req.MemberID, req.SubscriptionID)
	if err != nil {
		return fail(err)
	}

	if req.Immediate {
		if err := s.reconciler.CancelNow(ctx, sub.SubscriptionID); err != nil {
			return fail(err)
		}
		view := newSubscriptionView(sub)
		view.State = subscription.StateDeleted
		return handler.JSON(view)
	}

	cancelled, err := s.reconciler.Cancel(ctx, sub.SubscriptionID, subscription.TriggerUserInitiated)
	if err != nil {
		return fail(err)
	}
	return handler.JSON(newSubscriptionView(cancelled))
}

func (s *Service) status(ctx handler.Context, req StatusRequest) handler.Response {
	sub, err := s.reconciler.Sync(ctx, req.SubscriptionID)
	if err != nil {
		return fail(err)
	}
	return handler.JSON(newSubscriptionView(sub))
}

// webhook acknowledges every verified notification with 200, whatever its processing
// outcome, so the provider does not redeliver it.
func (s *Service) webhook(ctx handler.Context, req WebhookRequest) handler.Response {
	ingester, ok := s.webhooks[req.Provider]
	if !ok {
		return fail(errUnknownProvider)
	}

	body := http.MaxBytesReader(ctx.ResponseWriter(), ctx.Request().Body, s.cfg.MaxWebhookBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fail(handler.NewHTTPError(http.StatusRequestEntityTooLarge, "payload_too_large"))
		}
		return fail(handler.NewHTTPError(http.StatusBadRequest, "invalid_body"))
	}

	outcome, err := ingester.HandleWebhook(ctx, payload, ctx.Request().Header)
	if err != nil {
		return fail(err)
	}
	return handler.JSON(WebhookResponse{Outcome: outcome})
}
