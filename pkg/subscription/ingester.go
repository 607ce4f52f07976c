package subscription

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
)

// Outcome describes what the ingester did with a notification.
type Outcome string

const (
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeActivated       Outcome = "activated"
	OutcomeAlreadyFinished Outcome = "already_finished"
	OutcomeAlreadyActive   Outcome = "already_active"
	OutcomeNoLocalRecord   Outcome = "no_local_record"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeFailed          Outcome = "failed"
)

// Ingester turns provider notifications into reconciler calls. Notifications arrive at
// least once and in any order; it keeps no ledger of seen events because every
// reconciler operation it drives is idempotent.
type Ingester struct {
	provider   PaymentProvider
	reconciler *Reconciler
	store      Store
	logger     *slog.Logger
}

// NewIngester creates an Ingester.
func NewIngester(provider PaymentProvider, reconciler *Reconciler, store Store, log *slog.Logger) *Ingester {
	if provider == nil {
		panic("subscription: PaymentProvider is required")
	}
	if reconciler == nil {
		panic("subscription: Reconciler is required")
	}
	if store == nil {
		panic("subscription: Store is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Ingester{provider: provider, reconciler: reconciler, store: store, logger: log}
}

// HandleWebhook verifies and processes a raw notification. Only a failed verification is
// returned as an error; processing failures are logged and reported through the outcome,
// so the endpoint can acknowledge and avoid provider retry storms.
// When the verifier itself is unreachable the error keeps its remote class so the
// notification is answered with a server error and redelivered.
func (i *Ingester) HandleWebhook(ctx context.Context, payload []byte, header http.Header) (Outcome, error) {
	event, err := i.provider.ParseWebhook(ctx, payload, header)
	switch {
	case err == nil:
	case errors.Is(err, ErrWebhookVerificationFailed):
		i.logger.WarnContext(ctx, "rejected webhook", logger.Error(err))
		return OutcomeIgnored, err
	case errors.Is(err, ErrRemoteUnavailable), errors.Is(err, ErrAuth):
		i.logger.ErrorContext(ctx, "webhook verification unavailable", logger.Error(err))
		return OutcomeFailed, err
	default:
		i.logger.WarnContext(ctx, "rejected webhook", logger.Error(err))
		return OutcomeIgnored, errors.Join(ErrWebhookVerificationFailed, err)
	}
	return i.Ingest(ctx, event), nil
}

// Ingest processes a verified event.
func (i *Ingester) Ingest(ctx context.Context, event *WebhookEvent) Outcome {
	log := i.logger.With(
		logger.EventType(event.ProviderEvent),
		logger.MessageID(event.ID),
		logger.SubscriptionID(event.SubscriptionID),
	)

	if event.SubscriptionID == "" {
		log.DebugContext(ctx, "webhook carries no subscription, ignoring")
		return OutcomeIgnored
	}

	switch {
	case event.Type.IsCancellation():
		return i.cancel(ctx, log, event)
	case event.Type == EventSubscriptionActivated || event.Type == EventPaymentCompleted:
		return i.activate(ctx, log, event)
	default:
		log.DebugContext(ctx, "unhandled webhook event")
		return OutcomeIgnored
	}
}

func (i *Ingester) cancel(ctx context.Context, log *slog.Logger, event *WebhookEvent) Outcome {
	sub, err := i.store.FindBySubscriptionID(ctx, event.SubscriptionID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		// Activation may not have run yet, or the subscription was never ours.
		log.WarnContext(ctx, "cancellation for unknown subscription, acknowledging")
		return OutcomeNoLocalRecord
	case err != nil:
		log.ErrorContext(ctx, "failed to load subscription for cancellation", logger.Error(err))
		return OutcomeFailed
	case sub.Finished:
		log.InfoContext(ctx, "subscription already finished, acknowledging")
		return OutcomeAlreadyFinished
	}

	if _, err := i.reconciler.Cancel(ctx, event.SubscriptionID, TriggerProviderWebhook); err != nil {
		log.ErrorContext(ctx, "failed to cancel subscription from webhook", logger.Error(err))
		return OutcomeFailed
	}
	return OutcomeCancelled
}

// activate converges subscriptions whose approval redirect never reached us.
func (i *Ingester) activate(ctx context.Context, log *slog.Logger, event *WebhookEvent) Outcome {
	if _, err := i.store.FindBySubscriptionID(ctx, event.SubscriptionID); err == nil {
		return OutcomeAlreadyActive
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		log.ErrorContext(ctx, "failed to load subscription for activation", logger.Error(err))
		return OutcomeFailed
	}

	if _, err := i.reconciler.Activate(ctx, ActivateRequest{SubscriptionID: event.SubscriptionID}); err != nil {
		log.ErrorContext(ctx, "failed to activate subscription from webhook", logger.Error(err))
		return OutcomeFailed
	}
	return OutcomeActivated
}
