package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements PaymentProvider for Paddle Billing.
// Paddle allocates the subscription ID only after checkout completes, so Create returns
// the transaction ID and activation is driven by the subscription.activated webhook.
// The member ID and email travel in custom_data, which Paddle copies to the subscription.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider creates a new Paddle billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, errors.Join(ErrInvalidProviderEnvironment, fmt.Errorf("paddle environment %q", config.Environment))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
	}, nil
}

// CreateSubscription opens a hosted checkout for the plan's price.
func (p *PaddleProvider) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Checkout, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PlanID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"member_id": req.CustomID,
			"email":     req.Subscriber.Email,
		},
	}
	if req.ReturnURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.ReturnURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, errors.Join(ErrRemoteUnavailable, err)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, ErrNoCheckoutURL
	}

	return &Checkout{
		SubscriptionID: transaction.ID,
		ApprovalURL:    *transaction.Checkout.URL,
	}, nil
}

// GetSubscription fetches the subscription and reads the paid-through date from the next
// billing date, or from the end of the current period once a cancellation is scheduled.
func (p *PaddleProvider) GetSubscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, errors.Join(ErrRemoteUnavailable, err)
	}

	remote := &RemoteSubscription{
		ID:     sub.ID,
		Status: mapPaddleStatus(string(sub.Status)),
	}
	if len(sub.Items) > 0 {
		remote.PlanID = sub.Items[0].Price.ID
	}
	if v, ok := sub.CustomData["email"].(string); ok {
		remote.Email = v
	}
	if v, ok := sub.CustomData["member_id"].(string); ok {
		remote.CustomID = v
	}

	switch {
	case sub.NextBilledAt != nil:
		remote.NextBillingTime = parsePaddleTime(*sub.NextBilledAt)
	case sub.CurrentBillingPeriod != nil:
		remote.NextBillingTime = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}

	return remote, nil
}

// CancelSubscription schedules cancellation at the end of the paid billing period.
// Paddle has no free-text cancellation reason, so reason is not sent.
func (p *PaddleProvider) CancelSubscription(ctx context.Context, subscriptionID, _ string) error {
	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: subscriptionID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
	})
	if err != nil {
		return errors.Join(ErrRemoteUnavailable, err)
	}
	return nil
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the event.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", header.Get("Paddle-Signature"))

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrWebhookVerificationFailed, err)
	}
	if !valid {
		return nil, ErrWebhookVerificationFailed
	}

	var paddleEvent struct {
		EventID   string         `json:"event_id"`
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	event := &WebhookEvent{
		ID:            paddleEvent.EventID,
		Type:          mapPaddleEventType(paddleEvent.EventType),
		ProviderEvent: paddleEvent.EventType,
	}

	switch {
	case strings.HasPrefix(paddleEvent.EventType, "subscription."):
		if id, ok := paddleEvent.Data["id"].(string); ok {
			event.SubscriptionID = id
		}
	case strings.HasPrefix(paddleEvent.EventType, "transaction."):
		// Transactions outside a subscription carry no subscription_id and are ignored.
		if id, ok := paddleEvent.Data["subscription_id"].(string); ok {
			event.SubscriptionID = id
		}
	}

	return event, nil
}

func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "subscription.activated":
		return EventSubscriptionActivated
	case "subscription.canceled":
		return EventSubscriptionCancelled
	case "subscription.paused":
		return EventSubscriptionSuspended
	case "transaction.completed":
		return EventPaymentCompleted
	default:
		return EventUnhandled
	}
}

func mapPaddleStatus(paddleStatus string) RemoteStatus {
	switch strings.ToLower(paddleStatus) {
	case "active", "trialing", "past_due":
		return RemoteStatusActive
	case "paused":
		return RemoteStatusSuspended
	case "canceled", "cancelled":
		return RemoteStatusCancelled
	default:
		return RemoteStatusPending
	}
}

func parsePaddleTime(v string) *time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
