package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Headers PayPal signs every notification with.
const (
	HeaderAuthAlgo         = "PAYPAL-AUTH-ALGO"
	HeaderCertURL          = "PAYPAL-CERT-URL"
	HeaderTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	HeaderTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
	HeaderTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
)

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// ParseWebhook asks PayPal to verify the notification signature, then normalizes the event.
func (c *Client) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*subscription.WebhookEvent, error) {
	if !json.Valid(payload) {
		return nil, errors.Join(subscription.ErrWebhookVerificationFailed, errors.New("paypal: payload is not json"))
	}
	if !c.cfg.SkipWebhookVerification {
		if err := c.verify(ctx, payload, header); err != nil {
			return nil, err
		}
	}

	var raw webhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("paypal: failed to parse webhook: %w", err)
	}

	event := &subscription.WebhookEvent{
		ID:            raw.ID,
		Type:          mapEventType(raw.EventType),
		ProviderEvent: raw.EventType,
	}

	var resource struct {
		ID                 string `json:"id"`
		BillingAgreementID string `json:"billing_agreement_id"`
	}
	if len(raw.Resource) > 0 {
		if err := json.Unmarshal(raw.Resource, &resource); err != nil {
			return nil, fmt.Errorf("paypal: failed to parse webhook resource: %w", err)
		}
	}
	switch {
	case strings.HasPrefix(raw.EventType, "BILLING.SUBSCRIPTION."):
		event.SubscriptionID = resource.ID
	case strings.HasPrefix(raw.EventType, "PAYMENT.SALE."):
		// One-off sales carry no billing agreement and are ignored downstream.
		event.SubscriptionID = resource.BillingAgreementID
	}
	return event, nil
}

func (c *Client) verify(ctx context.Context, payload []byte, header http.Header) error {
	req := verifyRequest{
		AuthAlgo:         header.Get(HeaderAuthAlgo),
		CertURL:          header.Get(HeaderCertURL),
		TransmissionID:   header.Get(HeaderTransmissionID),
		TransmissionSig:  header.Get(HeaderTransmissionSig),
		TransmissionTime: header.Get(HeaderTransmissionTime),
		WebhookID:        c.cfg.WebhookID,
		WebhookEvent:     json.RawMessage(payload),
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" || req.TransmissionSig == "" || req.TransmissionTime == "" {
		return errors.Join(subscription.ErrWebhookVerificationFailed, errors.New("paypal: missing signature headers"))
	}

	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &resp); err != nil {
		// PayPal being unreachable is not a forged payload: let the sender retry.
		return err
	}
	if resp.VerificationStatus != "SUCCESS" {
		return errors.Join(subscription.ErrWebhookVerificationFailed, fmt.Errorf("paypal: verification status %q", resp.VerificationStatus))
	}
	return nil
}

func mapEventType(eventType string) subscription.EventType {
	switch eventType {
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		return subscription.EventSubscriptionActivated
	case "BILLING.SUBSCRIPTION.CANCELLED":
		return subscription.EventSubscriptionCancelled
	case "BILLING.SUBSCRIPTION.EXPIRED":
		return subscription.EventSubscriptionExpired
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		return subscription.EventSubscriptionSuspended
	case "PAYMENT.SALE.COMPLETED":
		return subscription.EventPaymentCompleted
	default:
		return subscription.EventUnhandled
	}
}
