// Package paypal implements subscription.PaymentProvider over the PayPal REST API:
// billing subscriptions, cancellation and webhook signature verification.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Client is a PayPal subscriptions client. Every request carries a bearer token from
// the TokenProvider; business calls are never retried here.
type Client struct {
	cfg       Config
	base      string
	http      *http.Client
	tokens    *TokenProvider
	tokenOpts []TokenOption
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTokenOptions passes options to the underlying TokenProvider.
func WithTokenOptions(opts ...TokenOption) Option {
	return func(c *Client) {
		c.tokenOpts = append(c.tokenOpts, opts...)
	}
}

// NewClient creates a PayPal client with a pooled HTTP transport.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.APIBase, "/"),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !cfg.SkipWebhookVerification && cfg.WebhookID == "" {
		return nil, ErrMissingWebhookID
	}

	tokenHTTP := cleanhttp.DefaultPooledClient()
	tokenHTTP.Timeout = cfg.RequestTimeout

	tokens, err := NewTokenProvider(cfg, tokenHTTP, c.logger, c.tokenOpts...)
	if err != nil {
		return nil, err
	}
	c.tokens = tokens
	c.http = &http.Client{
		Transport: &oauth2.Transport{
			Source: tokens,
			Base:   cleanhttp.DefaultPooledTransport(),
		},
		Timeout: cfg.RequestTimeout,
	}
	return c, nil
}

// Tokens exposes the token provider, e.g. to warm it up at startup.
func (c *Client) Tokens() *TokenProvider {
	return c.tokens
}

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type createSubscriptionRequest struct {
	PlanID             string             `json:"plan_id"`
	CustomID           string             `json:"custom_id,omitempty"`
	Subscriber         subscriberPayload  `json:"subscriber"`
	ApplicationContext applicationContext `json:"application_context"`
}

type subscriberPayload struct {
	Name         *namePayload `json:"name,omitempty"`
	EmailAddress string       `json:"email_address,omitempty"`
}

type namePayload struct {
	GivenName string `json:"given_name,omitempty"`
	Surname   string `json:"surname,omitempty"`
}

type applicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	UserAction string `json:"user_action"`
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

type subscriptionResponse struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	PlanID     string            `json:"plan_id"`
	CustomID   string            `json:"custom_id"`
	Subscriber subscriberPayload `json:"subscriber"`
	Billing    struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     struct {
			Time string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	Links []link `json:"links"`
}

// CreateSubscription creates a subscription awaiting the subscriber's approval.
func (c *Client) CreateSubscription(ctx context.Context, req subscription.CreateSubscriptionRequest) (*subscription.Checkout, error) {
	body := createSubscriptionRequest{
		PlanID:   req.PlanID,
		CustomID: req.CustomID,
		Subscriber: subscriberPayload{
			EmailAddress: req.Subscriber.Email,
		},
		ApplicationContext: applicationContext{
			BrandName:  c.cfg.BrandName,
			UserAction: "SUBSCRIBE_NOW",
			ReturnURL:  req.ReturnURL,
			CancelURL:  req.CancelURL,
		},
	}
	if req.Subscriber.GivenName != "" || req.Subscriber.Surname != "" {
		body.Subscriber.Name = &namePayload{GivenName: req.Subscriber.GivenName, Surname: req.Subscriber.Surname}
	}

	var resp subscriptionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions", body, &resp); err != nil {
		return nil, err
	}

	for _, l := range resp.Links {
		if l.Rel == "approve" {
			return &subscription.Checkout{SubscriptionID: resp.ID, ApprovalURL: l.Href}, nil
		}
	}
	return nil, ErrNoApprovalLink
}

// GetSubscription fetches subscription details. next_billing_time is the end of the
// cycle the subscriber already paid for. PayPal omits it for cancelled subscriptions,
// so last_payment.time is passed along as well.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*subscription.RemoteSubscription, error) {
	var resp subscriptionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID), nil, &resp); err != nil {
		return nil, err
	}

	remote := &subscription.RemoteSubscription{
		ID:       resp.ID,
		Status:   mapStatus(resp.Status),
		PlanID:   resp.PlanID,
		Email:    resp.Subscriber.EmailAddress,
		CustomID: resp.CustomID,
	}
	var err error
	if remote.NextBillingTime, err = parseTime("next_billing_time", resp.Billing.NextBillingTime); err != nil {
		return nil, err
	}
	if remote.LastPaymentTime, err = parseTime("last_payment.time", resp.Billing.LastPayment.Time); err != nil {
		return nil, err
	}
	return remote, nil
}

func parseTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("paypal: invalid %s %q: %w", field, value, err)
	}
	t = t.UTC()
	return &t, nil
}

// CancelSubscription cancels billing. A subscription PayPal already considers
// cancelled or expired counts as success.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	body := map[string]string{"reason": reason}
	err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID)+"/cancel", body, nil)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity && apiErr.HasIssue("SUBSCRIPTION_STATUS_INVALID") {
		c.logger.InfoContext(ctx, "paypal subscription already inactive", logger.SubscriptionID(subscriptionID))
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("paypal: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("paypal: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, subscription.ErrAuth) {
			return err
		}
		return errors.Join(subscription.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Join(subscription.ErrRemoteUnavailable, fmt.Errorf("paypal: failed to decode response: %w", err))
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Join(subscription.ErrAuth, apiErr)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Join(subscription.ErrNotFound, apiErr)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return errors.Join(subscription.ErrRemoteUnavailable, apiErr)
	default:
		return apiErr
	}
}

func mapStatus(status string) subscription.RemoteStatus {
	switch status {
	case "APPROVED":
		return subscription.RemoteStatusApproved
	case "ACTIVE":
		return subscription.RemoteStatusActive
	case "SUSPENDED":
		return subscription.RemoteStatusSuspended
	case "CANCELLED":
		return subscription.RemoteStatusCancelled
	case "EXPIRED":
		return subscription.RemoteStatusExpired
	default:
		return subscription.RemoteStatusPending
	}
}
