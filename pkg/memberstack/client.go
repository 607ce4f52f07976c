// Package memberstack implements subscription.MembershipService over the Memberstack
// admin REST API. Entitlements map to Memberstack plan IDs attached to a member.
package memberstack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Client is a Memberstack admin API client.
type Client struct {
	key  string
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// NewClient creates a Memberstack client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingSecretKey
	}
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = cfg.RequestTimeout

	c := &Client{
		key:  cfg.SecretKey,
		base: strings.TrimRight(cfg.APIBase, "/"),
		http: httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type memberPayload struct {
	ID   string `json:"id"`
	Auth struct {
		Email string `json:"email"`
	} `json:"auth"`
	PlanConnections []struct {
		PlanID string `json:"planId"`
		Status string `json:"status"`
	} `json:"planConnections"`
}

// ResolveByID fetches a member by ID.
func (c *Client) ResolveByID(ctx context.Context, memberID string) (*subscription.Member, error) {
	if memberID == "" {
		return nil, subscription.ErrMemberNotFound
	}
	return c.member(ctx, memberID)
}

// ResolveByEmail fetches a member by email address.
func (c *Client) ResolveByEmail(ctx context.Context, email string) (*subscription.Member, error) {
	if email == "" {
		return nil, subscription.ErrMemberNotFound
	}
	return c.member(ctx, email)
}

// GrantEntitlement attaches the plan to the member.
func (c *Client) GrantEntitlement(ctx context.Context, memberID, entitlementID string) error {
	return c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(memberID)+"/add-plan", map[string]string{"planId": entitlementID}, nil)
}

// RevokeEntitlement detaches the plan from the member.
func (c *Client) RevokeEntitlement(ctx context.Context, memberID, entitlementID string) error {
	return c.do(ctx, http.MethodPost, "/members/"+url.PathEscape(memberID)+"/remove-plan", map[string]string{"planId": entitlementID}, nil)
}

func (c *Client) member(ctx context.Context, idOrEmail string) (*subscription.Member, error) {
	var resp struct {
		Data *memberPayload `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/members/"+url.PathEscape(idOrEmail), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return nil, subscription.ErrMemberNotFound
	}

	m := &subscription.Member{ID: resp.Data.ID, Email: resp.Data.Auth.Email}
	for _, pc := range resp.Data.PlanConnections {
		if pc.PlanID == "" || !activeConnection(pc.Status) {
			continue
		}
		m.Entitlements = append(m.Entitlements, pc.PlanID)
	}
	return m, nil
}

// Cancelled connections linger on the member until removed and do not grant access.
func activeConnection(status string) bool {
	switch strings.ToUpper(status) {
	case "", "ACTIVE", "TRIALING", "PAST_DUE":
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("memberstack: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("memberstack: failed to build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(subscription.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Join(subscription.ErrRemoteUnavailable, fmt.Errorf("memberstack: failed to decode response: %w", err))
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
