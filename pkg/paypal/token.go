package paypal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dmitrymomot/memberbridge/pkg/logger"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// TokenProvider hands out PayPal bearer tokens obtained with the client-credentials grant.
// A token is reused until RefreshSkew before its expiry. When a refresh fails the previous
// token keeps being served until it really expires; after that callers get ErrAuth.
// Concurrent callers share a single refresh.
type TokenProvider struct {
	cc         *clientcredentials.Config
	httpClient *http.Client
	skew       time.Duration
	retries    uint64
	backoff    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

// TokenOption configures a TokenProvider.
type TokenOption func(*TokenProvider)

// WithTokenClock overrides the time source used for expiry checks.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(p *TokenProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewTokenProvider creates a TokenProvider. httpClient performs the token requests.
func NewTokenProvider(cfg Config, httpClient *http.Client, log *slog.Logger, opts ...TokenOption) (*TokenProvider, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, ErrMissingCredentials
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &TokenProvider{
		cc: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.Secret,
			TokenURL:     strings.TrimRight(cfg.APIBase, "/") + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: httpClient,
		skew:       cfg.RefreshSkew,
		retries:    cfg.TokenRetries,
		backoff:    cfg.TokenBackoff,
		logger:     log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Token implements oauth2.TokenSource.
func (p *TokenProvider) Token() (*oauth2.Token, error) {
	return p.TokenContext(context.Background())
}

// GetToken returns the current access token string.
func (p *TokenProvider) GetToken(ctx context.Context) (string, error) {
	tok, err := p.TokenContext(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// TokenContext returns a usable token, refreshing it when it is inside the skew window.
func (p *TokenProvider) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token != nil && now.Before(p.token.Expiry.Add(-p.skew)) {
		return p.cached(), nil
	}

	fresh, err := p.fetch(ctx)
	if err == nil {
		p.token = fresh
		return p.cached(), nil
	}

	if p.token != nil && now.Before(p.token.Expiry) {
		p.logger.WarnContext(ctx, "paypal token refresh failed, serving previous token",
			slog.Time("expires_at", p.token.Expiry),
			logger.Error(err),
		)
		return p.cached(), nil
	}
	return nil, errors.Join(subscription.ErrAuth, err)
}

func (p *TokenProvider) fetch(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	backoff := p.backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var tok *oauth2.Token
	attempt := 0
	err := retry.Do(ctx, retry.WithMaxRetries(p.retries, retry.NewExponential(backoff)), func(ctx context.Context) error {
		attempt++
		t, err := p.cc.Token(ctx)
		if err != nil {
			if !retryableTokenError(err) {
				return err
			}
			p.logger.DebugContext(ctx, "paypal token request failed", logger.RetryCount(attempt), logger.Error(err))
			return retry.RetryableError(err)
		}
		tok = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (p *TokenProvider) cached() *oauth2.Token {
	t := *p.token
	return &t
}

// Rejected credentials will not start working on a retry; server-side failures might.
func retryableTokenError(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}
	return true
}
