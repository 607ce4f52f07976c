// Package billing exposes the subscription lifecycle over HTTP: checkout creation, the
// approval return, unsubscribe, status, provider webhooks and health.
package billing

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/dmitrymomot/memberbridge/handler"
	"github.com/dmitrymomot/memberbridge/pkg/clientip"
	"github.com/dmitrymomot/memberbridge/pkg/httpserver"
	"github.com/dmitrymomot/memberbridge/pkg/ratelimiter"
	"github.com/dmitrymomot/memberbridge/pkg/requestid"
	"github.com/dmitrymomot/memberbridge/pkg/subscription"
)

// Reconciler is the lifecycle surface the HTTP boundary drives.
type Reconciler interface {
	Create(ctx context.Context, planID string, subscriber subscription.Subscriber) (*subscription.Checkout, error)
	Activate(ctx context.Context, req subscription.ActivateRequest) (*subscription.Subscription, error)
	Cancel(ctx context.Context, subscriptionID string, trigger subscription.Trigger) (*subscription.Subscription, error)
	CancelNow(ctx context.Context, subscriptionID string) error
	Sync(ctx context.Context, subscriptionID string) (*subscription.Subscription, error)
	Lookup(ctx context.Context, memberID, subscriptionID string) (*subscription.Subscription, error)
}

// WebhookIngester verifies and processes raw provider notifications.
type WebhookIngester interface {
	HandleWebhook(ctx context.Context, payload []byte, header http.Header) (subscription.Outcome, error)
}

type Service struct {
	cfg          Config
	reconciler   Reconciler
	webhooks     map[string]WebhookIngester
	checks       []httpserver.Check
	idHeaders    []string
	limiter      ratelimiter.Limiter
	validate     *validator.Validate
	errorHandler handler.ErrorHandler[handler.Context]
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWebhook serves notifications of provider at /webhooks/{provider}.
func WithWebhook(provider string, ingester WebhookIngester) Option {
	return func(s *Service) {
		if provider != "" && ingester != nil {
			s.webhooks[provider] = ingester
		}
	}
}

// WithHealthChecks adds readiness checks to /healthz.
func WithHealthChecks(checks ...httpserver.Check) Option {
	return func(s *Service) {
		s.checks = append(s.checks, checks...)
	}
}

// WithRequestIDHeaders adds headers the request id is taken from when X-Request-ID is absent,
// e.g. the provider's webhook transmission id.
func WithRequestIDHeaders(headers ...string) Option {
	return func(s *Service) {
		s.idHeaders = append(s.idHeaders, headers...)
	}
}

// WithRateLimiter limits checkout creation and unsubscribe per client address.
func WithRateLimiter(l ratelimiter.Limiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

// NewService creates the billing HTTP service. Panics if reconciler is nil.
func NewService(cfg Config, reconciler Reconciler, opts ...Option) *Service {
	if reconciler == nil {
		panic("billing: Reconciler is required")
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = 1 << 20
	}

	s := &Service{
		cfg:        cfg,
		reconciler: reconciler,
		webhooks:   make(map[string]WebhookIngester),
		validate:   newValidator(),
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.errorHandler = handler.NewErrorHandler(s.logger, mapError)
	return s
}

// Handle returns the router with every billing route mounted.
func (s *Service) Handle() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestid.Middleware(s.idHeaders...))
	r.Use(clientip.Middleware(s.cfg.TrustedIPHeaders...))

	r.Post("/subscriptions", handler.Wrap(s.createSubscription,
		handler.WithBinders[handler.Context, CreateSubscriptionRequest](jsonBinder()),
		handler.WithErrorHandler[handler.Context, CreateSubscriptionRequest](s.errorHandler),
		handler.WithDecorators(rateLimit[CreateSubscriptionRequest](s.limiter, "subscribe", s.logger)),
	))
	r.Get("/subscription-success", handler.Wrap(s.subscriptionSuccess,
		handler.WithBinders[handler.Context, SubscriptionSuccessRequest](queryBinder()),
		handler.WithErrorHandler[handler.Context, SubscriptionSuccessRequest](s.errorHandler),
	))
	r.Post("/unsubscribe", handler.Wrap(s.unsubscribe,
		handler.WithBinders[handler.Context, UnsubscribeRequest](jsonBinder()),
		handler.WithErrorHandler[handler.Context, UnsubscribeRequest](s.errorHandler),
		handler.WithDecorators(rateLimit[UnsubscribeRequest](s.limiter, "unsubscribe", s.logger)),
	))
	r.Get("/subscriptions/{id}", handler.Wrap(s.status,
		handler.WithBinders[handler.Context, StatusRequest](pathBinder()),
		handler.WithErrorHandler[handler.Context, StatusRequest](s.errorHandler),
	))
	r.Post("/webhooks/{provider}", handler.Wrap(s.webhook,
		handler.WithBinders[handler.Context, WebhookRequest](pathBinder()),
		handler.WithErrorHandler[handler.Context, WebhookRequest](s.errorHandler),
	))
	r.Get("/healthz", httpserver.HealthCheckHandler(s.logger, s.cfg.HealthCheckTimeout, s.checks...))

	return r
}
