package billing

import "time"

// Config holds the HTTP boundary settings.
type Config struct {
	// SuccessRedirectURL receives the subscriber after a successful activation.
	SuccessRedirectURL string `env:"SUCCESS_REDIRECT_URL,required"`
	// FailureRedirectURL receives the subscriber when activation fails.
	FailureRedirectURL string `env:"FAILURE_REDIRECT_URL,required"`

	// TrustedIPHeaders are proxy headers the client address is read from, in order.
	TrustedIPHeaders []string `env:"TRUSTED_IP_HEADERS" envSeparator:"," envDefault:"X-Forwarded-For,X-Real-IP"`

	MaxWebhookBytes    int64         `env:"WEBHOOK_MAX_BYTES" envDefault:"1048576"`
	HealthCheckTimeout time.Duration `env:"HEALTHCHECK_TIMEOUT" envDefault:"5s"`
}
