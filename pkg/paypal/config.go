package paypal

import "time"

// Config holds PayPal REST credentials and client tuning.
type Config struct {
	ClientID  string `env:"PAYPAL_CLIENT_ID,required"`
	Secret    string `env:"PAYPAL_SECRET,required"`
	APIBase   string `env:"PAYPAL_API_BASE" envDefault:"https://api-m.paypal.com"` // https://api-m.sandbox.paypal.com for sandbox
	WebhookID string `env:"PAYPAL_WEBHOOK_ID"`
	BrandName string `env:"PAYPAL_BRAND_NAME"`

	// SkipWebhookVerification accepts notifications without asking PayPal to verify them.
	// Only for local development against a simulator.
	SkipWebhookVerification bool `env:"PAYPAL_SKIP_WEBHOOK_VERIFICATION" envDefault:"false"`

	RequestTimeout time.Duration `env:"PAYPAL_REQUEST_TIMEOUT" envDefault:"15s"`
	RefreshSkew    time.Duration `env:"PAYPAL_TOKEN_REFRESH_SKEW" envDefault:"5m"`
	TokenRetries   uint64        `env:"PAYPAL_TOKEN_RETRIES" envDefault:"2"`
	TokenBackoff   time.Duration `env:"PAYPAL_TOKEN_BACKOFF" envDefault:"200ms"`
}
